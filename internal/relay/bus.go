// Package relay carries room broadcasts and targeted messages between
// server instances. Every instance delivers to its own connections first and
// then publishes an Envelope; peers deliver it to whichever recipients they
// hold and ignore envelopes they published themselves.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrClosed = errors.New("relay closed")

// Envelope is one message in flight between instances. Exactly one of Room
// or Target is set.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room,omitempty"`
	Target  string          `json:"target,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Handler receives envelopes published by any instance.
type Handler func(Envelope)

// Bus is a fan-out channel shared by all instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h for every envelope published after it returns.
	// Delivery stops once ctx is done or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

func encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}

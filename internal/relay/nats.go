package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/logger"
	"github.com/codeit/server/internal/metrics"
)

// NATSSubject is the subject every instance listens on.
const NATSSubject = "codeit.relay"

// NATSBus relays envelopes over a core NATS subject.
type NATSBus struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// ConnectNATS dials url and returns a bus that owns the connection.
func ConnectNATS(url, name string) (*NATSBus, error) {
	log := logger.For("relay")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return NewNATSBus(nc), nil
}

// NewNATSBus wraps an open connection. Close drains it.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc, log: logger.For("relay")}
}

func (b *NATSBus) Publish(ctx context.Context, env Envelope) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(NATSSubject, data); err != nil {
		metrics.RelayPublishErrors.Inc()
		return fmt.Errorf("failed to publish to %s: %w", NATSSubject, err)
	}
	metrics.RelayPublished.Inc()
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, h Handler) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	sub, err := b.nc.Subscribe(NATSSubject, func(msg *nats.Msg) {
		env, err := decode(msg.Data)
		if err != nil {
			b.log.Warn().Err(err).Msg("Dropping malformed envelope")
			return
		}
		metrics.RelayReceived.Inc()
		h(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", NATSSubject, err)
	}
	// Make sure the server has registered interest before returning.
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	b.log.Info().Str("subject", NATSSubject).Msg("Subscribed to relay subject")
	return nil
}

func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

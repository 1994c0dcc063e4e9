package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/codeit/server/internal/state"
)

const (
	presenceKey = "presence"

	// TTL guards against entries left behind by crashed instances. It says
	// nothing about whether the connection is still alive.
	TTL = 24 * time.Hour
)

// Tracker maps connection ids to display names.
type Tracker struct {
	store state.Store
}

// NewTracker creates a tracker over the shared store.
func NewTracker(store state.Store) *Tracker {
	return &Tracker{store: store}
}

// Record sets the display name for a connection
func (t *Tracker) Record(ctx context.Context, connectionID, displayName string) error {
	if err := t.store.HSet(ctx, presenceKey, connectionID, displayName, TTL); err != nil {
		return fmt.Errorf("failed to record presence for %s: %w", connectionID, err)
	}
	return nil
}

// Lookup gets the display name for a connection
func (t *Tracker) Lookup(ctx context.Context, connectionID string) (string, bool, error) {
	name, ok, err := t.store.HGet(ctx, presenceKey, connectionID)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up presence for %s: %w", connectionID, err)
	}
	return name, ok, nil
}

// ListAll returns every known connection and its display name
func (t *Tracker) ListAll(ctx context.Context) (map[string]string, error) {
	all, err := t.store.HGetAll(ctx, presenceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	return all, nil
}

// Names resolves display names for a set of connections in one round trip.
// Connections without an entry are left out.
func (t *Tracker) Names(ctx context.Context, connectionIDs []string) (map[string]string, error) {
	names, err := t.store.HMGet(ctx, presenceKey, connectionIDs...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve presence names: %w", err)
	}
	return names, nil
}

// Refresh extends the presence hash's expiration. It reports false when the
// hash no longer exists.
func (t *Tracker) Refresh(ctx context.Context) (bool, error) {
	ok, err := t.store.Expire(ctx, presenceKey, TTL)
	if err != nil {
		return false, fmt.Errorf("failed to refresh presence: %w", err)
	}
	return ok, nil
}

// Remove deletes a connection's entry
func (t *Tracker) Remove(ctx context.Context, connectionID string) error {
	if err := t.store.HDel(ctx, presenceKey, connectionID); err != nil {
		return fmt.Errorf("failed to remove presence for %s: %w", connectionID, err)
	}
	return nil
}

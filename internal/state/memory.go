package state

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fields    map[string]string
	value     string
	expiresAt time.Time // zero means no expiration
}

// MemoryStore keeps everything in process. Expired keys are dropped lazily on
// access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, so tests can move expiration forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the entry for key, or nil if absent or expired. Caller holds mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) touch(e *memoryEntry, ttl time.Duration) {
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memoryEntry{fields: make(map[string]string)}
		s.entries[key] = e
	}
	e.fields[field] = value
	s.touch(e, ttl)
	return nil
}

func (s *MemoryStore) HUpdate(ctx context.Context, key, field string, ttl time.Duration, fn UpdateFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return false, nil
	}
	current, ok := e.fields[field]
	if !ok {
		return false, nil
	}

	next, err := fn(current)
	if err != nil {
		return false, err
	}
	e.fields[field] = next
	s.touch(e, ttl)
	return true, nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return "", false, nil
	}
	v, ok := e.fields[field]
	return v, ok, nil
}

func (s *MemoryStore) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]string, len(fields))
	e := s.live(key)
	if e == nil {
		return result, nil
	}
	for _, f := range fields {
		if v, ok := e.fields[f]; ok {
			result[f] = v
		}
	}
	return result, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]string)
	if e := s.live(key); e != nil {
		for f, v := range e.fields {
			result[f] = v
		}
	}
	return result, nil
}

func (s *MemoryStore) HLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key); e != nil {
		return int64(len(e.fields)), nil
	}
	return 0, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.fields, f)
	}
	// Redis removes a hash once its last field is gone.
	if len(e.fields) == 0 {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return false, nil
	}
	s.touch(e, ttl)
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &memoryEntry{value: value}
	s.touch(e, ttl)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

package ratelimit

import (
	"sync"
	"time"
)

// Default per-connection message budget.
const (
	DefaultMessageRate  = 100
	DefaultMessageBurst = 200
)

// Bucket is a token bucket guarding a single connection.
type Bucket struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewBucket creates a full bucket refilling at rate tokens per second.
func NewBucket(rate float64, burst int) *Bucket {
	return newBucketWithClock(rate, burst, time.Now)
}

func newBucketWithClock(rate float64, burst int, now func() time.Time) *Bucket {
	return &Bucket{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.lastUpdate = now

	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

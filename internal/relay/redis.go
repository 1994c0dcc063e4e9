package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/logger"
	"github.com/codeit/server/internal/metrics"
)

// RedisChannel is the pub/sub channel every instance listens on.
const RedisChannel = "codeit:relay"

// RedisBus relays envelopes over Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	redis *redis.Client
	log   zerolog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus publishes through client. Close leaves the client open.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		redis: client,
		log:   logger.For("relay"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.redis.Publish(ctx, RedisChannel, data).Err(); err != nil {
		metrics.RelayPublishErrors.Inc()
		return fmt.Errorf("failed to publish to %s: %w", RedisChannel, err)
	}
	metrics.RelayPublished.Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	ps := b.redis.Subscribe(ctx, RedisChannel)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", RedisChannel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decode([]byte(msg.Payload))
				if err != nil {
					b.log.Warn().Err(err).Msg("Dropping malformed envelope")
					continue
				}
				metrics.RelayReceived.Inc()
				h(env)
			}
		}
	}()

	b.log.Info().Str("channel", RedisChannel).Msg("Subscribed to relay channel")
	return nil
}

// Close stops all subscriptions. The underlying client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.subs {
		ps.Close()
	}
	b.subs = nil
	return nil
}

package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeit/server/internal/logger"
)

// RedisOptions builds client options from either a "host:port" address or a
// "redis://" / "rediss://" URL.
func RedisOptions(redisURL, password string) (*redis.Options, error) {
	if redisURL == "" {
		redisURL = "localhost:6379" // default for local development
	}

	opts := &redis.Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DB:           0,
	}

	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		parsedURL, err := url.Parse(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts.Addr = parsedURL.Host
		if parsedURL.User != nil {
			opts.Username = parsedURL.User.Username()
			if pw, ok := parsedURL.User.Password(); ok {
				opts.Password = pw
			}
		}
		// Use TLS for rediss:// scheme
		if parsedURL.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
	} else {
		opts.Addr = redisURL
		opts.Password = password
	}

	return opts, nil
}

// ConnectRedis dials Redis and pings it. On any failure it returns a nil
// client with the error; callers decide whether to run standalone.
func ConnectRedis(ctx context.Context, redisURL, password string) (*redis.Client, error) {
	log := logger.For("db")

	opts, err := RedisOptions(redisURL, password)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Redis connection established")
	return rdb, nil
}

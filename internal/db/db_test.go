package db

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisOptionsHostPort(t *testing.T) {
	opts, err := RedisOptions("cache:6379", "secret")
	require.NoError(t, err)

	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Nil(t, opts.TLSConfig)
}

func TestRedisOptionsURL(t *testing.T) {
	opts, err := RedisOptions("rediss://user:pw@cache.example:6380", "ignored")
	require.NoError(t, err)

	assert.Equal(t, "cache.example:6380", opts.Addr)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	require.NotNil(t, opts.TLSConfig)
}

func TestRedisOptionsDefault(t *testing.T) {
	opts, err := RedisOptions("", "")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := ConnectRedis(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	defer rdb.Close()

	assert.NoError(t, rdb.Ping(context.Background()).Err())
}

func TestConnectRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rdb, err := ConnectRedis(context.Background(), addr, "")
	assert.Error(t, err)
	assert.Nil(t, rdb)
}

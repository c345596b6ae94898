package redis_db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		password string
		tls      bool
	}{
		{name: "simple docker style", url: "redis:6379", addr: "redis:6379"},
		{name: "redis url with password", url: "redis://:password123@localhost:6379", addr: "localhost:6379", password: "password123"},
		{name: "password without colon", url: "redis://secret@localhost:6379", addr: "localhost:6379", password: "secret"},
		{name: "managed instance", url: "myinstance.redis.cache.windows.net:6380", addr: "myinstance.redis.cache.windows.net:6380"},
		{name: "tls url", url: "rediss://:pw@cache.internal:6380", addr: "cache.internal:6380", password: "pw", tls: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url, false)
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.Addr)
			assert.Equal(t, tt.password, got.Password)
			assert.Equal(t, tt.tls, got.TLSConfig != nil)
		})
	}
}

func TestParseRedisURL_SkipTLSVerify(t *testing.T) {
	got, err := ParseRedisURL("rediss://:pw@cache.internal:6380", true)
	require.NoError(t, err)
	require.NotNil(t, got.TLSConfig)
	assert.True(t, got.TLSConfig.InsecureSkipVerify)
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient([]string{}, false)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client, err := NewRedisClient([]string{mr.Addr()}, false)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Client().Set(ctx, "k", "v", time.Minute).Err())
	got, err := client.Client().Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, client.Client().Del(ctx, "k").Err())
	_, err = client.Client().Get(ctx, "k").Result()
	assert.Equal(t, redis.Nil, err)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient([]string{addr}, false)
	assert.Error(t, err)
}

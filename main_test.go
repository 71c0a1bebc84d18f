package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/cache"
	"creditledger/internal/config"
)

func TestSelectMarker(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	stripeOn := config.Config{StripeSecretKey: "sk_test_123"}

	t.Run("stripe without redis fails startup", func(t *testing.T) {
		marker, err := selectMarker(nil, stripeOn, log)
		assert.ErrorIs(t, err, errNoSharedMarker)
		assert.Nil(t, marker)
	})

	t.Run("explicit opt-in keeps markers in process", func(t *testing.T) {
		cfg := stripeOn
		cfg.AllowLocalReloadMarker = true
		marker, err := selectMarker(nil, cfg, log)
		require.NoError(t, err)
		assert.IsType(t, &cache.MemoryMarker{}, marker)
	})

	t.Run("no stripe key never charges", func(t *testing.T) {
		marker, err := selectMarker(nil, config.Config{}, log)
		require.NoError(t, err)
		assert.IsType(t, &cache.MemoryMarker{}, marker)
	})

	t.Run("redis client wins", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
		t.Cleanup(func() { _ = client.Close() })
		marker, err := selectMarker(client, stripeOn, log)
		require.NoError(t, err)
		assert.IsType(t, &cache.RedisMarker{}, marker)
	})
}

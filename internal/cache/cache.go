// Package cache holds short-lived markers kept outside the ledger database.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const reloadPendingPrefix = "creditledger:reload:pending:"

// NewRedisClient pings before returning.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// RedisMarker stores one "reload pending" key per account with SET NX.
type RedisMarker struct {
	client *redis.Client
}

func NewRedisMarker(client *redis.Client) *RedisMarker {
	return &RedisMarker{client: client}
}

func (m *RedisMarker) Acquire(ctx context.Context, accountID int64, ttl time.Duration) (bool, error) {
	return m.client.SetNX(ctx, reloadKey(accountID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (m *RedisMarker) Release(ctx context.Context, accountID int64) error {
	return m.client.Del(ctx, reloadKey(accountID)).Err()
}

func (m *RedisMarker) Pending(ctx context.Context, accountID int64) (bool, error) {
	n, err := m.client.Exists(ctx, reloadKey(accountID)).Result()
	return n > 0, err
}

// MemoryMarker is the single-process equivalent of RedisMarker.
type MemoryMarker struct {
	mu      sync.Mutex
	expires map[int64]time.Time
	now     func() time.Time
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{expires: make(map[int64]time.Time), now: time.Now}
}

// WithClock swaps the time source, for tests that step past a TTL.
func (m *MemoryMarker) WithClock(now func() time.Time) *MemoryMarker {
	m.now = now
	return m
}

func (m *MemoryMarker) Acquire(_ context.Context, accountID int64, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.expires[accountID]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[accountID] = now.Add(ttl)
	return true, nil
}

func (m *MemoryMarker) Release(_ context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, accountID)
	return nil
}

func (m *MemoryMarker) Pending(_ context.Context, accountID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expires[accountID]
	return ok && m.now().Before(exp), nil
}

func reloadKey(accountID int64) string {
	return fmt.Sprintf("%s%d", reloadPendingPrefix, accountID)
}

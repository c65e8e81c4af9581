package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_IncrOpensWindowWithTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	count, resetAt, err := store.Incr(ctx, "ratelimit:t:tool", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, now.Add(time.Minute), resetAt, time.Second)
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:t:tool"))

	count, _, err = store.Incr(ctx, "ratelimit:t:tool", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisStore_RepairsMissingTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("ratelimit:t:tool", "5"))

	count, _, err := store.Incr(context.Background(), "ratelimit:t:tool", time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:t:tool"))
}

func TestRedisStore_LimiterBoundary(t *testing.T) {
	store, mr := newRedisStore(t)
	l := NewLimiter(store, zap.NewNop())
	policy := &registry.RateLimit{Requests: 3, Window: "1m"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Check(ctx, "tenant_a", "lookup_price", policy).Allowed)
	}
	d := l.Check(ctx, "tenant_a", "lookup_price", policy)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfterSeconds, 0)

	mr.FastForward(61 * time.Second)
	d = l.Check(ctx, "tenant_a", "lookup_price", policy)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

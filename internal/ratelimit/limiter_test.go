package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(store Store) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(store, zap.NewNop())
	l.now = clock.Now
	return l, clock
}

func TestWindowDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"1m":  60_000 * time.Millisecond,
		"5m":  300_000 * time.Millisecond,
		"15m": 900_000 * time.Millisecond,
		"1h":  3_600_000 * time.Millisecond,
		"1d":  86_400_000 * time.Millisecond,
		"2w":  time.Hour,
		"":    time.Hour,
	}
	for w, want := range tests {
		if got := WindowDuration(w); got != want {
			t.Errorf("WindowDuration(%q) = %v, want %v", w, got, want)
		}
	}
	if KnownWindow("2w") || !KnownWindow("15m") {
		t.Fatal("KnownWindow mismatch")
	}
}

func TestLimiter_Boundary(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	l, clock := newTestLimiter(store)
	policy := &registry.RateLimit{Requests: 3, Window: "1m"}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := l.Check(ctx, "tenant_a", "lookup_price", policy)
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		clock.Advance(10 * time.Second)
	}

	d := l.Check(ctx, "tenant_a", "lookup_price", policy)
	if d.Allowed {
		t.Fatal("4th call within the window should be rejected")
	}
	// Window opened at t=0 and resets at t=60s; now is t=30s.
	if d.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s, got %d", d.RetryAfterSeconds)
	}

	clock.Advance(31 * time.Second)
	d = l.Check(ctx, "tenant_a", "lookup_price", policy)
	if !d.Allowed {
		t.Fatal("call after window elapsed should be allowed")
	}
	if d.Count != 1 {
		t.Fatalf("expected counter reset to 1, got %d", d.Count)
	}
}

func TestLimiter_RetryAfterRoundsUp(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	l, clock := newTestLimiter(store)
	policy := &registry.RateLimit{Requests: 1, Window: "1m"}
	ctx := context.Background()

	l.Check(ctx, "tenant_a", "tool", policy)
	clock.Advance(59*time.Second + 500*time.Millisecond)
	d := l.Check(ctx, "tenant_a", "tool", policy)
	if d.Allowed || d.RetryAfterSeconds != 1 {
		t.Fatalf("expected rejection with retry 1s, got %+v", d)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	l, _ := newTestLimiter(store)
	policy := &registry.RateLimit{Requests: 1, Window: "1h"}
	ctx := context.Background()

	if !l.Check(ctx, "tenant_a", "tool_one", policy).Allowed {
		t.Fatal("first call should pass")
	}
	if !l.Check(ctx, "tenant_a", "tool_two", policy).Allowed {
		t.Fatal("other tool has its own window")
	}
	if !l.Check(ctx, "tenant_b", "tool_one", policy).Allowed {
		t.Fatal("other tenant has its own window")
	}
	if l.Check(ctx, "tenant_a", "tool_one", policy).Allowed {
		t.Fatal("second call for same key should be rejected")
	}
}

func TestLimiter_NoPolicyNeverThrottles(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	l, _ := newTestLimiter(store)
	for i := 0; i < 100; i++ {
		if !l.Check(context.Background(), "tenant_a", "tool", nil).Allowed {
			t.Fatal("nil policy must never throttle")
		}
	}
	if store.Len() != 0 {
		t.Fatal("nil policy must not create counters")
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration, time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("redis: connection refused")
}

func TestLimiter_StoreFailureFailsOpen(t *testing.T) {
	l, _ := newTestLimiter(failingStore{})
	d := l.Check(context.Background(), "tenant_a", "tool", &registry.RateLimit{Requests: 1, Window: "1m"})
	if !d.Allowed {
		t.Fatal("store failure should fail open")
	}
}

func TestMemoryStore_ConcurrentIncrementsAreNotLost(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	l, _ := newTestLimiter(store)
	policy := &registry.RateLimit{Requests: 10, Window: "1m"}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(context.Background(), "tenant_a", "tool", policy).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 10 {
		t.Fatalf("expected exactly 10 allowed calls, got %d", allowed.Load())
	}
}

func TestMemoryStore_SweepEvictsExpired(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	now := time.Now()
	ctx := context.Background()

	_, _, _ = store.Incr(ctx, "short", time.Minute, now)
	_, _, _ = store.Incr(ctx, "long", 24*time.Hour, now)
	if n := store.Sweep(now.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 remaining key, got %d", store.Len())
	}

	// An evicted key starts a fresh window.
	count, _, _ := store.Incr(ctx, "short", time.Minute, now.Add(2*time.Minute))
	if count != 1 {
		t.Fatalf("expected fresh window after sweep, got count %d", count)
	}
}

func TestMemoryStore_SweepDuringTraffic(t *testing.T) {
	store := NewMemoryStore(time.Millisecond)
	defer store.Close()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if _, _, err := store.Incr(context.Background(), "hot", time.Millisecond, time.Now()); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func BenchmarkLimiter_Check(b *testing.B) {
	store := NewMemoryStore(0)
	defer store.Close()
	l := NewLimiter(store, zap.NewNop())
	policy := &registry.RateLimit{Requests: 1 << 30, Window: "1h"}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Check(ctx, "tenant_a", "lookup_price", policy)
	}
}

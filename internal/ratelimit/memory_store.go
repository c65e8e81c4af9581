package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps window counters in process memory. Counts are exact within
// one process but not shared across replicas; use RedisStore for that.
type MemoryStore struct {
	windows sync.Map // map[string]*windowState
	stop    chan struct{}
	stopped sync.Once
}

type windowState struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
	evicted bool
}

// NewMemoryStore creates a MemoryStore and starts a sweeper that evicts
// expired keys every sweepInterval. A zero interval disables sweeping.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{stop: make(chan struct{})}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	for {
		val, _ := s.windows.LoadOrStore(key, &windowState{})
		w := val.(*windowState)

		w.mu.Lock()
		if w.evicted {
			// Lost a race with the sweeper; retry against the fresh entry.
			w.mu.Unlock()
			continue
		}
		if w.count == 0 || now.After(w.resetAt) {
			w.count = 1
			w.resetAt = now.Add(window)
		} else {
			w.count++
		}
		count, resetAt := w.count, w.resetAt
		w.mu.Unlock()
		return count, resetAt, nil
	}
}

// Sweep evicts every window that expired before now.
func (s *MemoryStore) Sweep(now time.Time) int {
	evicted := 0
	s.windows.Range(func(k, v any) bool {
		w := v.(*windowState)
		w.mu.Lock()
		if now.After(w.resetAt) {
			w.evicted = true
			s.windows.Delete(k)
			evicted++
		}
		w.mu.Unlock()
		return true
	})
	return evicted
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	s.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops the sweeper.
func (s *MemoryStore) Close() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

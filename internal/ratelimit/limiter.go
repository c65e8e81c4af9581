// Package ratelimit enforces fixed-window quotas keyed by (tenant, tool).
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"go.uber.org/zap"
)

var windows = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"1d":  24 * time.Hour,
}

// KnownWindow reports whether w is one of the supported window units.
func KnownWindow(w string) bool {
	_, ok := windows[w]
	return ok
}

// WindowDuration maps a window unit to its length. Unknown units default to one hour.
func WindowDuration(w string) time.Duration {
	if d, ok := windows[w]; ok {
		return d
	}
	return time.Hour
}

// Store atomically counts calls for a key within a fixed window.
// Incr opens a new window when none exists or the current one has expired,
// and returns the post-increment count and the window's reset time.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetAt time.Time, err error)
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed           bool
	Count             int64
	Limit             int
	ResetAt           time.Time
	RetryAfterSeconds int
}

// Limiter applies per-tool policies on top of a Store.
// Store failures fail open so an unreachable counter backend never blocks dispatch.
type Limiter struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewLimiter creates a Limiter over the given store.
func NewLimiter(store Store, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, now: time.Now, logger: logger}
}

// Key builds the counter key for a tenant+tool pair.
func Key(tenantID, toolName string) string {
	return "ratelimit:" + tenantID + ":" + toolName
}

// Check counts one call and reports whether it fits the policy.
// A nil policy is never throttled.
func (l *Limiter) Check(ctx context.Context, tenantID, toolName string, policy *registry.RateLimit) Decision {
	if policy == nil || policy.Requests <= 0 {
		return Decision{Allowed: true}
	}

	now := l.now()
	count, resetAt, err := l.store.Incr(ctx, Key(tenantID, toolName), WindowDuration(policy.Window), now)
	if err != nil {
		l.logger.Warn("rate limit store failed, allowing call",
			zap.String("tenant_id", tenantID),
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return Decision{Allowed: true, Limit: policy.Requests}
	}

	d := Decision{
		Allowed: count <= int64(policy.Requests),
		Count:   count,
		Limit:   policy.Requests,
		ResetAt: resetAt,
	}
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfter(resetAt, now)
	}
	return d
}

// retryAfter is ceil((resetAt - now) / 1s), never below 1 for a rejected call.
func retryAfter(resetAt, now time.Time) int {
	ms := resetAt.Sub(now).Milliseconds()
	secs := int(math.Ceil(float64(ms) / 1000))
	if secs < 1 {
		secs = 1
	}
	return secs
}

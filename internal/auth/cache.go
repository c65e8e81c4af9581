package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache maps API keys to tenants with a TTL and stale-while-revalidate.
// Entries are keyed by the SHA-256 digest of the key so plaintext keys are
// not retained in memory.
type AuthCache struct {
	entries sync.Map // map[[32]byte]*tenantEntry
	ttl     time.Duration
	now     func() time.Time
}

type tenantEntry struct {
	tenant     *TenantContext
	freshUntil time.Time
	refreshing atomic.Bool
}

// Lookup is the outcome of AuthCache.Get. Stale entries are still returned
// with Hit set; NeedsRefresh is true for exactly one caller per stale entry.
type Lookup struct {
	Tenant       *TenantContext
	Hit          bool
	NeedsRefresh bool
}

func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

func (c *AuthCache) Get(apiKey string) Lookup {
	v, ok := c.entries.Load(sha256.Sum256([]byte(apiKey)))
	if !ok {
		return Lookup{}
	}
	e := v.(*tenantEntry)
	if c.now().Before(e.freshUntil) {
		return Lookup{Tenant: e.tenant, Hit: true}
	}
	return Lookup{Tenant: e.tenant, Hit: true, NeedsRefresh: e.refreshing.CompareAndSwap(false, true)}
}

func (c *AuthCache) Set(apiKey string, tenant *TenantContext) {
	c.entries.Store(sha256.Sum256([]byte(apiKey)), &tenantEntry{
		tenant:     tenant,
		freshUntil: c.now().Add(c.ttl),
	})
}

func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(sha256.Sum256([]byte(apiKey)))
}

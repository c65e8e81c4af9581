package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// testAPIKey must start with "trk_" and be at least PrefixLen characters.
const testAPIKey = "trk_test_valid_key_1234567890abcdef"

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

type mockStore struct {
	row        *tenantRow
	err        error
	callCount  atomic.Int32
	lastPrefix atomic.Value
}

func (m *mockStore) LookupByPrefix(_ context.Context, prefix string) (*tenantRow, error) {
	m.callCount.Add(1)
	m.lastPrefix.Store(prefix)
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	store := &mockStore{row: &tenantRow{TenantID: "tenant_abc", Name: "Acme", APIKeyHash: testHash(t)}}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	tenant, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if tenant.TenantID != "tenant_abc" || tenant.Name != "Acme" {
		t.Errorf("unexpected tenant %+v", tenant)
	}
	if got := store.lastPrefix.Load(); got != testAPIKey[:PrefixLen] {
		t.Errorf("looked up prefix %v, want %s", got, testAPIKey[:PrefixLen])
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	store := &mockStore{row: &tenantRow{TenantID: "tenant_abc", APIKeyHash: testHash(t)}}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_WrongKeyRejected(t *testing.T) {
	store := &mockStore{row: &tenantRow{TenantID: "tenant_abc", APIKeyHash: testHash(t)}}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := a.Authenticate(context.Background(), "trk_test_wrong_key_doesnt_match")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestPostgresAuth_UnknownPrefix(t *testing.T) {
	store := &mockStore{err: ErrInvalidAPIKey}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	a := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable, got %v", err)
	}
}

func TestPostgresAuth_StaleEntryRefreshFailureEvicts(t *testing.T) {
	store := &mockStore{row: &tenantRow{TenantID: "tenant_abc", APIKeyHash: testHash(t)}}
	cache := NewAuthCache(1 * time.Millisecond)
	a := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	store.err = ErrInvalidAPIKey
	// Stale hit still succeeds; the background refresh then evicts the key.
	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("stale hit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for cache.Get(testAPIKey).Hit {
		if time.Now().After(deadline) {
			t.Fatal("revoked key was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

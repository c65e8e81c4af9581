package registry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func sampleTool(tenantID, name string) *ToolDefinition {
	return &ToolDefinition{
		TenantID:    tenantID,
		Name:        name,
		DisplayName: "Lookup price",
		Description: "Looks up the price of a SKU",
		Category:    "commerce",
		IsActive:    true,
		Config:      &ToolConfig{Endpoint: "/api/price", Method: MethodGet},
		Parameters: &ParameterSchema{
			Type: "object",
			Properties: map[string]Property{
				"sku": {Type: KindString, Description: "Stock keeping unit"},
			},
			Required: []string{"sku"},
		},
		Security: SecurityPolicy{RateLimit: &RateLimit{Requests: 3, Window: "1m"}},
	}
}

func TestMemoryRegistry_CreateRejectsDuplicateName(t *testing.T) {
	r := NewMemoryToolRegistry()
	ctx := context.Background()

	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price"))
	if !errors.Is(err, ErrToolExists) {
		t.Fatalf("expected ErrToolExists, got %v", err)
	}

	// Same name under another tenant is fine.
	if _, err := r.Create(ctx, sampleTool("tenant_b", "lookup_price")); err != nil {
		t.Fatalf("create for second tenant: %v", err)
	}
}

func TestMemoryRegistry_InactiveToolsAreInvisibleToFind(t *testing.T) {
	r := NewMemoryToolRegistry()
	ctx := context.Background()
	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActive(ctx, "tenant_a", "lookup_price", false); err != nil {
		t.Fatal(err)
	}

	td, err := r.FindTool(ctx, "tenant_a", "lookup_price")
	if err != nil || td != nil {
		t.Fatalf("expected nil for inactive tool, got %+v, %v", td, err)
	}
	active, _ := r.ListActive(ctx, "tenant_a")
	if len(active) != 0 {
		t.Fatalf("expected no active tools, got %d", len(active))
	}
	all, _ := r.List(ctx, "tenant_a")
	if len(all) != 1 {
		t.Fatalf("expected inactive tool in full listing, got %d", len(all))
	}
	got, _ := r.Get(ctx, "tenant_a", "lookup_price")
	if got == nil || got.IsActive {
		t.Fatalf("expected inactive tool from Get, got %+v", got)
	}
}

func TestMemoryRegistry_UpdateUnknownTool(t *testing.T) {
	r := NewMemoryToolRegistry()
	_, err := r.Update(context.Background(), sampleTool("tenant_a", "missing"))
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
	if err := r.SetActive(context.Background(), "tenant_a", "missing", true); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound from SetActive, got %v", err)
	}
}

func TestMemoryRegistry_ReturnsCopies(t *testing.T) {
	r := NewMemoryToolRegistry()
	ctx := context.Background()
	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatal(err)
	}

	td, _ := r.FindTool(ctx, "tenant_a", "lookup_price")
	td.Config.Endpoint = "https://evil.example.com/x"
	td.Parameters.Properties["extra"] = Property{Type: KindString}

	again, _ := r.FindTool(ctx, "tenant_a", "lookup_price")
	if again.Config.Endpoint != "/api/price" {
		t.Fatalf("stored config was mutated through a returned copy: %s", again.Config.Endpoint)
	}
	if _, ok := again.Parameters.Properties["extra"]; ok {
		t.Fatal("stored parameters were mutated through a returned copy")
	}
}

func TestMemoryRegistry_ConcurrentCreateSameName(t *testing.T) {
	r := NewMemoryToolRegistry()
	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(context.Background(), sampleTool("tenant_a", "lookup_price")); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	if created.Load() != 1 {
		t.Fatalf("expected exactly one successful create, got %d", created.Load())
	}
}

// --- Postgres registry over a stub store ---

type mockToolStore struct {
	mu        sync.Mutex
	rows      map[toolKey]*toolRow
	lookups   atomic.Int32
	lookupErr error
	// afterLookup runs once a row has been read, before it is returned.
	afterLookup func()
}

func newMockToolStore() *mockToolStore {
	return &mockToolStore{rows: make(map[toolKey]*toolRow)}
}

func (m *mockToolStore) LookupTool(_ context.Context, tenantID, name string) (*toolRow, error) {
	m.lookups.Add(1)
	m.mu.Lock()
	lookupErr, hook := m.lookupErr, m.afterLookup
	row, ok := m.rows[cacheKey(tenantID, name)]
	var cp toolRow
	if ok {
		cp = *row
	}
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if lookupErr != nil {
		return nil, lookupErr
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &cp, nil
}

func (m *mockToolStore) setLookupErr(err error) {
	m.mu.Lock()
	m.lookupErr = err
	m.mu.Unlock()
}

func (m *mockToolStore) setAfterLookup(hook func()) {
	m.mu.Lock()
	m.afterLookup = hook
	m.mu.Unlock()
}

func (m *mockToolStore) ListTools(_ context.Context, tenantID string, activeOnly bool) ([]*toolRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*toolRow
	for _, row := range m.rows {
		if row.TenantID == tenantID && (!activeOnly || row.IsActive) {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockToolStore) InsertTool(_ context.Context, row *toolRow) (*toolRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKey(row.TenantID, row.Name)
	if _, exists := m.rows[key]; exists {
		return nil, sql.ErrNoRows
	}
	cp := *row
	cp.ID = "tool_" + row.Name
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.rows[key] = &cp
	out := cp
	return &out, nil
}

func (m *mockToolStore) UpdateTool(_ context.Context, row *toolRow) (*toolRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKey(row.TenantID, row.Name)
	existing, ok := m.rows[key]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *row
	cp.ID = existing.ID
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	m.rows[key] = &cp
	out := cp
	return &out, nil
}

func (m *mockToolStore) SetActive(_ context.Context, tenantID, name string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[cacheKey(tenantID, name)]
	if !ok {
		return false, nil
	}
	row.IsActive = active
	return true, nil
}

func TestPostgresRegistry_RoundTripsJSONColumns(t *testing.T) {
	store := newMockToolStore()
	r := newPostgresToolRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	def := sampleTool("tenant_a", "lookup_price")
	def.ResponseMapping = &ResponseMapping{SuccessPath: "data.price"}
	if _, err := r.Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}

	td, err := r.FindTool(ctx, "tenant_a", "lookup_price")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if td == nil {
		t.Fatal("expected tool")
	}
	if td.Config.Endpoint != "/api/price" || td.Config.Method != MethodGet {
		t.Fatalf("config not round-tripped: %+v", td.Config)
	}
	if td.Parameters.Properties["sku"].Type != KindString {
		t.Fatalf("parameters not round-tripped: %+v", td.Parameters)
	}
	if td.ResponseMapping == nil || td.ResponseMapping.SuccessPath != "data.price" {
		t.Fatalf("response mapping not round-tripped: %+v", td.ResponseMapping)
	}
	if td.Security.RateLimit == nil || td.Security.RateLimit.Requests != 3 {
		t.Fatalf("security not round-tripped: %+v", td.Security)
	}
}

func TestPostgresRegistry_DuplicateCreate(t *testing.T) {
	r := newPostgresToolRegistryWithStore(newMockToolStore(), time.Minute, zap.NewNop())
	ctx := context.Background()
	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); !errors.Is(err, ErrToolExists) {
		t.Fatalf("expected ErrToolExists, got %v", err)
	}
}

func TestPostgresRegistry_FindCachesAndNegativeCaches(t *testing.T) {
	store := newMockToolStore()
	r := newPostgresToolRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()
	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if td, _ := r.FindTool(ctx, "tenant_a", "lookup_price"); td == nil {
			t.Fatal("expected hit")
		}
		if td, _ := r.FindTool(ctx, "tenant_a", "missing"); td != nil {
			t.Fatal("expected nil for unknown tool")
		}
	}
	if got := store.lookups.Load(); got != 2 {
		t.Fatalf("expected 2 DB lookups (one per key), got %d", got)
	}
}

func TestPostgresRegistry_DeactivateInvalidatesCache(t *testing.T) {
	store := newMockToolStore()
	r := newPostgresToolRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()
	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatal(err)
	}
	if td, _ := r.FindTool(ctx, "tenant_a", "lookup_price"); td == nil {
		t.Fatal("expected active tool")
	}

	if err := r.SetActive(ctx, "tenant_a", "lookup_price", false); err != nil {
		t.Fatal(err)
	}
	if td, _ := r.FindTool(ctx, "tenant_a", "lookup_price"); td != nil {
		t.Fatal("expected deactivated tool to disappear from FindTool")
	}
	if err := r.SetActive(ctx, "tenant_a", "missing", false); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestPostgresRegistry_LookupErrorIsWrapped(t *testing.T) {
	store := newMockToolStore()
	store.lookupErr = errors.New("connection refused")
	r := newPostgresToolRegistryWithStore(store, time.Minute, zap.NewNop())

	_, err := r.FindTool(context.Background(), "tenant_a", "lookup_price")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, store.lookupErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestPostgresRegistry_StaleEntryRefreshesInBackground(t *testing.T) {
	store := newMockToolStore()
	r := newPostgresToolRegistryWithStore(store, time.Millisecond, zap.NewNop())
	ctx := context.Background()
	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindTool(ctx, "tenant_a", "lookup_price"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	// Stale hit served from cache, refresh runs asynchronously.
	if td, _ := r.FindTool(ctx, "tenant_a", "lookup_price"); td == nil {
		t.Fatal("expected stale value")
	}
	deadline := time.Now().Add(time.Second)
	for store.lookups.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.lookups.Load() < 2 {
		t.Fatal("expected background refresh lookup")
	}
}

func TestPostgresRegistry_FailedRefreshEvictsStaleEntry(t *testing.T) {
	store := newMockToolStore()
	r := newPostgresToolRegistryWithStore(store, time.Minute, zap.NewNop())
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	r.cache.now = func() time.Time { return time.Unix(0, clock.Load()) }
	ctx := context.Background()

	if _, err := r.Create(ctx, sampleTool("tenant_a", "lookup_price")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindTool(ctx, "tenant_a", "lookup_price"); err != nil {
		t.Fatal(err)
	}

	store.setLookupErr(errors.New("connection reset"))
	clock.Add(int64(2 * time.Minute))
	if td, _ := r.FindTool(ctx, "tenant_a", "lookup_price"); td == nil {
		t.Fatal("expected stale value while refreshing")
	}

	deadline := time.Now().Add(time.Second)
	for r.cache.Get("tenant_a", "lookup_price").Hit && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.cache.Get("tenant_a", "lookup_price").Hit {
		t.Fatal("expected stale entry to be evicted after the refresh failed")
	}

	// Deactivated by another replica while the database was failing.
	store.mu.Lock()
	store.rows[cacheKey("tenant_a", "lookup_price")].IsActive = false
	store.mu.Unlock()
	store.setLookupErr(nil)

	td, err := r.FindTool(ctx, "tenant_a", "lookup_price")
	if err != nil {
		t.Fatal(err)
	}
	if td != nil {
		t.Fatalf("expected deactivated tool to be gone, got %+v", td)
	}
}

func TestPostgresRegistry_RefreshDoesNotOverwriteConcurrentUpdate(t *testing.T) {
	store := newMockToolStore()
	r := newPostgresToolRegistryWithStore(store, time.Minute, zap.NewNop())
	ctx := context.Background()

	def := sampleTool("tenant_a", "lookup_price")
	def.Description = "v1"
	if _, err := r.Create(ctx, def); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindTool(ctx, "tenant_a", "lookup_price"); err != nil {
		t.Fatal(err)
	}
	gen := r.cache.Get("tenant_a", "lookup_price").Generation

	read := make(chan struct{})
	release := make(chan struct{})
	store.setAfterLookup(func() {
		close(read)
		<-release
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.refreshInBackground("tenant_a", "lookup_price", gen)
	}()

	// The refresh holds the v1 row while v2 is written.
	<-read
	store.setAfterLookup(nil)
	updated := sampleTool("tenant_a", "lookup_price")
	updated.Description = "v2"
	if _, err := r.Update(ctx, updated); err != nil {
		t.Fatal(err)
	}
	close(release)
	wg.Wait()

	td, err := r.FindTool(ctx, "tenant_a", "lookup_price")
	if err != nil {
		t.Fatal(err)
	}
	if td == nil || td.Description != "v2" {
		t.Fatalf("expected v2 after update, got %+v", td)
	}
}

func TestEffectiveTimeoutMs(t *testing.T) {
	tests := []struct {
		name     string
		cfg      int
		max      int
		fallback int
		want     int
	}{
		{"unset uses default", 0, 0, 0, DefaultTimeoutMs},
		{"unset uses fallback", 0, 0, 2500, 2500},
		{"configured wins", 3000, 0, 2500, 3000},
		{"capped by policy", 30_000, 5000, 0, 5000},
		{"under cap", 1000, 5000, 0, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &ToolDefinition{
				Config:   &ToolConfig{Endpoint: "/x", Method: MethodGet, TimeoutMs: tt.cfg},
				Security: SecurityPolicy{MaxTimeoutMs: tt.max},
			}
			if got := def.EffectiveTimeoutMs(tt.fallback); got != tt.want {
				t.Errorf("EffectiveTimeoutMs(%d) = %d, want %d", tt.fallback, got, tt.want)
			}
		})
	}
}

func TestRequiredNames_MergesFlags(t *testing.T) {
	ps := &ParameterSchema{
		Type: "object",
		Properties: map[string]Property{
			"sku":    {Type: KindString, Required: true},
			"region": {Type: KindString, Required: true},
			"limit":  {Type: KindNumber},
		},
		Required: []string{"sku"},
	}
	got := ps.RequiredNames()
	want := []string{"sku", "region"}
	if len(got) != len(want) {
		t.Fatalf("RequiredNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RequiredNames() = %v, want %v", got, want)
		}
	}
}

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryToolRegistry keeps tool definitions in process memory.
// Used for local development without Postgres and in tests.
type MemoryToolRegistry struct {
	mu    sync.RWMutex
	tools map[toolKey]*ToolDefinition
}

// NewMemoryToolRegistry creates an empty registry.
func NewMemoryToolRegistry() *MemoryToolRegistry {
	return &MemoryToolRegistry{tools: make(map[toolKey]*ToolDefinition)}
}

func (r *MemoryToolRegistry) FindTool(_ context.Context, tenantID, name string) (*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.tools[cacheKey(tenantID, name)]
	if !ok || !td.IsActive {
		return nil, nil
	}
	return td.Clone(), nil
}

func (r *MemoryToolRegistry) Get(_ context.Context, tenantID, name string) (*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[cacheKey(tenantID, name)].Clone(), nil
}

func (r *MemoryToolRegistry) ListActive(_ context.Context, tenantID string) ([]*ToolDefinition, error) {
	return r.list(tenantID, true), nil
}

func (r *MemoryToolRegistry) List(_ context.Context, tenantID string) ([]*ToolDefinition, error) {
	return r.list(tenantID, false), nil
}

func (r *MemoryToolRegistry) list(tenantID string, activeOnly bool) []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDefinition, 0)
	for _, td := range r.tools {
		if td.TenantID != tenantID || (activeOnly && !td.IsActive) {
			continue
		}
		out = append(out, td.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *MemoryToolRegistry) Create(_ context.Context, def *ToolDefinition) (*ToolDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cacheKey(def.TenantID, def.Name)
	if _, exists := r.tools[key]; exists {
		return nil, fmt.Errorf("Create: %s: %w", def.Name, ErrToolExists)
	}
	td := def.Clone()
	if td.ID == "" {
		td.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	td.CreatedAt = now
	td.UpdatedAt = now
	r.tools[key] = td
	return td.Clone(), nil
}

func (r *MemoryToolRegistry) Update(_ context.Context, def *ToolDefinition) (*ToolDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := cacheKey(def.TenantID, def.Name)
	existing, ok := r.tools[key]
	if !ok {
		return nil, fmt.Errorf("Update: %s: %w", def.Name, ErrToolNotFound)
	}
	td := def.Clone()
	td.ID = existing.ID
	td.CreatedAt = existing.CreatedAt
	td.UpdatedAt = time.Now().UTC()
	r.tools[key] = td
	return td.Clone(), nil
}

func (r *MemoryToolRegistry) SetActive(_ context.Context, tenantID, name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	td, ok := r.tools[cacheKey(tenantID, name)]
	if !ok {
		return fmt.Errorf("SetActive: %s: %w", name, ErrToolNotFound)
	}
	td.IsActive = active
	td.UpdatedAt = time.Now().UTC()
	return nil
}

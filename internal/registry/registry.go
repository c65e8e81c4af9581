package registry

import (
	"context"
	"errors"
)

var (
	// ErrToolExists is returned when a tenant already has a tool with the same name.
	ErrToolExists = errors.New("tool already exists")
	// ErrToolNotFound is returned by mutations that target an unknown tool.
	ErrToolNotFound = errors.New("tool not found")
)

// Finder resolves tools for dispatch and schema export.
type Finder interface {
	// FindTool returns the active tool for a tenant+name pair, or nil if it
	// does not exist or has been deactivated.
	FindTool(ctx context.Context, tenantID, name string) (*ToolDefinition, error)
	// ListActive returns every active tool for a tenant ordered by name.
	ListActive(ctx context.Context, tenantID string) ([]*ToolDefinition, error)
}

// ToolRegistry is the full read/write registry used by tool authoring.
type ToolRegistry interface {
	Finder
	// Get returns a tool regardless of its active flag, or nil if absent.
	Get(ctx context.Context, tenantID, name string) (*ToolDefinition, error)
	// List returns every tool for a tenant, active or not, ordered by name.
	List(ctx context.Context, tenantID string) ([]*ToolDefinition, error)
	Create(ctx context.Context, def *ToolDefinition) (*ToolDefinition, error)
	Update(ctx context.Context, def *ToolDefinition) (*ToolDefinition, error)
	SetActive(ctx context.Context, tenantID, name string, active bool) error
}

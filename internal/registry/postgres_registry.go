package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	LookupTool(ctx context.Context, tenantID, name string) (*toolRow, error)
	ListTools(ctx context.Context, tenantID string, activeOnly bool) ([]*toolRow, error)
	InsertTool(ctx context.Context, row *toolRow) (*toolRow, error)
	UpdateTool(ctx context.Context, row *toolRow) (*toolRow, error)
	SetActive(ctx context.Context, tenantID, name string, active bool) (bool, error)
}

type toolRow struct {
	ID              string
	TenantID        string
	Name            string
	DisplayName     string
	Description     string
	Category        string
	IsActive        bool
	Config          string // JSONB as string
	Parameters      string
	ResponseMapping sql.NullString
	Security        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const toolColumns = `id, tenant_id, name, display_name, description, category, is_active,
		       config, parameters, response_mapping, security, created_at, updated_at`

// sqlToolStore is the real implementation using *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolRow(s rowScanner) (*toolRow, error) {
	var r toolRow
	if err := s.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.DisplayName, &r.Description, &r.Category, &r.IsActive,
		&r.Config, &r.Parameters, &r.ResponseMapping, &r.Security, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlToolStore) LookupTool(ctx context.Context, tenantID, name string) (*toolRow, error) {
	return scanToolRow(s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+`
		FROM tool_definitions
		WHERE tenant_id = $1 AND name = $2
	`, tenantID, name))
}

func (s *sqlToolStore) ListTools(ctx context.Context, tenantID string, activeOnly bool) ([]*toolRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+`
		FROM tool_definitions
		WHERE tenant_id = $1 AND ($2 = false OR is_active)
		ORDER BY name
	`, tenantID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*toolRow
	for rows.Next() {
		r, err := scanToolRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertTool returns sql.ErrNoRows when (tenant_id, name) already exists.
func (s *sqlToolStore) InsertTool(ctx context.Context, row *toolRow) (*toolRow, error) {
	return scanToolRow(s.db.QueryRowContext(ctx, `
		INSERT INTO tool_definitions (
			tenant_id, name, display_name, description, category, is_active,
			config, parameters, response_mapping, security
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, name) DO NOTHING
		RETURNING `+toolColumns,
		row.TenantID, row.Name, row.DisplayName, row.Description, row.Category, row.IsActive,
		row.Config, row.Parameters, row.ResponseMapping, row.Security,
	))
}

func (s *sqlToolStore) UpdateTool(ctx context.Context, row *toolRow) (*toolRow, error) {
	return scanToolRow(s.db.QueryRowContext(ctx, `
		UPDATE tool_definitions SET
			display_name     = $3,
			description      = $4,
			category         = $5,
			is_active        = $6,
			config           = $7,
			parameters       = $8,
			response_mapping = $9,
			security         = $10,
			updated_at       = now()
		WHERE tenant_id = $1 AND name = $2
		RETURNING `+toolColumns,
		row.TenantID, row.Name, row.DisplayName, row.Description, row.Category, row.IsActive,
		row.Config, row.Parameters, row.ResponseMapping, row.Security,
	))
}

func (s *sqlToolStore) SetActive(ctx context.Context, tenantID, name string, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_definitions SET is_active = $3, updated_at = now()
		WHERE tenant_id = $1 AND name = $2
	`, tenantID, name, active)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PostgresToolRegistry stores tool definitions in the tool_definitions table.
// Dispatch lookups are served from a stale-while-revalidate cache.
type PostgresToolRegistry struct {
	store  ToolStore
	cache  *ToolCache
	logger *zap.Logger
}

// PostgresToolRegistryConfig configures the PostgresToolRegistry.
type PostgresToolRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresToolRegistry creates a new PostgresToolRegistry.
func NewPostgresToolRegistry(cfg PostgresToolRegistryConfig) *PostgresToolRegistry {
	return newPostgresToolRegistryWithStore(&sqlToolStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresToolRegistryWithStore creates a registry with a custom store (for testing).
func newPostgresToolRegistryWithStore(store ToolStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresToolRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresToolRegistry{
		store:  store,
		cache:  NewToolCache(cacheTTL),
		logger: logger,
	}
}

func (r *PostgresToolRegistry) FindTool(ctx context.Context, tenantID, name string) (*ToolDefinition, error) {
	cacheResult := r.cache.Get(tenantID, name)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go r.refreshInBackground(tenantID, name, cacheResult.Generation)
		}
		return cacheResult.Tool.Clone(), nil
	}

	// Cache miss, fetch from DB
	td, err := r.fetchActive(ctx, tenantID, name)
	if err != nil {
		return nil, fmt.Errorf("FindTool: %w", err)
	}
	r.cache.SetIfGeneration(tenantID, name, td, cacheResult.Generation)
	return td.Clone(), nil
}

// fetchActive returns nil for unknown or inactive tools so both are negative-cached.
func (r *PostgresToolRegistry) fetchActive(ctx context.Context, tenantID, name string) (*ToolDefinition, error) {
	td, err := r.Get(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if td == nil || !td.IsActive {
		return nil, nil
	}
	return td, nil
}

// refreshInBackground reloads a stale entry. On failure the entry is evicted
// so the next lookup goes to the database. A result read before a concurrent
// mutation is dropped by the generation check.
func (r *PostgresToolRegistry) refreshInBackground(tenantID, name string, generation uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	td, err := r.fetchActive(ctx, tenantID, name)
	if err != nil {
		r.logger.Warn("background tool registry refresh failed",
			zap.String("tenant_id", tenantID),
			zap.String("tool_name", name),
			zap.Error(err),
		)
		r.cache.Delete(tenantID, name)
		return
	}
	if !r.cache.SetIfGeneration(tenantID, name, td, generation) {
		r.logger.Debug("discarded tool refresh superseded by a write",
			zap.String("tenant_id", tenantID),
			zap.String("tool_name", name),
		)
	}
}

func (r *PostgresToolRegistry) Get(ctx context.Context, tenantID, name string) (*ToolDefinition, error) {
	row, err := r.store.LookupTool(ctx, tenantID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return parseToolRow(row)
}

func (r *PostgresToolRegistry) ListActive(ctx context.Context, tenantID string) ([]*ToolDefinition, error) {
	return r.list(ctx, tenantID, true)
}

func (r *PostgresToolRegistry) List(ctx context.Context, tenantID string) ([]*ToolDefinition, error) {
	return r.list(ctx, tenantID, false)
}

func (r *PostgresToolRegistry) list(ctx context.Context, tenantID string, activeOnly bool) ([]*ToolDefinition, error) {
	rows, err := r.store.ListTools(ctx, tenantID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	out := make([]*ToolDefinition, 0, len(rows))
	for _, row := range rows {
		td, err := parseToolRow(row)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, td)
	}
	return out, nil
}

func (r *PostgresToolRegistry) Create(ctx context.Context, def *ToolDefinition) (*ToolDefinition, error) {
	row, err := toToolRow(def)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	saved, err := r.store.InsertTool(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Create: %s: %w", def.Name, ErrToolExists)
	}
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	r.cache.Delete(def.TenantID, def.Name)
	return parseToolRow(saved)
}

func (r *PostgresToolRegistry) Update(ctx context.Context, def *ToolDefinition) (*ToolDefinition, error) {
	row, err := toToolRow(def)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	saved, err := r.store.UpdateTool(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Update: %s: %w", def.Name, ErrToolNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	r.cache.Delete(def.TenantID, def.Name)
	return parseToolRow(saved)
}

func (r *PostgresToolRegistry) SetActive(ctx context.Context, tenantID, name string, active bool) error {
	found, err := r.store.SetActive(ctx, tenantID, name, active)
	if err != nil {
		return fmt.Errorf("SetActive: %w", err)
	}
	if !found {
		return fmt.Errorf("SetActive: %s: %w", name, ErrToolNotFound)
	}
	r.cache.Delete(tenantID, name)
	return nil
}

func toToolRow(def *ToolDefinition) (*toolRow, error) {
	config, err := json.Marshal(def.Config)
	if err != nil {
		return nil, fmt.Errorf("toToolRow: config: %w", err)
	}
	params, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("toToolRow: parameters: %w", err)
	}
	security, err := json.Marshal(def.Security)
	if err != nil {
		return nil, fmt.Errorf("toToolRow: security: %w", err)
	}
	row := &toolRow{
		ID:          def.ID,
		TenantID:    def.TenantID,
		Name:        def.Name,
		DisplayName: def.DisplayName,
		Description: def.Description,
		Category:    def.Category,
		IsActive:    def.IsActive,
		Config:      string(config),
		Parameters:  string(params),
		Security:    string(security),
	}
	if def.ResponseMapping != nil {
		rm, err := json.Marshal(def.ResponseMapping)
		if err != nil {
			return nil, fmt.Errorf("toToolRow: response_mapping: %w", err)
		}
		row.ResponseMapping = sql.NullString{String: string(rm), Valid: true}
	}
	return row, nil
}

func parseToolRow(row *toolRow) (*ToolDefinition, error) {
	td := &ToolDefinition{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Name:        row.Name,
		DisplayName: row.DisplayName,
		Description: row.Description,
		Category:    row.Category,
		IsActive:    row.IsActive,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}

	if row.Config != "" && row.Config != "null" {
		if err := json.Unmarshal([]byte(row.Config), &td.Config); err != nil {
			return nil, fmt.Errorf("parseToolRow: config: %w", err)
		}
	}
	if row.Parameters != "" && row.Parameters != "null" {
		if err := json.Unmarshal([]byte(row.Parameters), &td.Parameters); err != nil {
			return nil, fmt.Errorf("parseToolRow: parameters: %w", err)
		}
	}
	if row.ResponseMapping.Valid && row.ResponseMapping.String != "" && row.ResponseMapping.String != "null" {
		if err := json.Unmarshal([]byte(row.ResponseMapping.String), &td.ResponseMapping); err != nil {
			return nil, fmt.Errorf("parseToolRow: response_mapping: %w", err)
		}
	}
	if row.Security != "" && row.Security != "{}" {
		if err := json.Unmarshal([]byte(row.Security), &td.Security); err != nil {
			return nil, fmt.Errorf("parseToolRow: security: %w", err)
		}
	}
	return td, nil
}

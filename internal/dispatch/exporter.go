package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSchemaCacheTTL bounds how stale an exported schema may be when no
// mutation invalidates it.
const DefaultSchemaCacheTTL = 30 * time.Second

// exportReadTimeout bounds the shared registry read, which outlives any one caller.
const exportReadTimeout = 5 * time.Second

// FunctionSchema is one tool in LLM function-calling shape.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CacheMetrics counts schema export cache lookups.
type CacheMetrics interface {
	ObserveSchemaCache(hit bool)
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) ObserveSchemaCache(bool) {}

type exportEntry struct {
	schemas   []FunctionSchema
	expiresAt time.Time
}

// SchemaExporter serves the per-tenant function list. Concurrent misses for
// the same tenant share one registry read.
type SchemaExporter struct {
	finder  registry.Finder
	ttl     time.Duration
	metrics CacheMetrics
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	entries     map[string]exportEntry
	generations map[string]uint64

	group singleflight.Group
}

// NewSchemaExporter creates an exporter. ttl <= 0 uses DefaultSchemaCacheTTL.
func NewSchemaExporter(finder registry.Finder, ttl time.Duration, metrics CacheMetrics, logger *zap.Logger) *SchemaExporter {
	if ttl <= 0 {
		ttl = DefaultSchemaCacheTTL
	}
	if metrics == nil {
		metrics = noopCacheMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaExporter{
		finder:      finder,
		ttl:         ttl,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
		entries:     make(map[string]exportEntry),
		generations: make(map[string]uint64),
	}
}

// Export returns every active tool of the tenant, sorted by name.
// The returned slice is shared and must not be modified. A caller that gives
// up early does not cancel the read other callers are waiting on.
func (e *SchemaExporter) Export(ctx context.Context, tenantID string) ([]FunctionSchema, error) {
	e.mu.Lock()
	entry, ok := e.entries[tenantID]
	gen := e.generations[tenantID]
	e.mu.Unlock()
	if ok && e.now().Before(entry.expiresAt) {
		e.metrics.ObserveSchemaCache(true)
		return entry.schemas, nil
	}
	e.metrics.ObserveSchemaCache(false)

	ch := e.group.DoChan(tenantID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportReadTimeout)
		defer cancel()

		tools, err := e.finder.ListActive(readCtx, tenantID)
		if err != nil {
			return nil, err
		}
		schemas := make([]FunctionSchema, 0, len(tools))
		for _, t := range tools {
			schemas = append(schemas, FunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema.ToJSONSchema(t.Parameters),
			})
		}

		e.mu.Lock()
		if e.generations[tenantID] == gen {
			e.entries[tenantID] = exportEntry{schemas: schemas, expiresAt: e.now().Add(e.ttl)}
		}
		e.mu.Unlock()
		return schemas, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, contextFailure(ctx)
	case res = <-ch:
	}
	if err := res.Err; err != nil {
		e.logger.Error("schema export failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil, newError(KindInternal, err, "could not list tools")
	}
	return res.Val.([]FunctionSchema), nil
}

// Invalidate drops the tenant's cached schema. A read already in flight will
// not repopulate the cache with what it fetched.
func (e *SchemaExporter) Invalidate(tenantID string) {
	e.mu.Lock()
	delete(e.entries, tenantID)
	e.generations[tenantID]++
	e.mu.Unlock()
	e.group.Forget(tenantID)
}

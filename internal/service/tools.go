// Package service implements the tool authoring operations: validate,
// register, update and deactivate.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/security"
	"go.uber.org/zap"
)

// ValidationError lists every problem found in a candidate definition.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid tool definition: " + strings.Join(e.Errors, "; ")
}

// SchemaInvalidator drops cached exported schemas for a tenant.
type SchemaInvalidator interface {
	Invalidate(tenantID string)
}

// ToolService validates definitions before they reach the registry.
type ToolService struct {
	registry    registry.ToolRegistry
	enforcer    *security.Enforcer
	invalidator SchemaInvalidator
	logger      *zap.Logger
}

// NewToolService creates a ToolService. invalidator may be nil.
func NewToolService(reg registry.ToolRegistry, enforcer *security.Enforcer, invalidator SchemaInvalidator, logger *zap.Logger) *ToolService {
	return &ToolService{
		registry:    reg,
		enforcer:    enforcer,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Validate runs the static checks plus the live security policy (global
// allow-list, configured forbidden terms). With openAI set the
// function-calling limits apply as well.
func (s *ToolService) Validate(def *registry.ToolDefinition, openAI bool) schema.Result {
	var res schema.Result
	if openAI {
		res = schema.ValidateOpenAICompatibility(def)
	} else {
		res = schema.Validate(def)
	}
	if def == nil || def.Config == nil {
		return res
	}

	errs := res.Errors
	if err := s.enforcer.CheckDomain(def.Config.Endpoint, def.Security.AllowedDomains); err != nil {
		errs = appendUnique(errs, err.Error())
	}
	for _, name := range def.PropertyNames() {
		if err := s.enforcer.CheckForbiddenParams([]string{name}); err != nil {
			errs = appendUnique(errs, err.Error())
		}
	}
	return schema.Result{IsValid: len(errs) == 0, Errors: errs}
}

// Register validates and stores a new definition. Registration is always active.
func (s *ToolService) Register(ctx context.Context, def *registry.ToolDefinition) (*registry.ToolDefinition, error) {
	if res := s.Validate(def, false); !res.IsValid {
		return nil, &ValidationError{Errors: res.Errors}
	}
	def = def.Clone()
	def.IsActive = true

	created, err := s.registry.Create(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("Register: %w", err)
	}
	s.invalidate(created.TenantID)
	s.logger.Info("tool registered",
		zap.String("tenant_id", created.TenantID),
		zap.String("tool_name", created.Name),
		zap.String("tool_id", created.ID),
	)
	return created, nil
}

// Update re-validates and replaces an existing definition. The active flag is
// preserved from the stored definition.
func (s *ToolService) Update(ctx context.Context, def *registry.ToolDefinition) (*registry.ToolDefinition, error) {
	if res := s.Validate(def, false); !res.IsValid {
		return nil, &ValidationError{Errors: res.Errors}
	}
	existing, err := s.registry.Get(ctx, def.TenantID, def.Name)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("Update: %s: %w", def.Name, registry.ErrToolNotFound)
	}

	def = def.Clone()
	def.ID = existing.ID
	def.IsActive = existing.IsActive
	updated, err := s.registry.Update(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	s.invalidate(updated.TenantID)
	s.logger.Info("tool updated",
		zap.String("tenant_id", updated.TenantID),
		zap.String("tool_name", updated.Name),
	)
	return updated, nil
}

// Deactivate soft-deletes a tool. It stays listed but can no longer be dispatched.
func (s *ToolService) Deactivate(ctx context.Context, tenantID, name string) error {
	if err := s.registry.SetActive(ctx, tenantID, name, false); err != nil {
		return fmt.Errorf("Deactivate: %w", err)
	}
	s.invalidate(tenantID)
	s.logger.Info("tool deactivated",
		zap.String("tenant_id", tenantID),
		zap.String("tool_name", name),
	)
	return nil
}

// Get returns a tool including inactive ones, or ErrToolNotFound.
func (s *ToolService) Get(ctx context.Context, tenantID, name string) (*registry.ToolDefinition, error) {
	td, err := s.registry.Get(ctx, tenantID, name)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if td == nil {
		return nil, fmt.Errorf("Get: %s: %w", name, registry.ErrToolNotFound)
	}
	return td, nil
}

// List returns every tool of the tenant, active or not.
func (s *ToolService) List(ctx context.Context, tenantID string) ([]*registry.ToolDefinition, error) {
	tools, err := s.registry.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return tools, nil
}

func (s *ToolService) invalidate(tenantID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(tenantID)
	}
}

// IsValidation reports whether err carries definition errors.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

func appendUnique(errs []string, msg string) []string {
	for _, e := range errs {
		if e == msg {
			return errs
		}
	}
	return append(errs, msg)
}

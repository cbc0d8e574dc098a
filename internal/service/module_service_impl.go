package service

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/moduleplane/moduleplane/internal/activation"
	"github.com/moduleplane/moduleplane/internal/health"
	"github.com/moduleplane/moduleplane/internal/manifest"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/tracing"
	"github.com/moduleplane/moduleplane/internal/registry"
	"github.com/moduleplane/moduleplane/internal/resolver"
)

// ModuleServiceImpl implements ModuleService.
type ModuleServiceImpl struct {
	registry *registry.Registry
	resolver *resolver.Resolver
	engine   *activation.Engine
	health   *health.Checker
	logger   *slog.Logger
}

// NewModuleService creates the module service over an already-wired engine.
func NewModuleService(
	reg *registry.Registry,
	res *resolver.Resolver,
	engine *activation.Engine,
	checker *health.Checker,
	logger *slog.Logger,
) *ModuleServiceImpl {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModuleServiceImpl{
		registry: reg,
		resolver: res,
		engine:   engine,
		health:   checker,
		logger:   logger,
	}
}

func (s *ModuleServiceImpl) ListModules(ctx context.Context, filter models.EntryFilter) []*models.RegistryEntry {
	entries := s.registry.List(filter)
	if filter.TenantID == "" {
		return entries
	}
	// Tenant filter means "active for this tenant": project the entries
	// down to the versions the tenant is actually running.
	active := s.registry.ActiveModules(filter.TenantID)
	out := entries[:0]
	for _, e := range entries {
		if v, ok := active[e.Definition.ID]; ok && v == e.Definition.Version {
			out = append(out, e)
		}
	}
	return out
}

func (s *ModuleServiceImpl) GetModule(ctx context.Context, moduleID string) (*ModuleDetail, error) {
	versions := s.registry.List(models.EntryFilter{ModuleID: moduleID})
	if len(versions) == 0 {
		return nil, models.Errorf(models.ErrValidation, "module %s is not registered", moduleID).WithModule(moduleID)
	}
	latest, _ := s.registry.Get(moduleID, "")
	// List orders ascending by version; detail shows newest first.
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	return &ModuleDetail{ModuleID: moduleID, Latest: latest, Versions: versions}, nil
}

func (s *ModuleServiceImpl) Install(ctx context.Context, req InstallRequest) (*InstallOutcome, error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "module.install",
		attribute.String("actor", req.Actor),
		attribute.Int("manifest.bytes", len(req.Manifest)),
	)
	defer span.End()

	defs, warnings, err := manifest.Parse(req.Manifest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outcome := &InstallOutcome{Warnings: warnings}
	for _, def := range defs {
		entry, regErr := s.registry.Register(ctx, def)
		if regErr != nil {
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("%s@%s: %s", def.ID, def.Version, regErr.Error()))
			continue
		}
		outcome.Installed = append(outcome.Installed, entry)
		s.logger.Info("module installed",
			"module_id", def.ID,
			"version", def.Version,
			"actor", req.Actor,
		)
	}
	span.SetAttributes(attribute.Int("modules.installed", len(outcome.Installed)))

	if len(outcome.Installed) == 0 {
		// Nothing registered; surface the first failure as the error.
		if len(outcome.Warnings) > 0 {
			err := models.Errorf(models.ErrValidation, "no module registered").WithDetail(outcome.Warnings[0])
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return nil, models.Errorf(models.ErrValidation, "manifest contains no module definitions")
	}
	s.resolver.Invalidate()
	return outcome, nil
}

func (s *ModuleServiceImpl) Uninstall(ctx context.Context, moduleID, version string) error {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "module.uninstall",
		attribute.String("module.id", moduleID),
		attribute.String("module.version", version),
	)
	defer span.End()

	if err := s.registry.Unregister(ctx, moduleID, version); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.resolver.Invalidate()
	s.logger.Info("module uninstalled", "module_id", moduleID, "version", version)
	return nil
}

func (s *ModuleServiceImpl) Resolve(ctx context.Context, moduleID string, req ResolveRequest) (*resolver.Result, error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "module.resolve",
		attribute.String("module.id", moduleID),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("resolve.strategy", string(req.Strategy)),
	)
	defer span.End()

	result, err := s.resolver.Resolve(ctx, resolver.Request{
		ModuleID: moduleID,
		Version:  req.Version,
		TenantID: req.TenantID,
		Strategy: req.Strategy,
		MaxDepth: req.MaxDepth,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("resolve.success", result.Success),
		attribute.Int("resolve.selections", len(result.Resolved)),
		attribute.Int("resolve.conflicts", len(result.Conflicts)),
	)
	return result, nil
}

func (s *ModuleServiceImpl) StartActivation(ctx context.Context, moduleID string, req ActivateRequest) (string, *models.ActivationResult) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "module.activate",
		attribute.String("module.id", moduleID),
		attribute.String("module.version", req.Version),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("actor", req.Actor),
	)
	defer span.End()

	id, result := s.engine.Start(ctx, moduleID, req.Version, req.TenantID, req.Options)
	if result != nil && !result.Success {
		span.SetStatus(codes.Error, "activation refused")
		s.logger.Warn("activation refused",
			"module_id", moduleID,
			"tenant_id", req.TenantID,
			"actor", req.Actor,
			"errors", len(result.Errors),
		)
		return id, result
	}
	// Every log line and every event for this run shares activation_id as
	// the correlation key.
	span.SetAttributes(attribute.String("activation.id", id))
	s.logger.Info("activation accepted",
		"activation_id", id,
		"module_id", moduleID,
		"tenant_id", req.TenantID,
		"actor", req.Actor,
	)
	return id, result
}

func (s *ModuleServiceImpl) Deactivate(ctx context.Context, moduleID, tenantID, actor string) *models.Result {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "module.deactivate",
		attribute.String("module.id", moduleID),
		attribute.String("tenant.id", tenantID),
		attribute.String("actor", actor),
	)
	defer span.End()

	res := s.engine.Deactivate(ctx, moduleID, tenantID)
	if !res.Success {
		span.SetStatus(codes.Error, "deactivation failed")
	}
	return res
}

func (s *ModuleServiceImpl) RollbackActivation(ctx context.Context, activationID, actor string) *models.Result {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "module.rollback",
		attribute.String("activation.id", activationID),
		attribute.String("actor", actor),
	)
	defer span.End()

	res := s.engine.RollbackActivation(ctx, activationID)
	if !res.Success {
		span.SetStatus(codes.Error, "rollback failed")
	}
	return res
}

func (s *ModuleServiceImpl) ActivationStatus(ctx context.Context, activationID string) (*models.ActivationContext, bool) {
	return s.engine.Status(ctx, activationID)
}

func (s *ModuleServiceImpl) ListActivations(ctx context.Context, tenantID, moduleID string, limit int) ([]*models.ActivationContext, error) {
	return s.engine.History(ctx, tenantID, moduleID, limit)
}

// ModuleHealth reports the current health verdict for a tenant's active
// module version. A cached report from the monitor or the verify step is
// returned when available; otherwise the module's declared checks run once
// inline.
func (s *ModuleServiceImpl) ModuleHealth(ctx context.Context, tenantID, moduleID string) (*models.HealthReport, error) {
	version, ok := s.registry.ActiveVersion(tenantID, moduleID)
	if !ok {
		return nil, models.Errorf(models.ErrValidation, "module %s is not active for tenant %s", moduleID, tenantID).
			WithModule(moduleID).WithTenant(tenantID)
	}
	if report, ok := s.health.Latest(moduleID, tenantID); ok {
		return &report, nil
	}
	entry, ok := s.registry.Get(moduleID, version)
	if !ok {
		return nil, models.Errorf(models.ErrValidation, "active version %s of %s vanished from the registry", version, moduleID).
			WithModule(moduleID).WithTenant(tenantID)
	}
	report := s.health.Check(ctx, moduleID, tenantID, entry.Definition.Lifecycle.HealthChecks)
	return &report, nil
}

func (s *ModuleServiceImpl) Events() *activation.Bus {
	return s.engine.Bus()
}

func (s *ModuleServiceImpl) RegistryEvents(buffer int) (<-chan models.RegistryEvent, func()) {
	return s.registry.Subscribe(buffer)
}

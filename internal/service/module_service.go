package service

import (
	"context"

	"github.com/moduleplane/moduleplane/internal/activation"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/resolver"
)

// InstallRequest is the payload for module install.
type InstallRequest struct {
	// Manifest is the raw catalog document (JSON or YAML, single definition
	// or a `modules:` list).
	Manifest []byte
	Actor    string
}

// InstallOutcome reports what an install registered. Warnings carry
// per-definition problems from multi-document manifests where at least
// one definition still registered.
type InstallOutcome struct {
	Installed []*models.RegistryEntry `json:"installed"`
	Warnings  []string                `json:"warnings,omitempty"`
}

// ResolveRequest is the payload for dependency resolution.
type ResolveRequest struct {
	Version  string
	TenantID string
	Strategy resolver.Strategy
	MaxDepth int
}

// ActivateRequest is the payload for starting an activation.
type ActivateRequest struct {
	Version  string
	TenantID string
	Options  models.ActivationOptions
	Actor    string
}

// ModuleDetail is one module with every registered version, newest first.
type ModuleDetail struct {
	ModuleID string                  `json:"module_id"`
	Latest   *models.RegistryEntry   `json:"latest"`
	Versions []*models.RegistryEntry `json:"versions"`
}

// ModuleService is the single entry point for module lifecycle operations.
// It orchestrates registry, resolver, activation engine and health checker;
// HTTP handlers stay thin over it.
type ModuleService interface {
	ListModules(ctx context.Context, filter models.EntryFilter) []*models.RegistryEntry
	GetModule(ctx context.Context, moduleID string) (*ModuleDetail, error)
	Install(ctx context.Context, req InstallRequest) (*InstallOutcome, error)
	Uninstall(ctx context.Context, moduleID, version string) error

	Resolve(ctx context.Context, moduleID string, req ResolveRequest) (*resolver.Result, error)

	// StartActivation begins an asynchronous activation and returns its id.
	// Validation failures surface immediately as a failed result with an
	// empty id; accepted runs complete in the background and publish
	// progress on Events().
	StartActivation(ctx context.Context, moduleID string, req ActivateRequest) (string, *models.ActivationResult)
	Deactivate(ctx context.Context, moduleID, tenantID, actor string) *models.Result
	RollbackActivation(ctx context.Context, activationID, actor string) *models.Result
	ActivationStatus(ctx context.Context, activationID string) (*models.ActivationContext, bool)
	ListActivations(ctx context.Context, tenantID, moduleID string, limit int) ([]*models.ActivationContext, error)

	ModuleHealth(ctx context.Context, tenantID, moduleID string) (*models.HealthReport, error)

	// Events exposes the activation event bus for streaming consumers.
	Events() *activation.Bus
	// RegistryEvents subscribes to catalog change notifications.
	RegistryEvents(buffer int) (<-chan models.RegistryEvent, func())
}

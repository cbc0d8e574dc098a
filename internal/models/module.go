package models

import (
	"encoding/json"
	"time"
)

// ModuleStatus is the registry lifecycle status of one (module, version) entry.
type ModuleStatus string

const (
	ModuleInstalled  ModuleStatus = "installed"
	ModuleActive     ModuleStatus = "active"
	ModuleInactive   ModuleStatus = "inactive"
	ModuleFailed     ModuleStatus = "failed"
	ModuleDeprecated ModuleStatus = "deprecated"
)

type DependencyType string

const (
	DependencyRequired DependencyType = "required"
	DependencyOptional DependencyType = "optional"
	DependencyPeer     DependencyType = "peer"
)

// Dependency declares that a module needs a provider for ModuleID matching
// Constraint (semver range; empty means any).
type Dependency struct {
	ModuleID   string         `json:"module_id" db:"module_id"`
	Constraint string         `json:"constraint,omitempty" db:"version_constraint"`
	Type       DependencyType `json:"type" db:"dependency_type"`
}

// Capability is a named interface a module provides and others may depend on.
type Capability struct {
	ID          string `json:"id"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// Migration is a schema/data change shipped with a module version. Only
// additive migrations pass validation; RollbackScript, when present, is run
// during rollback.
type Migration struct {
	Version        string `json:"version"`
	Description    string `json:"description,omitempty"`
	Additive       bool   `json:"additive"`
	Script         string `json:"script"`
	RollbackScript string `json:"rollback_script,omitempty"`
}

// RouteSpec, APISpec and ComponentSpec describe the integration surface a
// module publishes on activation (staged first, promoted to live at activate).
type RouteSpec struct {
	Path    string `json:"path"`
	Method  string `json:"method,omitempty"`
	Handler string `json:"handler"`
}

type APISpec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path"`
}

type ComponentSpec struct {
	ID     string `json:"id"`
	Kind   string `json:"kind,omitempty"`
	Source string `json:"source,omitempty"`
}

// LifecyclePolicy carries the module author's activation/deactivation knobs.
type LifecyclePolicy struct {
	ActivationTimeoutSeconds int               `json:"activation_timeout_seconds,omitempty"`
	StepTimeoutSeconds       int               `json:"step_timeout_seconds,omitempty"`
	AutomaticRollback        bool              `json:"automatic_rollback"`
	VerifyPasses             int               `json:"verify_passes,omitempty"`
	HealthChecks             []HealthCheckSpec `json:"health_checks,omitempty"`
}

// PermissionSpec lists the system and application permissions a module
// requests plus its resource quotas. Quotas feed the namespace sandbox.
type PermissionSpec struct {
	System      []string       `json:"system,omitempty"`
	Application []string       `json:"application,omitempty"`
	Quotas      ResourceLimits `json:"quotas,omitempty"`
}

// ModuleDefinition is the immutable record describing one module version.
type ModuleDefinition struct {
	ID             string            `json:"id" db:"id"`
	Name           string            `json:"name" db:"name"`
	Description    string            `json:"description,omitempty" db:"description"`
	Version        string            `json:"version" db:"version"`
	Priority       int               `json:"priority,omitempty" db:"priority"`
	Capabilities   []Capability      `json:"capabilities,omitempty" db:"-"`
	Dependencies   []Dependency      `json:"dependencies,omitempty" db:"-"`
	Conflicts      []string          `json:"conflicts,omitempty" db:"-"`
	Routes         []RouteSpec       `json:"routes,omitempty" db:"-"`
	APIs           []APISpec         `json:"apis,omitempty" db:"-"`
	Components     []ComponentSpec   `json:"components,omitempty" db:"-"`
	ConfigSchema   json.RawMessage   `json:"config_schema,omitempty" db:"-"`
	Migrations     []Migration       `json:"migrations,omitempty" db:"-"`
	Lifecycle      LifecyclePolicy   `json:"lifecycle,omitempty" db:"-"`
	Permissions    PermissionSpec    `json:"permissions,omitempty" db:"-"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"-"`
	ArtifactDigest string            `json:"artifact_digest,omitempty" db:"artifact_digest"`
}

// Key returns the registry identity of the definition.
func (d *ModuleDefinition) Key() ModuleKey {
	return ModuleKey{ModuleID: d.ID, Version: d.Version}
}

// ProvidesCapability reports whether the definition declares capability id.
func (d *ModuleDefinition) ProvidesCapability(id string) bool {
	for i := range d.Capabilities {
		if d.Capabilities[i].ID == id {
			return true
		}
	}
	return false
}

// ModuleKey identifies one registry entry.
type ModuleKey struct {
	ModuleID string `json:"module_id"`
	Version  string `json:"version"`
}

func (k ModuleKey) String() string {
	return k.ModuleID + "@" + k.Version
}

// RegistryEntry pairs a definition with its lifecycle bookkeeping. One entry
// per (moduleId, version).
type RegistryEntry struct {
	Definition      ModuleDefinition `json:"definition"`
	Status          ModuleStatus     `json:"status"`
	InstalledAt     time.Time        `json:"installed_at"`
	LastActivatedAt *time.Time       `json:"last_activated_at,omitempty"`
}

// EntryFilter narrows registry listings. Zero values match everything.
type EntryFilter struct {
	ModuleID   string       `json:"module_id,omitempty"`
	Status     ModuleStatus `json:"status,omitempty"`
	Capability string       `json:"capability,omitempty"`
	TenantID   string       `json:"tenant_id,omitempty"`
}

// Artifact is the content-verified payload the ModuleLoader returns.
type Artifact struct {
	ModuleID  string    `json:"module_id"`
	Version   string    `json:"version"`
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	FetchedAt time.Time `json:"fetched_at"`
}

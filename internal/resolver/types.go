// Package resolver computes dependency closures for module activation. It
// walks declared dependencies depth-first against the registry catalog,
// detects cycles and version conflicts, and proposes or applies conflict
// strategies according to the requested resolution mode.
package resolver

import (
	"github.com/moduleplane/moduleplane/internal/models"
)

// Strategy controls how aggressively conflicts are auto-resolved.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyConservative, StrategyBalanced, StrategyAggressive:
		return true
	}
	return false
}

// Action is one way out of a version conflict.
type Action string

const (
	ActionUpgrade   Action = "upgrade"
	ActionDowngrade Action = "downgrade"
	ActionReplace   Action = "replace"
	ActionExclude   Action = "exclude"
	ActionMerge     Action = "merge"
)

// Proposal is a candidate conflict resolution with a confidence score in
// [0,1]. Version is the version the proposal would select, empty for
// exclude. ModuleID is set on replace proposals and names the alternative
// provider.
type Proposal struct {
	Action     Action  `json:"action"`
	Version    string  `json:"version,omitempty"`
	ModuleID   string  `json:"module_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// ConflictKind classifies a conflict.
type ConflictKind string

const (
	ConflictCircular ConflictKind = "circular"
	ConflictVersion  ConflictKind = "version"
	ConflictDeclared ConflictKind = "declared"
)

// Conflict is one unresolved tension in the graph, with strategy proposals
// ordered by descending confidence. Applied is set when a proposal was
// auto-applied under the active strategy.
type Conflict struct {
	Kind          ConflictKind `json:"kind"`
	ModuleID      string       `json:"module_id"`
	ConflictingID string       `json:"conflicting_id,omitempty"`
	Selected      string       `json:"selected,omitempty"`
	Constraint    string       `json:"constraint,omitempty"`
	Path          []string     `json:"path,omitempty"`
	Proposals     []Proposal   `json:"proposals,omitempty"`
	Applied       *Proposal    `json:"applied,omitempty"`
}

// Selection is one resolved provider in activation order. Constraint is the
// conjunction of every constraint applied to the pin, for compatibility
// checks downstream.
type Selection struct {
	ModuleID   string              `json:"module_id"`
	Version    string              `json:"version"`
	Status     models.ModuleStatus `json:"status"`
	Constraint string              `json:"constraint,omitempty"`
	Depth      int                 `json:"depth"`
	Required   bool                `json:"required"`
	Order      int                 `json:"order"`
}

// Unresolved is a dependency no candidate could satisfy.
type Unresolved struct {
	ModuleID   string                `json:"module_id"`
	Constraint string                `json:"constraint,omitempty"`
	RequiredBy string                `json:"required_by"`
	Type       models.DependencyType `json:"type"`
	Reason     string                `json:"reason"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	Strategy   Strategy `json:"strategy"`
	Depth      int      `json:"depth"`
	DurationMs int64    `json:"duration_ms"`
	Iterations int      `json:"iterations"`
	CacheHit   bool     `json:"cache_hit"`
}

// Result is the full resolution outcome. Success is true iff nothing
// required remains unresolved and no fatal conflict stands.
type Result struct {
	Success    bool            `json:"success"`
	ModuleID   string          `json:"module_id"`
	Version    string          `json:"version"`
	Resolved   []Selection     `json:"resolved"`
	Unresolved []Unresolved    `json:"unresolved,omitempty"`
	Conflicts  []Conflict      `json:"conflicts,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Errors     []*models.Error `json:"errors,omitempty"`
	Metadata   Metadata        `json:"metadata"`
}

// Request names the module to resolve for a tenant. Version may be empty to
// resolve the highest registered version.
type Request struct {
	ModuleID string   `json:"module_id"`
	Version  string   `json:"version,omitempty"`
	TenantID string   `json:"tenant_id"`
	Strategy Strategy `json:"strategy,omitempty"`
	MaxDepth int      `json:"max_depth,omitempty"`
}

// Catalog is the registry view the resolver needs.
type Catalog interface {
	Get(moduleID, version string) (*models.RegistryEntry, bool)
	List(filter models.EntryFilter) []*models.RegistryEntry
	ActiveVersion(tenantID, moduleID string) (string, bool)
	Generation() uint64
}

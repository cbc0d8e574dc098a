package models

import "time"

// Scope is the (module, tenant) pair that owns a namespace tree. Different
// tenants never share configuration; different modules of one tenant get
// separate trees too.
type Scope struct {
	ModuleID string `json:"module_id"`
	TenantID string `json:"tenant_id"`
}

func (s Scope) String() string {
	return s.ModuleID + "/" + s.TenantID
}

type NamespaceStatus string

const (
	NamespaceActive   NamespaceStatus = "active"
	NamespaceArchived NamespaceStatus = "archived"
)

// Namespace operations subject to access control.
const (
	OpRead        = "read"
	OpWrite       = "write"
	OpDelete      = "delete"
	OpCreateChild = "create_child"
	OpExport      = "export"
	OpImport      = "import"
	OpAdmin       = "admin"
)

type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalRole   PrincipalType = "role"
	PrincipalModule PrincipalType = "module"
	PrincipalTenant PrincipalType = "tenant"
)

// Principal is the resolved caller identity used for access checks and audit
// attribution. It is attribution only; authentication happens outside.
type Principal struct {
	Type       PrincipalType     `json:"type"`
	ID         string            `json:"id"`
	Roles      []string          `json:"roles,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Permission grants Operations to principals matched by Type and Target.
// Conditions, when present, must all match the principal's attributes.
type Permission struct {
	Type       PrincipalType     `json:"type"`
	Target     string            `json:"target"`
	Operations []string          `json:"operations"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

type RuleEffect string

const (
	EffectAllow RuleEffect = "allow"
	EffectDeny  RuleEffect = "deny"
)

// AccessRule is a priority-ordered allow/deny rule. Rules are evaluated in
// descending priority; the first match wins.
type AccessRule struct {
	ID            string            `json:"id,omitempty"`
	Priority      int               `json:"priority"`
	Effect        RuleEffect        `json:"effect"`
	Operations    []string          `json:"operations,omitempty"`
	PrincipalType PrincipalType     `json:"principal_type,omitempty"`
	Target        string            `json:"target,omitempty"`
	Conditions    map[string]string `json:"conditions,omitempty"`
}

type AccessControl struct {
	BlockedOperations []string     `json:"blocked_operations,omitempty"`
	AllowedOperations []string     `json:"allowed_operations,omitempty"`
	Permissions       []Permission `json:"permissions,omitempty"`
	AccessRules       []AccessRule `json:"access_rules,omitempty"`
}

type InheritanceStrategy string

const (
	InheritMerge    InheritanceStrategy = "merge"
	InheritOverride InheritanceStrategy = "override"
	InheritAdditive InheritanceStrategy = "additive"
	InheritStrict   InheritanceStrategy = "strict"
)

// InheritanceSource names another namespace whose config fills gaps in this
// one. Sources are consulted in descending Priority; KeyFilters restrict
// which keys a source may serve (prefix match, "*" suffix allowed).
type InheritanceSource struct {
	NamespaceID string            `json:"namespace_id,omitempty"`
	Path        string            `json:"path,omitempty"`
	Priority    int               `json:"priority"`
	KeyFilters  []string          `json:"key_filters,omitempty"`
	Conditions  map[string]string `json:"conditions,omitempty"`
}

type InheritanceConfig struct {
	Enabled   bool                `json:"enabled"`
	Strategy  InheritanceStrategy `json:"strategy,omitempty"`
	Sources   []InheritanceSource `json:"sources,omitempty"`
	Cascading bool                `json:"cascading"`
}

type IsolationLevel string

const (
	IsolationNone     IsolationLevel = "none"
	IsolationBasic    IsolationLevel = "basic"
	IsolationStrict   IsolationLevel = "strict"
	IsolationParanoid IsolationLevel = "paranoid"
)

// ResourceLimits bounds a namespace. Zero values mean unlimited. Storage and
// memory are measured on the canonical JSON encoding of the config map.
type ResourceLimits struct {
	MaxMemoryBytes  int64 `json:"max_memory_bytes,omitempty"`
	MaxStorageBytes int64 `json:"max_storage_bytes,omitempty"`
	MaxConfigKeys   int   `json:"max_config_keys,omitempty"`
	MaxDepth        int   `json:"max_depth,omitempty"`
}

type SandboxConfig struct {
	Enabled        bool           `json:"enabled"`
	ResourceLimits ResourceLimits `json:"resource_limits,omitempty"`
}

type IsolationConfig struct {
	Level   IsolationLevel `json:"level"`
	Sandbox SandboxConfig  `json:"sandbox,omitempty"`
}

// NamespaceMetadata is mutation bookkeeping. Version increments on every
// change and backs optimistic concurrency in storage.
type NamespaceMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Locked    bool      `json:"locked"`
	Version   int64     `json:"version"`
}

// Namespace is one node of a scope's configuration tree. Paths are
// slash-delimited and unique within the scope; the root is "/" at level 0.
type Namespace struct {
	ID            string            `json:"id"`
	Path          string            `json:"path"`
	ParentID      string            `json:"parent_id,omitempty"`
	Children      []string          `json:"children,omitempty"`
	Level         int               `json:"level"`
	ModuleID      string            `json:"module_id"`
	TenantID      string            `json:"tenant_id"`
	AccessControl AccessControl     `json:"access_control,omitempty"`
	Inheritance   InheritanceConfig `json:"inheritance,omitempty"`
	Isolation     IsolationConfig   `json:"isolation,omitempty"`
	Status        NamespaceStatus   `json:"status"`
	Metadata      NamespaceMetadata `json:"metadata"`
}

func (n *Namespace) Scope() Scope {
	return Scope{ModuleID: n.ModuleID, TenantID: n.TenantID}
}

// AuditEntry records one namespace mutation or access-checked read.
type AuditEntry struct {
	ID          string         `json:"id"`
	NamespaceID string         `json:"namespace_id"`
	Operation   string         `json:"operation"`
	Principal   *Principal     `json:"principal,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
}

// NamespaceExport is the portable form of a namespace subtree. Checksum is an
// HMAC over the canonical encoding of the payload minus the checksum itself.
type NamespaceExport struct {
	Namespace  Namespace         `json:"namespace"`
	Config     map[string]any    `json:"config,omitempty"`
	Children   []NamespaceExport `json:"children,omitempty"`
	ExportedAt time.Time         `json:"exported_at"`
	Checksum   string            `json:"checksum,omitempty"`
}

// ImportResult is explicit about partial success.
type ImportResult struct {
	Success  bool     `json:"success"`
	Imported []string `json:"imported,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
	Errors   []*Error `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NamespaceMetricsSnapshot is the per-namespace usage view.
type NamespaceMetricsSnapshot struct {
	NamespaceID  string    `json:"namespace_id"`
	Path         string    `json:"path"`
	ConfigKeys   int       `json:"config_keys"`
	StorageBytes int64     `json:"storage_bytes"`
	ChildCount   int       `json:"child_count"`
	Level        int       `json:"level"`
	Reads        uint64    `json:"reads"`
	Writes       uint64    `json:"writes"`
	LastModified time.Time `json:"last_modified"`
}

// Package namespace implements hierarchical, tenant- and module-scoped
// configuration. Each (module, tenant) pair owns a tree of namespaces rooted
// at "/"; nodes carry access control, inheritance wiring, an isolation level
// and resource limits, and a nested config store addressed by dotted keys.
// Readers always see copy-on-write snapshots; every mutation and every
// access-checked read lands in the audit log.
package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/audit"
	"github.com/moduleplane/moduleplane/internal/crypto"
	"github.com/moduleplane/moduleplane/internal/identity"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
	"github.com/moduleplane/moduleplane/internal/pkg/redact"
	"github.com/moduleplane/moduleplane/internal/pkg/validate"
	"github.com/moduleplane/moduleplane/internal/storage"
)

var aliasRe = regexp.MustCompile(`^[a-z0-9][-_a-z0-9]{0,127}$`)

// node is one namespace held in memory: the record plus its config tree and
// usage counters. The tree is replaced wholesale on every write, so a
// pointer read under the manager lock is a stable snapshot.
type node struct {
	ns      *models.Namespace
	cfg     configTree
	reads   atomic.Uint64
	writes  atomic.Uint64
	lastMod time.Time
}

// Options wires a Manager. Store and Crypto are required; the rest default.
type Options struct {
	Store  storage.Adapter
	Crypto crypto.Provider
	Audit  *audit.Recorder
	Clock  clockwork.Clock
	Logger *slog.Logger
	IDFunc func() string

	// MaxDepth caps dotted-key depth when the governing sandbox declares no
	// cap of its own. 0 leaves depth unbounded.
	MaxDepth int
}

// Manager owns every namespace tree in the process. All state lives in
// memory and is written through to storage on mutation; Load rebuilds the
// indexes after a restart.
type Manager struct {
	store  storage.Adapter
	crypto crypto.Provider
	audit  *audit.Recorder
	clock  clockwork.Clock
	log    *slog.Logger
	newID  func() string

	mu       sync.RWMutex
	byID     map[string]*node
	byPath   map[string]string            // storage.NamespaceKey(scope, path) -> id
	aliases  map[string]map[string]string // scope -> alias -> id
	nsVers   map[string]int64             // namespace record CAS versions by storage key
	cfgVers  map[string]int64             // config record CAS versions by namespace id
	aliasVer map[string]int64             // alias record CAS versions by scope

	maxDepth int
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDFunc == nil {
		opts.IDFunc = uuid.NewString
	}
	return &Manager{
		store:    opts.Store,
		crypto:   opts.Crypto,
		audit:    opts.Audit,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "namespace"),
		newID:    opts.IDFunc,
		byID:     map[string]*node{},
		byPath:   map[string]string{},
		aliases:  map[string]map[string]string{},
		nsVers:   map[string]int64{},
		cfgVers:  map[string]int64{},
		aliasVer: map[string]int64{},
		maxDepth: opts.MaxDepth,
	}
}

// Load rebuilds the in-memory indexes from storage. Call once at startup,
// before the manager is shared.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nsRecs, err := m.store.List(ctx, storage.KindNamespace, "")
	if err != nil {
		return fmt.Errorf("load namespaces: %w", err)
	}
	for _, rec := range nsRecs {
		if strings.HasSuffix(rec.ID, "#aliases") {
			scope := strings.TrimSuffix(rec.ID, "#aliases")
			var al map[string]string
			if err := json.Unmarshal(rec.Data, &al); err != nil {
				m.log.Warn("skipping corrupt alias record", "key", rec.ID, "error", err)
				continue
			}
			m.aliases[scope] = al
			m.aliasVer[scope] = rec.Version
			continue
		}
		var ns models.Namespace
		if err := json.Unmarshal(rec.Data, &ns); err != nil {
			m.log.Warn("skipping corrupt namespace record", "key", rec.ID, "error", err)
			continue
		}
		n := &node{ns: &ns, cfg: configTree{}, lastMod: ns.Metadata.UpdatedAt}
		m.byID[ns.ID] = n
		m.byPath[rec.ID] = ns.ID
		m.nsVers[rec.ID] = rec.Version
	}

	cfgRecs, err := m.store.List(ctx, storage.KindConfig, "")
	if err != nil {
		return fmt.Errorf("load configs: %w", err)
	}
	for _, rec := range cfgRecs {
		n, ok := m.byID[rec.ID]
		if !ok {
			m.log.Warn("config record without namespace", "namespace_id", rec.ID)
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(rec.Data, &raw); err != nil {
			m.log.Warn("skipping corrupt config record", "namespace_id", rec.ID, "error", err)
			continue
		}
		n.cfg = logicalForm(n.ns, raw)
		m.cfgVers[rec.ID] = rec.Version
	}

	m.log.Info("namespace state loaded", "namespaces", len(m.byID), "scopes", len(m.aliases))
	return nil
}

// EnsureScope returns the root namespace for a scope, creating it on first
// touch. The root sits at level 0 with inheritance disabled, basic isolation
// and an enabled sandbox carrying the module's quotas; later calls refresh
// the quotas when the module definition changed. This is a trusted entry
// point used during activation and is not access-evaluated.
func (m *Manager) EnsureScope(ctx context.Context, scope models.Scope, quotas models.ResourceLimits) (*models.Namespace, error) {
	m.mu.Lock()
	key := storage.NamespaceKey(scope.String(), "/")
	if id, ok := m.byPath[key]; ok {
		n := m.byID[id]
		if n.ns.Isolation.Sandbox.ResourceLimits != quotas {
			n.ns.Isolation.Sandbox.ResourceLimits = quotas
			m.touch(n)
			if err := m.persistNamespace(ctx, n.ns); err != nil {
				m.mu.Unlock()
				return nil, err
			}
		}
		out := cloneNamespace(n.ns)
		m.mu.Unlock()
		return out, nil
	}

	now := m.clock.Now().UTC()
	ns := &models.Namespace{
		ID:       m.newID(),
		Path:     "/",
		Level:    0,
		ModuleID: scope.ModuleID,
		TenantID: scope.TenantID,
		Inheritance: models.InheritanceConfig{
			Enabled: false,
		},
		Isolation: models.IsolationConfig{
			Level: models.IsolationBasic,
			Sandbox: models.SandboxConfig{
				Enabled:        true,
				ResourceLimits: quotas,
			},
		},
		Status:   models.NamespaceActive,
		Metadata: models.NamespaceMetadata{CreatedAt: now, UpdatedAt: now, Version: 1},
	}
	n := &node{ns: ns, cfg: configTree{}, lastMod: now}
	m.byID[ns.ID] = n
	m.byPath[key] = ns.ID
	if err := m.persistNamespace(ctx, ns); err != nil {
		delete(m.byID, ns.ID)
		delete(m.byPath, key)
		m.mu.Unlock()
		return nil, err
	}
	out := cloneNamespace(ns)
	m.mu.Unlock()

	m.record(ctx, ns.ID, "namespace.create", map[string]any{"path": "/", "scope": scope.String()}, true, "")
	metrics.NamespaceOperationsTotal.WithLabelValues("ensure_scope", "ok").Inc()
	m.log.Info("namespace scope provisioned", "scope", scope.String(), "namespace_id", ns.ID)
	return out, nil
}

// ConfigSnapshot returns the scope root's effective configuration, fully
// decrypted, as a private copy. Trusted entry point for the activation path.
func (m *Manager) ConfigSnapshot(ctx context.Context, scope models.Scope) (map[string]any, error) {
	p := identity.FromContext(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPath[storage.NamespaceKey(scope.String(), "/")]
	if !ok {
		return map[string]any{}, nil
	}
	n := m.byID[id]
	view, err := m.effectiveView(n, p, map[string]bool{})
	if err != nil {
		return nil, err
	}
	n.reads.Add(1)
	return view, nil
}

// CreateSpec describes a namespace to create. Nil sections take defaults:
// access control empty (external principals denied), inheritance enabled
// with the merge strategy and parent cascading, isolation at the parent's
// level with no sandbox of its own.
type CreateSpec struct {
	Path          string
	AccessControl *models.AccessControl
	Inheritance   *models.InheritanceConfig
	Isolation     *models.IsolationConfig
}

// Create adds a namespace under an existing parent. The caller needs
// create_child on the parent.
func (m *Manager) Create(ctx context.Context, scope models.Scope, spec CreateSpec) (*models.Namespace, error) {
	ns, err := m.create(ctx, scope, spec)
	m.operationVerdict("create", err)
	if err != nil {
		m.record(ctx, "", "namespace.create", map[string]any{"path": spec.Path, "scope": scope.String()}, false, err.Error())
		return nil, err
	}
	m.record(ctx, ns.ID, "namespace.create", map[string]any{"path": ns.Path, "scope": scope.String()}, true, "")
	return ns, nil
}

func (m *Manager) create(ctx context.Context, scope models.Scope, spec CreateSpec) (*models.Namespace, error) {
	if !validate.NamespacePath(spec.Path) || spec.Path == "/" {
		return nil, models.Errorf(models.ErrValidation, "invalid namespace path %q", spec.Path).WithPath(spec.Path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := storage.NamespaceKey(scope.String(), spec.Path)
	if _, taken := m.byPath[key]; taken {
		return nil, models.Errorf(models.ErrNamespacePathTaken, "namespace %s already exists", spec.Path).WithPath(spec.Path)
	}
	parentPath := parentPathOf(spec.Path)
	parentID, ok := m.byPath[storage.NamespaceKey(scope.String(), parentPath)]
	if !ok {
		return nil, models.Errorf(models.ErrNamespaceNotFound, "parent namespace %s not found", parentPath).WithPath(parentPath)
	}
	parent := m.byID[parentID]
	if parent.ns.Metadata.Locked {
		return nil, models.Errorf(models.ErrNamespaceLocked, "parent namespace %s is locked", parentPath).WithPath(parentPath)
	}
	if err := m.checkAccess(ctx, parent, models.OpCreateChild); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	ns := &models.Namespace{
		ID:       m.newID(),
		Path:     spec.Path,
		ParentID: parent.ns.ID,
		Level:    parent.ns.Level + 1,
		ModuleID: scope.ModuleID,
		TenantID: scope.TenantID,
		Inheritance: models.InheritanceConfig{
			Enabled:   true,
			Strategy:  models.InheritMerge,
			Cascading: true,
		},
		Isolation: models.IsolationConfig{Level: parent.ns.Isolation.Level},
		Status:    models.NamespaceActive,
		Metadata:  models.NamespaceMetadata{CreatedAt: now, UpdatedAt: now, Version: 1},
	}
	if spec.AccessControl != nil {
		ns.AccessControl = *cloneAccessControl(spec.AccessControl)
	}
	if spec.Inheritance != nil {
		ns.Inheritance = *cloneInheritance(spec.Inheritance)
	}
	if spec.Isolation != nil {
		ns.Isolation = *spec.Isolation
	}

	n := &node{ns: ns, cfg: configTree{}, lastMod: now}
	m.byID[ns.ID] = n
	m.byPath[key] = ns.ID
	parent.ns.Children = append(parent.ns.Children, ns.ID)
	m.touch(parent)

	if err := m.persistNamespace(ctx, ns); err != nil {
		return nil, err
	}
	if err := m.persistNamespace(ctx, parent.ns); err != nil {
		return nil, err
	}
	return cloneNamespace(ns), nil
}

// Get returns a namespace by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	return cloneNamespace(n.ns), nil
}

// Resolve finds a namespace by slash path or by alias within a scope.
func (m *Manager) Resolve(ctx context.Context, scope models.Scope, ref string) (*models.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var id string
	if strings.HasPrefix(ref, "/") {
		id = m.byPath[storage.NamespaceKey(scope.String(), ref)]
	} else if al, ok := m.aliases[scope.String()]; ok {
		id = al[ref]
	}
	n, ok := m.byID[id]
	if !ok {
		return nil, models.Errorf(models.ErrNamespaceNotFound, "namespace %q not found in scope %s", ref, scope.String()).WithPath(ref)
	}
	return cloneNamespace(n.ns), nil
}

// List returns every namespace of a scope ordered by path.
func (m *Manager) List(ctx context.Context, scope models.Scope) []*models.Namespace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Namespace
	for _, n := range m.byID {
		if n.ns.Scope() == scope {
			out = append(out, cloneNamespace(n.ns))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// UpdateSpec carries partial namespace updates; nil fields stay untouched.
// Changing access control or the lock flag needs the admin operation, the
// rest needs write. An isolation level change applies to subsequent writes;
// stored values are not re-encoded.
type UpdateSpec struct {
	AccessControl *models.AccessControl
	Inheritance   *models.InheritanceConfig
	Isolation     *models.IsolationConfig
	Status        *models.NamespaceStatus
	Locked        *bool
}

func (m *Manager) Update(ctx context.Context, id string, spec UpdateSpec) (*models.Namespace, error) {
	ns, err := m.update(ctx, id, spec)
	m.operationVerdict("update", err)
	details := map[string]any{"locked": spec.Locked != nil, "access_control": spec.AccessControl != nil}
	if err != nil {
		m.record(ctx, id, "namespace.update", details, false, err.Error())
		return nil, err
	}
	m.record(ctx, id, "namespace.update", details, true, "")
	return ns, nil
}

func (m *Manager) update(ctx context.Context, id string, spec UpdateSpec) (*models.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return nil, models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}

	unlockOnly := spec.Locked != nil && !*spec.Locked &&
		spec.AccessControl == nil && spec.Inheritance == nil && spec.Isolation == nil && spec.Status == nil
	if n.ns.Metadata.Locked && !unlockOnly {
		return nil, models.Errorf(models.ErrNamespaceLocked, "namespace %s is locked", n.ns.Path).WithPath(n.ns.Path)
	}

	op := models.OpWrite
	if spec.AccessControl != nil || spec.Locked != nil {
		op = models.OpAdmin
	}
	if err := m.checkAccess(ctx, n, op); err != nil {
		return nil, err
	}

	if spec.AccessControl != nil {
		n.ns.AccessControl = *cloneAccessControl(spec.AccessControl)
	}
	if spec.Inheritance != nil {
		n.ns.Inheritance = *cloneInheritance(spec.Inheritance)
	}
	if spec.Isolation != nil {
		n.ns.Isolation = *spec.Isolation
	}
	if spec.Status != nil {
		n.ns.Status = *spec.Status
	}
	if spec.Locked != nil {
		n.ns.Metadata.Locked = *spec.Locked
	}
	m.touch(n)
	if err := m.persistNamespace(ctx, n.ns); err != nil {
		return nil, err
	}
	return cloneNamespace(n.ns), nil
}

// Delete removes a namespace. The root survives until its scope is torn
// down; children require recursive, and a lock anywhere in the subtree
// blocks the whole delete.
func (m *Manager) Delete(ctx context.Context, id string, recursive bool) error {
	err := m.deleteNS(ctx, id, recursive)
	m.operationVerdict("delete", err)
	if err != nil {
		m.record(ctx, id, "namespace.delete", map[string]any{"recursive": recursive}, false, err.Error())
		return err
	}
	m.record(ctx, id, "namespace.delete", map[string]any{"recursive": recursive}, true, "")
	return nil
}

func (m *Manager) deleteNS(ctx context.Context, id string, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	if n.ns.Path == "/" {
		return models.Errorf(models.ErrValidation, "root namespace cannot be deleted").WithPath("/")
	}
	if len(n.ns.Children) > 0 && !recursive {
		return models.Errorf(models.ErrValidation, "namespace %s has %d children", n.ns.Path, len(n.ns.Children)).WithPath(n.ns.Path)
	}
	if locked := m.lockedWithin(n); locked != "" {
		return models.Errorf(models.ErrNamespaceLocked, "namespace %s is locked", locked).WithPath(locked)
	}
	if err := m.checkAccess(ctx, n, models.OpDelete); err != nil {
		return err
	}

	m.dropSubtree(ctx, n)

	if parent, ok := m.byID[n.ns.ParentID]; ok {
		parent.ns.Children = removeString(parent.ns.Children, n.ns.ID)
		m.touch(parent)
		if err := m.persistNamespace(ctx, parent.ns); err != nil {
			return err
		}
	}
	return nil
}

// lockedWithin returns the path of the first locked namespace in the
// subtree, or "".
func (m *Manager) lockedWithin(n *node) string {
	if n.ns.Metadata.Locked {
		return n.ns.Path
	}
	for _, childID := range n.ns.Children {
		if child, ok := m.byID[childID]; ok {
			if p := m.lockedWithin(child); p != "" {
				return p
			}
		}
	}
	return ""
}

// dropSubtree removes n and its descendants from the indexes and storage.
func (m *Manager) dropSubtree(ctx context.Context, n *node) {
	for _, childID := range n.ns.Children {
		if child, ok := m.byID[childID]; ok {
			m.dropSubtree(ctx, child)
		}
	}
	key := storage.NamespaceKey(n.ns.Scope().String(), n.ns.Path)
	delete(m.byID, n.ns.ID)
	delete(m.byPath, key)
	delete(m.nsVers, key)
	delete(m.cfgVers, n.ns.ID)
	if err := m.store.Delete(ctx, storage.KindNamespace, key, 0); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Warn("namespace record delete failed", "path", n.ns.Path, "error", err)
	}
	if err := m.store.Delete(ctx, storage.KindConfig, storage.ConfigKey(n.ns.ID), 0); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Warn("config record delete failed", "namespace_id", n.ns.ID, "error", err)
	}
}

// DeleteScope tears down a scope's whole tree including the root. Trusted
// entry point for module uninstall.
func (m *Manager) DeleteScope(ctx context.Context, scope models.Scope) error {
	m.mu.Lock()
	rootID, ok := m.byPath[storage.NamespaceKey(scope.String(), "/")]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	root := m.byID[rootID]
	m.dropSubtree(ctx, root)
	delete(m.aliases, scope.String())
	delete(m.aliasVer, scope.String())
	if err := m.store.Delete(ctx, storage.KindNamespace, scope.String()+"#aliases", 0); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Warn("alias record delete failed", "scope", scope.String(), "error", err)
	}
	m.mu.Unlock()

	m.record(ctx, rootID, "namespace.delete", map[string]any{"scope": scope.String(), "recursive": true}, true, "")
	m.log.Info("namespace scope removed", "scope", scope.String())
	return nil
}

// CreateAlias binds a short name to a namespace within its scope.
func (m *Manager) CreateAlias(ctx context.Context, alias, id string) error {
	err := m.createAlias(ctx, alias, id)
	m.operationVerdict("alias_create", err)
	if err != nil {
		m.record(ctx, id, "namespace.alias.create", map[string]any{"alias": alias}, false, err.Error())
		return err
	}
	m.record(ctx, id, "namespace.alias.create", map[string]any{"alias": alias}, true, "")
	return nil
}

func (m *Manager) createAlias(ctx context.Context, alias, id string) error {
	if !aliasRe.MatchString(alias) {
		return models.Errorf(models.ErrValidation, "invalid alias %q", alias)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	if err := m.checkAccess(ctx, n, models.OpWrite); err != nil {
		return err
	}
	scope := n.ns.Scope().String()
	al := m.aliases[scope]
	if al == nil {
		al = map[string]string{}
		m.aliases[scope] = al
	}
	if cur, taken := al[alias]; taken && cur != id {
		return models.Errorf(models.ErrNamespacePathTaken, "alias %q already bound", alias)
	}
	al[alias] = id
	return m.persistAliases(ctx, scope)
}

// DeleteAlias removes a binding; unknown aliases are a no-op.
func (m *Manager) DeleteAlias(ctx context.Context, scope models.Scope, alias string) error {
	m.mu.Lock()
	al := m.aliases[scope.String()]
	if _, ok := al[alias]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(al, alias)
	err := m.persistAliases(ctx, scope.String())
	m.mu.Unlock()

	m.operationVerdict("alias_delete", err)
	m.record(ctx, "", "namespace.alias.delete", map[string]any{"alias": alias, "scope": scope.String()}, err == nil, errString(err))
	return err
}

// GetConfig reads a dotted key. Local values win; on a miss the namespace's
// inheritance sources are consulted in descending priority, then the parent
// chain when cascading. The boolean reports whether a value was found; on a
// clean miss the fallback comes back with found=false.
func (m *Manager) GetConfig(ctx context.Context, id, key string, fallback any) (any, bool, error) {
	value, found, err := m.getConfig(ctx, id, key)
	m.operationVerdict("get_config", err)
	m.record(ctx, id, "namespace.config.read", map[string]any{"key": key, "found": found}, err == nil, errString(err))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return fallback, false, nil
	}
	return value, true, nil
}

func (m *Manager) getConfig(ctx context.Context, id, key string) (any, bool, error) {
	if !validate.ConfigKey(key) {
		return nil, false, models.Errorf(models.ErrValidation, "invalid config key %q", key)
	}
	p := identity.FromContext(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.byID[id]
	if !ok {
		return nil, false, models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	if err := m.checkAccess(ctx, n, models.OpRead); err != nil {
		return nil, false, err
	}
	n.reads.Add(1)

	value, owner, found, err := m.resolveKey(n, p, key, map[string]bool{})
	if err != nil || !found {
		return nil, found, err
	}

	// A subtree under the merge strategy is served from the composed view so
	// inherited and local leaves combine instead of shadowing each other.
	if _, isBranch := value.(map[string]any); isBranch &&
		n.ns.Inheritance.Enabled && inheritanceStrategy(n.ns.Inheritance) == models.InheritMerge {
		view, err := m.effectiveView(n, p, map[string]bool{})
		if err != nil {
			return nil, false, err
		}
		merged, ok := view.lookup(key)
		return merged, ok, nil
	}

	revealed, err := revealValue(m.crypto, owner.ns.ID, value)
	if err != nil {
		return nil, false, err
	}
	return revealed, true, nil
}

// SetConfig writes a dotted key, creating intermediate maps. The value is
// sanitized and encrypted per the namespace's isolation level before it
// lands, and the resulting tree must fit the effective resource limits.
func (m *Manager) SetConfig(ctx context.Context, id, key string, value any) error {
	err := m.setConfig(ctx, id, key, value)
	m.operationVerdict("set_config", err)
	m.record(ctx, id, "namespace.config.write", map[string]any{"key": key, "value": auditValue(key, value)}, err == nil, errString(err))
	return err
}

func (m *Manager) setConfig(ctx context.Context, id, key string, value any) error {
	if !validate.ConfigKey(key) {
		return models.Errorf(models.ErrValidation, "invalid config key %q", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	if err := m.ensureMutable(n); err != nil {
		return err
	}
	if err := m.checkAccess(ctx, n, models.OpWrite); err != nil {
		return err
	}

	limits := m.effectiveLimits(n)
	if limits.MaxDepth > 0 && len(splitKey(key)) > limits.MaxDepth {
		return models.Errorf(models.ErrResourceLimit, "key %q exceeds max depth %d", key, limits.MaxDepth).WithPath(n.ns.Path)
	}

	stored, err := applyIsolation(m.crypto, n.ns, key, value)
	if err != nil {
		return err
	}
	next := n.cfg.set(key, stored)
	if err := m.checkLimits(n, next, limits); err != nil {
		return err
	}

	n.cfg = next
	n.writes.Add(1)
	m.touch(n)
	if err := m.persistNamespace(ctx, n.ns); err != nil {
		return err
	}
	return m.persistConfig(ctx, n)
}

// DeleteConfig prunes a leaf key. Branches are refused so a delete cannot
// take children with it.
func (m *Manager) DeleteConfig(ctx context.Context, id, key string) error {
	err := m.deleteConfig(ctx, id, key)
	m.operationVerdict("delete_config", err)
	m.record(ctx, id, "namespace.config.delete", map[string]any{"key": key}, err == nil, errString(err))
	return err
}

func (m *Manager) deleteConfig(ctx context.Context, id, key string) error {
	if !validate.ConfigKey(key) {
		return models.Errorf(models.ErrValidation, "invalid config key %q", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok {
		return models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	if err := m.ensureMutable(n); err != nil {
		return err
	}
	if err := m.checkAccess(ctx, n, models.OpWrite); err != nil {
		return err
	}

	next, err := n.cfg.delete(key)
	if err != nil {
		return err
	}
	n.cfg = next
	n.writes.Add(1)
	m.touch(n)
	if err := m.persistNamespace(ctx, n.ns); err != nil {
		return err
	}
	return m.persistConfig(ctx, n)
}

// CheckAccess evaluates an operation for the calling principal without
// performing it.
func (m *Manager) CheckAccess(ctx context.Context, id, op string) (bool, error) {
	m.mu.RLock()
	n, ok := m.byID[id]
	if !ok {
		m.mu.RUnlock()
		metrics.NamespaceOperationsTotal.WithLabelValues("check_access", "refused").Inc()
		return false, models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	p := identity.FromContext(ctx)
	allowed := trustedPrincipal(p, n.ns)
	reason := "trusted principal"
	if !allowed {
		v := evaluateAccess(&n.ns.AccessControl, p, op)
		allowed, reason = v.Allowed, v.Reason
	}
	m.mu.RUnlock()

	metrics.NamespaceOperationsTotal.WithLabelValues("check_access", "ok").Inc()
	m.record(ctx, id, "namespace.access.check", map[string]any{"operation": op, "allowed": allowed, "reason": reason}, true, "")
	return allowed, nil
}

// Metrics returns the namespace's current usage snapshot. Read and write
// counters are process-local and reset on restart.
func (m *Manager) Metrics(ctx context.Context, id string) (*models.NamespaceMetricsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.byID[id]
	if !ok {
		return nil, models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	size, err := n.cfg.measure()
	if err != nil {
		return nil, models.Errorf(models.ErrCritical, "measure config: %v", err)
	}
	return &models.NamespaceMetricsSnapshot{
		NamespaceID:  n.ns.ID,
		Path:         n.ns.Path,
		ConfigKeys:   n.cfg.leafCount(),
		StorageBytes: size,
		ChildCount:   len(n.ns.Children),
		Level:        n.ns.Level,
		Reads:        n.reads.Load(),
		Writes:       n.writes.Load(),
		LastModified: n.lastMod,
	}, nil
}

// AuditTrail returns audit entries for a namespace inside [since, until],
// newest first. Zero bounds are open.
func (m *Manager) AuditTrail(ctx context.Context, id string, since, until time.Time, limit int) ([]*models.AuditEntry, error) {
	if m.audit == nil {
		return nil, nil
	}
	entries, err := m.audit.List(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	var out []*models.AuditEntry
	for _, e := range entries {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && e.Timestamp.After(until) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// resolveKey finds a key for n: local tree first, then inheritance sources
// in descending priority, then the parent chain when cascading. The strict
// strategy only accepts sources with explicit key filters and never
// cascades. Returns the owning node so the caller can decrypt under the
// right scope.
func (m *Manager) resolveKey(n *node, p *models.Principal, key string, seen map[string]bool) (any, *node, bool, error) {
	if seen[n.ns.ID] {
		return nil, nil, false, nil
	}
	seen[n.ns.ID] = true

	if v, ok := n.cfg.lookup(key); ok {
		return v, n, true, nil
	}
	inh := n.ns.Inheritance
	if !inh.Enabled {
		return nil, nil, false, nil
	}
	strategy := inheritanceStrategy(inh)

	for _, src := range sortedSources(inh.Sources) {
		if strategy == models.InheritStrict && len(src.KeyFilters) == 0 {
			continue
		}
		if !sourceServesKey(src, key) || !conditionsMatch(src.Conditions, p) {
			continue
		}
		sn := m.sourceNode(n.ns.Scope(), src)
		if sn == nil || seen[sn.ns.ID] {
			continue
		}
		if v, ok := sn.cfg.lookup(key); ok {
			return v, sn, true, nil
		}
	}

	if inh.Cascading && strategy != models.InheritStrict {
		if parent, ok := m.byID[n.ns.ParentID]; ok {
			return m.resolveKey(parent, p, key, seen)
		}
	}
	return nil, nil, false, nil
}

// effectiveView composes the namespace's full visible configuration:
// parent cascade at the lowest precedence, then sources from lowest to
// highest priority, then the local tree per the strategy. Everything is
// decrypted; the result is private to the caller.
func (m *Manager) effectiveView(n *node, p *models.Principal, seen map[string]bool) (configTree, error) {
	if seen[n.ns.ID] {
		return configTree{}, nil
	}
	seen[n.ns.ID] = true

	local, err := revealTree(m.crypto, n.ns.ID, n.cfg)
	if err != nil {
		return nil, err
	}
	inh := n.ns.Inheritance
	if !inh.Enabled {
		return local, nil
	}
	strategy := inheritanceStrategy(inh)

	inherited := configTree{}
	if inh.Cascading && strategy != models.InheritStrict {
		if parent, ok := m.byID[n.ns.ParentID]; ok {
			pv, err := m.effectiveView(parent, p, seen)
			if err != nil {
				return nil, err
			}
			deepMerge(inherited, pv)
		}
	}
	srcs := sortedSources(inh.Sources)
	for i := len(srcs) - 1; i >= 0; i-- {
		src := srcs[i]
		if strategy == models.InheritStrict && len(src.KeyFilters) == 0 {
			continue
		}
		if !conditionsMatch(src.Conditions, p) {
			continue
		}
		sn := m.sourceNode(n.ns.Scope(), src)
		if sn == nil || seen[sn.ns.ID] {
			continue
		}
		sv, err := revealTree(m.crypto, sn.ns.ID, sn.cfg)
		if err != nil {
			return nil, err
		}
		deepMerge(inherited, filterTree(sv, src.KeyFilters))
	}

	switch strategy {
	case models.InheritOverride:
		for k, v := range local {
			inherited[k] = v
		}
		return inherited, nil
	case models.InheritAdditive:
		fillMissing(local, inherited)
		return local, nil
	default:
		deepMerge(inherited, local)
		return inherited, nil
	}
}

func (m *Manager) sourceNode(scope models.Scope, src models.InheritanceSource) *node {
	if src.NamespaceID != "" {
		if n, ok := m.byID[src.NamespaceID]; ok && n.ns.Scope() == scope {
			return n
		}
		return nil
	}
	if src.Path == "" {
		return nil
	}
	if id, ok := m.byPath[storage.NamespaceKey(scope.String(), src.Path)]; ok {
		return m.byID[id]
	}
	return nil
}

// effectiveLimits walks up to the nearest enabled sandbox. The root always
// has one, so every namespace sits under some limit set, possibly all-zero
// (unlimited).
func (m *Manager) effectiveLimits(n *node) models.ResourceLimits {
	var limits models.ResourceLimits
	for cur := n; cur != nil; {
		if cur.ns.Isolation.Sandbox.Enabled {
			limits = cur.ns.Isolation.Sandbox.ResourceLimits
			break
		}
		cur = m.byID[cur.ns.ParentID]
	}
	if limits.MaxDepth == 0 {
		limits.MaxDepth = m.maxDepth
	}
	return limits
}

// checkLimits verifies the candidate tree against the limit set. Sizes at
// exactly the limit pass; one byte or key over refuses the write.
func (m *Manager) checkLimits(n *node, next configTree, limits models.ResourceLimits) error {
	if limits.MaxConfigKeys > 0 {
		if keys := next.leafCount(); keys > limits.MaxConfigKeys {
			return models.Errorf(models.ErrResourceLimit, "config keys %d exceed limit %d", keys, limits.MaxConfigKeys).WithPath(n.ns.Path)
		}
	}
	if limits.MaxStorageBytes <= 0 && limits.MaxMemoryBytes <= 0 {
		return nil
	}
	size, err := next.measure()
	if err != nil {
		return models.Errorf(models.ErrCritical, "measure config: %v", err)
	}
	if limits.MaxStorageBytes > 0 && size > limits.MaxStorageBytes {
		return models.Errorf(models.ErrResourceLimit, "config size %dB exceeds storage limit %dB", size, limits.MaxStorageBytes).WithPath(n.ns.Path)
	}
	if limits.MaxMemoryBytes > 0 && size > limits.MaxMemoryBytes {
		return models.Errorf(models.ErrResourceLimit, "config size %dB exceeds memory limit %dB", size, limits.MaxMemoryBytes).WithPath(n.ns.Path)
	}
	return nil
}

func (m *Manager) ensureMutable(n *node) error {
	if n.ns.Metadata.Locked {
		return models.Errorf(models.ErrNamespaceLocked, "namespace %s is locked", n.ns.Path).WithPath(n.ns.Path)
	}
	if n.ns.Status != models.NamespaceActive {
		return models.Errorf(models.ErrValidation, "namespace %s is %s", n.ns.Path, n.ns.Status).WithPath(n.ns.Path)
	}
	return nil
}

func (m *Manager) checkAccess(ctx context.Context, n *node, op string) error {
	p := identity.FromContext(ctx)
	if trustedPrincipal(p, n.ns) {
		return nil
	}
	v := evaluateAccess(&n.ns.AccessControl, p, op)
	if !v.Allowed {
		return models.Errorf(models.ErrAccessDenied, "%s denied on %s: %s", op, n.ns.Path, v.Reason).WithPath(n.ns.Path)
	}
	return nil
}

func (m *Manager) touch(n *node) {
	now := m.clock.Now().UTC()
	n.ns.Metadata.UpdatedAt = now
	n.ns.Metadata.Version++
	n.lastMod = now
}

// persistNamespace writes the node's record through storage CAS. Called with
// the manager lock held.
func (m *Manager) persistNamespace(ctx context.Context, ns *models.Namespace) error {
	data, err := json.Marshal(ns)
	if err != nil {
		return models.Errorf(models.ErrCritical, "encode namespace: %v", err)
	}
	key := storage.NamespaceKey(ns.Scope().String(), ns.Path)
	rec, err := m.store.Put(context.WithoutCancel(ctx), storage.KindNamespace, key, data, m.nsVers[key])
	if err != nil {
		return models.Errorf(models.ErrCritical, "persist namespace %s: %v", ns.Path, err)
	}
	m.nsVers[key] = rec.Version
	return nil
}

func (m *Manager) persistConfig(ctx context.Context, n *node) error {
	data, err := json.Marshal(persistedForm(n.ns, n.cfg))
	if err != nil {
		return models.Errorf(models.ErrCritical, "encode config: %v", err)
	}
	id := storage.ConfigKey(n.ns.ID)
	rec, err := m.store.Put(context.WithoutCancel(ctx), storage.KindConfig, id, data, m.cfgVers[id])
	if err != nil {
		return models.Errorf(models.ErrCritical, "persist config for %s: %v", n.ns.Path, err)
	}
	m.cfgVers[id] = rec.Version
	return nil
}

func (m *Manager) persistAliases(ctx context.Context, scope string) error {
	data, err := json.Marshal(m.aliases[scope])
	if err != nil {
		return models.Errorf(models.ErrCritical, "encode aliases: %v", err)
	}
	rec, err := m.store.Put(context.WithoutCancel(ctx), storage.KindNamespace, scope+"#aliases", data, m.aliasVer[scope])
	if err != nil {
		return models.Errorf(models.ErrCritical, "persist aliases for %s: %v", scope, err)
	}
	m.aliasVer[scope] = rec.Version
	return nil
}

// record writes one audit entry, detached from the caller's cancellation.
func (m *Manager) record(ctx context.Context, nsID, op string, details map[string]any, success bool, errMsg string) {
	if m.audit == nil {
		return
	}
	entry := &models.AuditEntry{
		NamespaceID: nsID,
		Operation:   op,
		Principal:   identity.FromContext(ctx),
		Details:     details,
		Success:     success,
		Error:       errMsg,
	}
	if err := m.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		m.log.Warn("audit record failed", "operation", op, "error", err)
	}
}

func (m *Manager) operationVerdict(op string, err error) {
	verdict := "ok"
	switch {
	case err == nil:
	case models.IsKind(err, models.ErrAccessDenied):
		verdict = "denied"
	case models.IsKind(err, models.ErrCritical):
		verdict = "error"
	default:
		verdict = "refused"
	}
	metrics.NamespaceOperationsTotal.WithLabelValues(op, verdict).Inc()
}

// auditValue redacts secret-bearing keys in audit details; other values are
// recorded as written.
func auditValue(key string, value any) any {
	if redact.IsSensitiveKey(key) {
		return redact.Value()
	}
	if sub, ok := value.(map[string]any); ok {
		return redact.ConfigMap(sub)
	}
	return value
}

func parentPathOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func removeString(in []string, s string) []string {
	out := in[:0]
	for _, v := range in {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func cloneNamespace(ns *models.Namespace) *models.Namespace {
	out := *ns
	out.Children = append([]string(nil), ns.Children...)
	out.AccessControl = *cloneAccessControl(&ns.AccessControl)
	out.Inheritance = *cloneInheritance(&ns.Inheritance)
	return &out
}

func cloneAccessControl(ac *models.AccessControl) *models.AccessControl {
	out := models.AccessControl{
		BlockedOperations: append([]string(nil), ac.BlockedOperations...),
		AllowedOperations: append([]string(nil), ac.AllowedOperations...),
	}
	for _, p := range ac.Permissions {
		p.Operations = append([]string(nil), p.Operations...)
		p.Conditions = copyStringMap(p.Conditions)
		out.Permissions = append(out.Permissions, p)
	}
	for _, r := range ac.AccessRules {
		r.Operations = append([]string(nil), r.Operations...)
		r.Conditions = copyStringMap(r.Conditions)
		out.AccessRules = append(out.AccessRules, r)
	}
	return &out
}

func cloneInheritance(cfg *models.InheritanceConfig) *models.InheritanceConfig {
	out := *cfg
	out.Sources = nil
	for _, s := range cfg.Sources {
		s.KeyFilters = append([]string(nil), s.KeyFilters...)
		s.Conditions = copyStringMap(s.Conditions)
		out.Sources = append(out.Sources, s)
	}
	return &out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

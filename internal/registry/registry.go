// Package registry is the authoritative catalog of installed modules. One
// entry exists per (moduleId, version); a separate per-tenant pointer map
// tracks which version serves each tenant. The registry is single-writer:
// all mutations serialize on one mutex, reads return copies.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/validate"
	"github.com/moduleplane/moduleplane/internal/storage"
)

// tenantPointer is the persisted per-tenant active version record.
type tenantPointer struct {
	Version     string    `json:"version"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Registry holds module entries and tenant activation pointers.
type Registry struct {
	mu      sync.RWMutex
	entries map[models.ModuleKey]*models.RegistryEntry
	active  map[string]map[string]string // tenantID -> moduleID -> version

	// recVersions tracks storage record versions for compare-and-swap.
	recVersions map[string]int64

	generation atomic.Uint64

	store  storage.Adapter
	clock  clockwork.Clock
	logger *slog.Logger

	subMu   sync.Mutex
	subs    map[int]chan models.RegistryEvent
	nextSub int
}

func New(store storage.Adapter, clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		entries:     make(map[models.ModuleKey]*models.RegistryEntry),
		active:      make(map[string]map[string]string),
		recVersions: make(map[string]int64),
		store:       store,
		clock:       clock,
		logger:      logger,
		subs:        make(map[int]chan models.RegistryEvent),
	}
}

// Load hydrates the registry from storage. Call once at startup before
// serving.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.store.List(ctx, storage.KindModule, "")
	if err != nil {
		return fmt.Errorf("failed to load module entries: %w", err)
	}
	for _, rec := range recs {
		var entry models.RegistryEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			r.logger.Warn("skipping unreadable module record", slog.String("id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		key := models.ModuleKey{ModuleID: entry.Definition.ID, Version: entry.Definition.Version}
		r.entries[key] = &entry
		r.recVersions[storage.KindModule+"/"+rec.ID] = rec.Version
	}

	tenantRecs, err := r.store.List(ctx, storage.KindTenant, "")
	if err != nil {
		return fmt.Errorf("failed to load tenant pointers: %w", err)
	}
	for _, rec := range tenantRecs {
		var ptr tenantPointer
		if err := json.Unmarshal(rec.Data, &ptr); err != nil {
			continue
		}
		tenantID, moduleID, ok := splitTenantModuleKey(rec.ID)
		if !ok {
			continue
		}
		if r.active[tenantID] == nil {
			r.active[tenantID] = make(map[string]string)
		}
		r.active[tenantID][moduleID] = ptr.Version
		r.recVersions[storage.KindTenant+"/"+rec.ID] = rec.Version
	}

	r.logger.Info("registry loaded",
		slog.Int("modules", len(r.entries)),
		slog.Int("tenants", len(r.active)))
	return nil
}

// Register validates and stores a new module definition. Re-registering an
// existing (id, version) fails with MODULE_CONFLICT.
func (r *Registry) Register(ctx context.Context, def *models.ModuleDefinition) (*models.RegistryEntry, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.ModuleKey{ModuleID: def.ID, Version: def.Version}
	if _, exists := r.entries[key]; exists {
		return nil, models.Errorf(models.ErrModuleConflict, "module %s is already registered", key).WithModule(def.ID)
	}

	entry := &models.RegistryEntry{
		Definition:  *def,
		Status:      models.ModuleInstalled,
		InstalledAt: r.clock.Now().UTC(),
	}
	if err := r.persistEntry(ctx, key, entry, true); err != nil {
		return nil, err
	}
	r.entries[key] = entry
	r.bump()
	r.publish(models.RegistryEvent{
		Kind:     models.RegistryRegistered,
		ModuleID: def.ID,
		Version:  def.Version,
		To:       models.ModuleInstalled,
		At:       entry.InstalledAt,
	})

	cp := *entry
	return &cp, nil
}

// Unregister removes a module version. It fails with MODULE_CONFLICT while
// any tenant still has the version active.
func (r *Registry) Unregister(ctx context.Context, moduleID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.ModuleKey{ModuleID: moduleID, Version: version}
	if _, exists := r.entries[key]; !exists {
		return models.Errorf(models.ErrValidation, "module %s is not registered", key).WithModule(moduleID)
	}
	for tenantID, mods := range r.active {
		if mods[moduleID] == version {
			return models.Errorf(models.ErrModuleConflict,
				"module %s is active for tenant %s", key, tenantID).
				WithModule(moduleID).WithTenant(tenantID)
		}
	}

	storeKey := storage.ModuleKey(moduleID, version)
	if err := r.store.Delete(ctx, storage.KindModule, storeKey, r.recVersions[storage.KindModule+"/"+storeKey]); err != nil {
		return fmt.Errorf("failed to delete module record: %w", err)
	}
	delete(r.recVersions, storage.KindModule+"/"+storeKey)
	delete(r.entries, key)
	r.bump()
	r.publish(models.RegistryEvent{
		Kind:     models.RegistryUnregistered,
		ModuleID: moduleID,
		Version:  version,
		At:       r.clock.Now().UTC(),
	})
	return nil
}

// Get returns the entry for (moduleID, version). With an empty version the
// highest registered semver wins.
func (r *Registry) Get(moduleID, version string) (*models.RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version != "" {
		entry, ok := r.entries[models.ModuleKey{ModuleID: moduleID, Version: version}]
		if !ok {
			return nil, false
		}
		cp := *entry
		return &cp, true
	}
	return r.latestLocked(moduleID)
}

func (r *Registry) latestLocked(moduleID string) (*models.RegistryEntry, bool) {
	var (
		best    *models.RegistryEntry
		bestVer *semver.Version
	)
	for key, entry := range r.entries {
		if key.ModuleID != moduleID {
			continue
		}
		v, err := semver.NewVersion(key.Version)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = entry, v
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// Find returns entries providing the named capability.
func (r *Registry) Find(capability string) []*models.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.RegistryEntry
	for _, entry := range r.entries {
		if entry.Definition.ProvidesCapability(capability) {
			cp := *entry
			out = append(out, &cp)
		}
	}
	sortEntries(out)
	return out
}

// List returns entries matching the filter, ordered by (id, version).
func (r *Registry) List(filter models.EntryFilter) []*models.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.RegistryEntry
	for _, entry := range r.entries {
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.ModuleID != "" && entry.Definition.ID != filter.ModuleID {
			continue
		}
		if filter.Capability != "" && !entry.Definition.ProvidesCapability(filter.Capability) {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	sortEntries(out)
	return out
}

// SetStatus moves an entry between non-active statuses. Activation is tenant
// scoped and must go through Promote, so "active" is rejected here.
func (r *Registry) SetStatus(ctx context.Context, moduleID, version string, status models.ModuleStatus) error {
	if status == models.ModuleActive {
		return models.NewError(models.ErrValidation, "active status requires a tenant scope; use promote").WithModule(moduleID)
	}
	switch status {
	case models.ModuleInstalled, models.ModuleInactive, models.ModuleFailed, models.ModuleDeprecated:
	default:
		return models.Errorf(models.ErrValidation, "unknown module status %q", status).WithModule(moduleID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStatusLocked(ctx, moduleID, version, status)
}

func (r *Registry) setStatusLocked(ctx context.Context, moduleID, version string, status models.ModuleStatus) error {
	key := models.ModuleKey{ModuleID: moduleID, Version: version}
	entry, ok := r.entries[key]
	if !ok {
		return models.Errorf(models.ErrValidation, "module %s is not registered", key).WithModule(moduleID)
	}
	if entry.Status == status {
		return nil
	}

	from := entry.Status
	entry.Status = status
	if err := r.persistEntry(ctx, key, entry, false); err != nil {
		entry.Status = from
		return err
	}
	r.bump()
	r.publish(models.RegistryEvent{
		Kind:     models.RegistryStatusChanged,
		ModuleID: moduleID,
		Version:  version,
		From:     from,
		To:       status,
		At:       r.clock.Now().UTC(),
	})
	return nil
}

// Promote atomically makes version the tenant's active version of moduleID
// and returns the version it replaced, if any. The replaced entry drops to
// inactive unless another tenant still uses it.
func (r *Registry) Promote(ctx context.Context, tenantID, moduleID, version string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.ModuleKey{ModuleID: moduleID, Version: version}
	entry, ok := r.entries[key]
	if !ok {
		return "", models.Errorf(models.ErrValidation, "module %s is not registered", key).WithModule(moduleID)
	}

	previous := ""
	if mods := r.active[tenantID]; mods != nil {
		previous = mods[moduleID]
	}
	if previous == version {
		return previous, nil
	}

	// Persist the pointer first; entry statuses follow.
	ptr := tenantPointer{Version: version, ActivatedAt: r.clock.Now().UTC()}
	data, err := json.Marshal(ptr)
	if err != nil {
		return "", err
	}
	storeKey := storage.TenantModuleKey(tenantID, moduleID)
	verKey := storage.KindTenant + "/" + storeKey
	rec, err := r.store.Put(ctx, storage.KindTenant, storeKey, data, r.recVersions[verKey])
	if err != nil {
		return "", fmt.Errorf("failed to persist tenant pointer: %w", err)
	}
	r.recVersions[verKey] = rec.Version

	if r.active[tenantID] == nil {
		r.active[tenantID] = make(map[string]string)
	}
	r.active[tenantID][moduleID] = version

	now := ptr.ActivatedAt
	from := entry.Status
	entry.Status = models.ModuleActive
	entry.LastActivatedAt = &now
	if err := r.persistEntry(ctx, key, entry, false); err != nil {
		r.logger.Warn("failed to persist entry status after promote", slog.String("module", key.String()), slog.String("error", err.Error()))
	}
	r.bump()
	r.publish(models.RegistryEvent{
		Kind:     models.RegistryStatusChanged,
		ModuleID: moduleID,
		Version:  version,
		TenantID: tenantID,
		From:     from,
		To:       models.ModuleActive,
		At:       now,
	})

	if previous != "" && !r.activeAnywhereLocked(moduleID, previous) {
		if err := r.setStatusLocked(ctx, moduleID, previous, models.ModuleInactive); err != nil {
			r.logger.Warn("failed to demote previous version", slog.String("module", moduleID), slog.String("version", previous), slog.String("error", err.Error()))
		}
	}
	return previous, nil
}

// Demote clears the tenant's active pointer for moduleID and returns the
// version that was active. The entry drops to the given status unless
// another tenant still uses it.
func (r *Registry) Demote(ctx context.Context, tenantID, moduleID string, to models.ModuleStatus) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mods := r.active[tenantID]
	if mods == nil || mods[moduleID] == "" {
		return "", nil
	}
	version := mods[moduleID]

	storeKey := storage.TenantModuleKey(tenantID, moduleID)
	verKey := storage.KindTenant + "/" + storeKey
	if err := r.store.Delete(ctx, storage.KindTenant, storeKey, r.recVersions[verKey]); err != nil {
		return "", fmt.Errorf("failed to delete tenant pointer: %w", err)
	}
	delete(r.recVersions, verKey)
	delete(mods, moduleID)

	if !r.activeAnywhereLocked(moduleID, version) {
		if err := r.setStatusLocked(ctx, moduleID, version, to); err != nil {
			return version, err
		}
	}
	return version, nil
}

func (r *Registry) activeAnywhereLocked(moduleID, version string) bool {
	for _, mods := range r.active {
		if mods[moduleID] == version {
			return true
		}
	}
	return false
}

// ActiveVersion returns the tenant's active version of moduleID.
func (r *Registry) ActiveVersion(tenantID, moduleID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mods := r.active[tenantID]
	if mods == nil {
		return "", false
	}
	v, ok := mods[moduleID]
	return v, ok && v != ""
}

// ActiveModules returns the tenant's module -> version map.
func (r *Registry) ActiveModules(tenantID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.active[tenantID]))
	for m, v := range r.active[tenantID] {
		out[m] = v
	}
	return out
}

// Generation increments on every registry change. Caches stamp entries with
// the generation they were computed against and treat a mismatch as stale.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

func (r *Registry) bump() {
	r.generation.Add(1)
}

// Subscribe returns a channel of registry events and a cancel func. Slow
// subscribers lose events rather than block the registry; consumers needing
// completeness should poll Generation instead.
func (r *Registry) Subscribe(buffer int) (<-chan models.RegistryEvent, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan models.RegistryEvent, buffer)
	r.subs[id] = ch

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Registry) publish(ev models.RegistryEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *Registry) persistEntry(ctx context.Context, key models.ModuleKey, entry *models.RegistryEntry, create bool) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	storeKey := storage.ModuleKey(key.ModuleID, key.Version)
	verKey := storage.KindModule + "/" + storeKey
	expect := r.recVersions[verKey]
	if create {
		expect = 0
	}
	rec, err := r.store.Put(ctx, storage.KindModule, storeKey, data, expect)
	if err != nil {
		return fmt.Errorf("failed to persist module entry: %w", err)
	}
	r.recVersions[verKey] = rec.Version
	return nil
}

func validateDefinition(def *models.ModuleDefinition) error {
	if def == nil {
		return models.NewError(models.ErrValidation, "module definition is required")
	}
	if !validate.ModuleID(def.ID) {
		return models.Errorf(models.ErrValidation, "invalid module id %q", def.ID)
	}
	if !validate.Version(def.Version) {
		return models.Errorf(models.ErrValidation, "invalid module version %q", def.Version).WithModule(def.ID)
	}
	if _, err := semver.NewVersion(def.Version); err != nil {
		return models.Errorf(models.ErrValidation, "unparseable module version %q", def.Version).WithModule(def.ID)
	}
	for _, dep := range def.Dependencies {
		if !validate.ModuleID(dep.ModuleID) {
			return models.Errorf(models.ErrValidation, "invalid dependency id %q", dep.ModuleID).WithModule(def.ID)
		}
		switch dep.Type {
		case models.DependencyRequired, models.DependencyOptional, models.DependencyPeer, "":
		default:
			return models.Errorf(models.ErrValidation, "invalid dependency type %q for %s", dep.Type, dep.ModuleID).WithModule(def.ID)
		}
		if dep.Constraint != "" && dep.Constraint != "*" {
			if _, err := semver.NewConstraint(dep.Constraint); err != nil {
				return models.Errorf(models.ErrValidation, "invalid constraint %q for dependency %s", dep.Constraint, dep.ModuleID).WithModule(def.ID)
			}
		}
	}
	return nil
}

func sortEntries(entries []*models.RegistryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Definition.ID != entries[j].Definition.ID {
			return entries[i].Definition.ID < entries[j].Definition.ID
		}
		vi, erri := semver.NewVersion(entries[i].Definition.Version)
		vj, errj := semver.NewVersion(entries[j].Definition.Version)
		if erri != nil || errj != nil {
			return entries[i].Definition.Version < entries[j].Definition.Version
		}
		return vi.LessThan(vj)
	})
}

func splitTenantModuleKey(id string) (tenantID, moduleID string, ok bool) {
	// Layout: {tenantId}/modules/{moduleId}
	const sep = "/modules/"
	for i := 0; i+len(sep) <= len(id); i++ {
		if id[i:i+len(sep)] == sep {
			return id[:i], id[i+len(sep):], true
		}
	}
	return "", "", false
}

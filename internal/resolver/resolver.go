package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
	"github.com/moduleplane/moduleplane/internal/pkg/validate"
)

const (
	// DefaultTimeout bounds one resolution pass. Hitting it is fatal and
	// nothing is cached.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxDepth bounds transitive recursion.
	DefaultMaxDepth = 10

	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute

	// maxPasses bounds the rebuild loop when conflict strategies repin
	// versions. Each pass applies at most one proposal per pin, so the loop
	// terminates even when proposals keep conflicting.
	maxPasses = 8
)

// Options tunes a Resolver. Zero values pick defaults; CacheSize < 0
// disables caching.
type Options struct {
	Timeout   time.Duration
	MaxDepth  int
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
	Clock     clockwork.Clock
}

// Resolver computes activation closures against a registry catalog.
// Resolution is tenant independent: candidates rank on registry status,
// provider priority and version, so results are shared across tenants and
// the cache key carries no tenant.
type Resolver struct {
	catalog  Catalog
	cache    *resultCache
	group    singleflight.Group
	log      *slog.Logger
	clock    clockwork.Clock
	timeout  time.Duration
	maxDepth int
}

func New(catalog Catalog, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	r := &Resolver{
		catalog:  catalog,
		log:      opts.Logger.With("component", "resolver"),
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		maxDepth: opts.MaxDepth,
	}
	switch {
	case opts.CacheSize < 0:
	case opts.CacheSize == 0:
		r.cache = newResultCache(defaultCacheSize, opts.CacheTTL)
	default:
		r.cache = newResultCache(opts.CacheSize, opts.CacheTTL)
	}
	return r
}

// Invalidate drops all cached results. Callers hook this to registry events;
// the generation stamp makes stale reads impossible even without it.
func (r *Resolver) Invalidate() {
	if r.cache != nil {
		r.cache.purge()
	}
}

// Resolve computes the dependency closure for the requested module version.
// Domain failures (unresolved requireds, standing conflicts, cycles) come
// back inside the Result; the error return is reserved for bad requests and
// timeouts.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.Strategy == "" {
		req.Strategy = StrategyBalanced
	}
	if !req.Strategy.Valid() {
		return nil, models.Errorf(models.ErrValidation, "unknown resolution strategy %q", req.Strategy)
	}
	if req.MaxDepth <= 0 {
		req.MaxDepth = r.maxDepth
	}
	root, err := r.rootEntry(req)
	if err != nil {
		return nil, err
	}

	key := cacheKey(root.Definition.ID, root.Definition.Version, depSetHash(&root.Definition), req.Strategy)
	generation := r.catalog.Generation()
	if r.cache != nil {
		if cached, ok := r.cache.get(key, generation); ok {
			metrics.ResolutionCacheHitsTotal.Inc()
			cached.Metadata.CacheHit = true
			return cached, nil
		}
		metrics.ResolutionCacheMissesTotal.Inc()
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolveUncached(ctx, req, root, key, generation)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result).clone(), nil
}

func (r *Resolver) rootEntry(req Request) (*models.RegistryEntry, error) {
	if !validate.ModuleID(req.ModuleID) {
		return nil, models.Errorf(models.ErrValidation, "invalid module id %q", req.ModuleID)
	}
	if req.Version != "" {
		entry, ok := r.catalog.Get(req.ModuleID, req.Version)
		if !ok {
			return nil, models.Errorf(models.ErrValidation, "module %s@%s is not registered", req.ModuleID, req.Version).
				WithModule(req.ModuleID)
		}
		return entry, nil
	}
	entries := r.catalog.List(models.EntryFilter{ModuleID: req.ModuleID})
	if len(entries) == 0 {
		return nil, models.Errorf(models.ErrValidation, "module %s is not registered", req.ModuleID).
			WithModule(req.ModuleID)
	}
	sort.Slice(entries, func(i, j int) bool {
		cmp, err := CompareVersions(entries[i].Definition.Version, entries[j].Definition.Version)
		if err != nil {
			return entries[i].Definition.Version > entries[j].Definition.Version
		}
		return cmp > 0
	})
	return entries[0], nil
}

func (r *Resolver) resolveUncached(ctx context.Context, req Request, root *models.RegistryEntry, key string, generation uint64) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := r.clock.Now()
	adjust := newAdjustments()
	var applied []Conflict
	var passes int
	var last *buildState

	for passes = 1; passes <= maxPasses; passes++ {
		if err := ctx.Err(); err != nil {
			return nil, r.timeoutError(req, err)
		}
		st := r.build(ctx, root, req.MaxDepth, adjust)
		if err := ctx.Err(); err != nil {
			return nil, r.timeoutError(req, err)
		}
		last = st

		restarted := false
		for _, vc := range st.versionConflicts {
			conflict, proposal := r.propose(req.Strategy, st, vc, adjust)
			if proposal == nil {
				continue
			}
			conflict.Applied = proposal
			applied = append(applied, conflict)
			adjust.apply(vc, proposal)
			restarted = true
		}
		if !restarted {
			break
		}
	}
	if passes > maxPasses {
		passes = maxPasses
	}

	result := r.finalize(req, root, last, applied, adjust)
	result.Metadata.Iterations = passes
	result.Metadata.DurationMs = r.clock.Since(started).Milliseconds()
	metrics.ResolutionDurationSeconds.Observe(r.clock.Since(started).Seconds())

	if err := ctx.Err(); err != nil {
		return nil, r.timeoutError(req, err)
	}
	if r.cache != nil {
		r.cache.put(key, result, generation)
	}
	r.log.Debug("resolution complete",
		"module_id", result.ModuleID,
		"version", result.Version,
		"strategy", string(req.Strategy),
		"success", result.Success,
		"resolved", len(result.Resolved),
		"conflicts", len(result.Conflicts),
		"duration_ms", result.Metadata.DurationMs)
	return result, nil
}

func (r *Resolver) timeoutError(req Request, cause error) *models.Error {
	if cause == context.DeadlineExceeded {
		return models.Errorf(models.ErrActivationTimeout, "dependency resolution for %s exceeded %s", req.ModuleID, r.timeout).
			WithModule(req.ModuleID)
	}
	return models.Errorf(models.ErrActivationTimeout, "dependency resolution for %s canceled: %v", req.ModuleID, cause).
		WithModule(req.ModuleID)
}

// versionConflict is one edge whose constraint the current pin fails.
type versionConflict struct {
	moduleID   string
	selected   string
	constraint string
	requiredBy string
	depType    models.DependencyType
}

// adjustments carry strategy decisions across rebuild passes.
type adjustments struct {
	pins          map[string]string // module id -> version forced by merge/upgrade/downgrade
	excludedEdges map[string]bool   // "from|to" edges dropped by exclude
	substitutes   map[string]string // "from|to" -> replacement provider id
	attempted     map[string]bool   // conflict keys already given a proposal
}

func newAdjustments() *adjustments {
	return &adjustments{
		pins:          make(map[string]string),
		excludedEdges: make(map[string]bool),
		substitutes:   make(map[string]string),
		attempted:     make(map[string]bool),
	}
}

func edgeKey(from, to string) string { return from + "|" + to }

func (a *adjustments) apply(vc versionConflict, p *Proposal) {
	switch p.Action {
	case ActionMerge, ActionUpgrade, ActionDowngrade:
		a.pins[vc.moduleID] = p.Version
	case ActionExclude:
		a.excludedEdges[edgeKey(vc.requiredBy, vc.moduleID)] = true
	case ActionReplace:
		a.substitutes[edgeKey(vc.requiredBy, vc.moduleID)] = p.ModuleID
	}
}

type buildState struct {
	graph            *Graph
	defs             map[string]*models.ModuleDefinition
	constraints      map[string][]string
	versionConflicts []versionConflict
	unresolved       []Unresolved
	warnings         []string
	errors           []*models.Error
}

// build expands the dependency graph from the root definition. Each module
// id is selected once; later edges to a selected id only validate the pin.
func (r *Resolver) build(ctx context.Context, root *models.RegistryEntry, maxDepth int, adjust *adjustments) *buildState {
	st := &buildState{
		graph:       NewGraph(),
		defs:        make(map[string]*models.ModuleDefinition),
		constraints: make(map[string][]string),
	}
	rootDef := root.Definition
	st.graph.AddNode(&GraphNode{
		ModuleID: rootDef.ID,
		Version:  rootDef.Version,
		Status:   root.Status,
		Depth:    0,
		Required: true,
	})
	st.defs[rootDef.ID] = &rootDef
	r.expand(ctx, st, &rootDef, 0, maxDepth, adjust)
	return st
}

func (r *Resolver) expand(ctx context.Context, st *buildState, def *models.ModuleDefinition, depth, maxDepth int, adjust *adjustments) {
	if ctx.Err() != nil {
		return
	}
	for _, dep := range def.Dependencies {
		depID := dep.ModuleID
		constraint := dep.Constraint
		if adjust.excludedEdges[edgeKey(def.ID, depID)] {
			continue
		}
		if alt, ok := adjust.substitutes[edgeKey(def.ID, depID)]; ok {
			depID = alt
			constraint = ""
		}
		required := dep.Type == models.DependencyRequired

		if node, ok := st.graph.Node(depID); ok {
			matched, err := VersionSatisfies(node.Version, constraint)
			if err != nil {
				st.errors = append(st.errors, models.AsError(err, models.ErrValidation).WithModule(depID))
				continue
			}
			if !matched {
				st.versionConflicts = append(st.versionConflicts, versionConflict{
					moduleID:   depID,
					selected:   node.Version,
					constraint: constraint,
					requiredBy: def.ID,
					depType:    dep.Type,
				})
			}
			st.graph.AddEdge(&GraphEdge{FromID: def.ID, ToID: depID, Constraint: constraint, Type: dep.Type})
			st.constraints[depID] = append(st.constraints[depID], constraint)
			continue
		}

		if depth+1 > maxDepth {
			r.recordMiss(st, models.Dependency{ModuleID: depID, Constraint: constraint, Type: dep.Type},
				def.ID, fmt.Sprintf("max dependency depth %d exceeded", maxDepth))
			continue
		}

		entry, reason := r.selectCandidate(depID, constraint, adjust.pins[depID])
		if entry == nil {
			r.recordMiss(st, models.Dependency{ModuleID: depID, Constraint: constraint, Type: dep.Type}, def.ID, reason)
			continue
		}

		st.graph.AddNode(&GraphNode{
			ModuleID: depID,
			Version:  entry.Definition.Version,
			Status:   entry.Status,
			Depth:    depth + 1,
			Required: required,
		})
		st.graph.AddEdge(&GraphEdge{FromID: def.ID, ToID: depID, Constraint: constraint, Type: dep.Type})
		st.constraints[depID] = append(st.constraints[depID], constraint)
		depDef := entry.Definition
		st.defs[depID] = &depDef

		// Peer dependencies must already be present; their own subtree is
		// not pulled in on their behalf.
		if dep.Type != models.DependencyPeer {
			r.expand(ctx, st, &depDef, depth+1, maxDepth, adjust)
		}
	}
}

// recordMiss books an unsatisfiable dependency. Required misses are fatal;
// optional and peer misses downgrade to warnings.
func (r *Resolver) recordMiss(st *buildState, dep models.Dependency, requiredBy, reason string) {
	if dep.Type == models.DependencyRequired {
		st.unresolved = append(st.unresolved, Unresolved{
			ModuleID:   dep.ModuleID,
			Constraint: dep.Constraint,
			RequiredBy: requiredBy,
			Type:       dep.Type,
			Reason:     reason,
		})
		return
	}
	st.warnings = append(st.warnings, fmt.Sprintf("%s dependency %s of %s skipped: %s", dep.Type, dep.ModuleID, requiredBy, reason))
}

// selectCandidate picks the provider entry for a dependency: registered
// versions with status active or installed, filtered by constraint, ranked
// by status, then declared priority, then highest version. A pinned version
// from a strategy decision short-circuits ranking.
func (r *Resolver) selectCandidate(moduleID, constraint, pinned string) (*models.RegistryEntry, string) {
	entries := r.catalog.List(models.EntryFilter{ModuleID: moduleID})
	candidates := entries[:0:0]
	for _, e := range entries {
		if e.Status == models.ModuleActive || e.Status == models.ModuleInstalled {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, "no registered provider"
	}

	if pinned != "" {
		for _, e := range candidates {
			if e.Definition.Version == pinned {
				return e, ""
			}
		}
		return nil, fmt.Sprintf("pinned version %s is not available", pinned)
	}

	matching := candidates[:0:0]
	for _, e := range candidates {
		ok, err := VersionSatisfies(e.Definition.Version, constraint)
		if err == nil && ok {
			matching = append(matching, e)
		}
	}
	if len(matching) == 0 {
		return nil, fmt.Sprintf("no version satisfies constraint %q", constraint)
	}

	sort.SliceStable(matching, func(i, j int) bool {
		si, sj := statusRank(matching[i].Status), statusRank(matching[j].Status)
		if si != sj {
			return si > sj
		}
		pi, pj := matching[i].Definition.Priority, matching[j].Definition.Priority
		if pi != pj {
			return pi > pj
		}
		cmp, err := CompareVersions(matching[i].Definition.Version, matching[j].Definition.Version)
		if err != nil {
			return matching[i].Definition.Version > matching[j].Definition.Version
		}
		return cmp > 0
	})
	return matching[0], ""
}

func statusRank(s models.ModuleStatus) int {
	switch s {
	case models.ModuleActive:
		return 2
	case models.ModuleInstalled:
		return 1
	}
	return 0
}

// propose turns a version conflict into a Conflict record plus, when the
// strategy allows, the proposal to auto-apply. Each conflict key gets one
// shot; a pin that keeps conflicting after its proposal stands as fatal.
func (r *Resolver) propose(strategy Strategy, st *buildState, vc versionConflict, adjust *adjustments) (Conflict, *Proposal) {
	conflict := Conflict{
		Kind:          ConflictVersion,
		ModuleID:      vc.moduleID,
		ConflictingID: vc.requiredBy,
		Selected:      vc.selected,
		Constraint:    vc.constraint,
	}
	prior := priorConstraints(st.constraints[vc.moduleID], vc.constraint)
	available := r.availableVersions(vc.moduleID)
	alternatives := r.capabilityAlternatives(st, vc.moduleID)
	conflict.Proposals = proposeResolutions(vc.selected, prior, vc.constraint, available, alternatives, vc.depType)

	conflictKey := vc.moduleID + "|" + vc.requiredBy + "|" + vc.constraint
	if adjust.attempted[conflictKey] {
		return conflict, nil
	}
	adjust.attempted[conflictKey] = true
	return conflict, chooseProposal(strategy, vc.selected, conflict.Proposals, vc.depType)
}

// priorConstraints drops one occurrence of the conflicting constraint so
// merge proposals do not double-count it.
func priorConstraints(all []string, conflicting string) []string {
	out := make([]string, 0, len(all))
	dropped := false
	for _, c := range all {
		if !dropped && c == conflicting {
			dropped = true
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Resolver) availableVersions(moduleID string) []string {
	entries := r.catalog.List(models.EntryFilter{ModuleID: moduleID})
	var versions []string
	for _, e := range entries {
		if e.Status == models.ModuleActive || e.Status == models.ModuleInstalled {
			versions = append(versions, e.Definition.Version)
		}
	}
	return versions
}

// capabilityAlternatives finds other modules providing every capability of
// the conflicted selection. Modules already in the graph are skipped.
func (r *Resolver) capabilityAlternatives(st *buildState, moduleID string) []string {
	def, ok := st.defs[moduleID]
	if !ok || len(def.Capabilities) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, capability := range def.Capabilities {
		for _, e := range r.catalog.List(models.EntryFilter{Capability: capability.ID}) {
			if e.Definition.ID == moduleID || st.graph.HasNode(e.Definition.ID) {
				continue
			}
			if e.Status != models.ModuleActive && e.Status != models.ModuleInstalled {
				continue
			}
			counts[e.Definition.ID]++
		}
	}
	var alts []string
	for id, n := range counts {
		if n >= len(def.Capabilities) {
			alts = append(alts, id)
		}
	}
	sort.Strings(alts)
	return alts
}

// finalize assembles the Result from the last build pass.
func (r *Resolver) finalize(req Request, root *models.RegistryEntry, st *buildState, applied []Conflict, adjust *adjustments) *Result {
	result := &Result{
		ModuleID:   root.Definition.ID,
		Version:    root.Definition.Version,
		Unresolved: st.unresolved,
		Warnings:   st.warnings,
		Errors:     st.errors,
		Metadata: Metadata{
			Strategy: req.Strategy,
			Depth:    st.graph.MaxDepth(),
		},
	}

	for _, c := range applied {
		result.Conflicts = append(result.Conflicts, c)
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("version conflict on %s auto-resolved by %s (%s)", c.ModuleID, c.Applied.Action, string(req.Strategy)))
		metrics.ResolutionConflictsTotal.WithLabelValues(string(c.Kind), "auto_resolved").Inc()
	}
	for _, vc := range st.versionConflicts {
		conflict, _ := r.propose(req.Strategy, st, vc, adjust)
		result.Conflicts = append(result.Conflicts, conflict)
		result.Errors = append(result.Errors, models.Errorf(models.ErrDependencyConflict,
			"%s requires %s %s but version %s is selected", vc.requiredBy, vc.moduleID, vc.constraint, vc.selected).
			WithModule(vc.moduleID).
			WithDetail("required by "+vc.requiredBy))
		metrics.ResolutionConflictsTotal.WithLabelValues(string(ConflictVersion), "standing").Inc()
	}

	if cycle := DetectCycle(st.graph); cycle != nil {
		result.Conflicts = append(result.Conflicts, Conflict{
			Kind:     ConflictCircular,
			ModuleID: cycle[0],
			Path:     cycle,
		})
		result.Errors = append(result.Errors, models.Errorf(models.ErrDependencyConflict,
			"circular dependency: %s", joinPath(cycle)).WithModule(cycle[0]))
		metrics.ResolutionConflictsTotal.WithLabelValues(string(ConflictCircular), "standing").Inc()
	} else {
		defs := make([]*models.ModuleDefinition, 0, len(st.defs))
		for _, def := range st.defs {
			defs = append(defs, def)
		}
		for _, c := range DetectDeclaredConflicts(defs) {
			result.Conflicts = append(result.Conflicts, c)
			result.Errors = append(result.Errors, models.Errorf(models.ErrModuleConflict,
				"modules %s and %s declare a conflict and cannot coexist", c.ModuleID, c.ConflictingID).
				WithModule(c.ModuleID).
				WithDetail("conflicts with "+c.ConflictingID))
			metrics.ResolutionConflictsTotal.WithLabelValues(string(ConflictDeclared), "standing").Inc()
		}

		if order, err := st.graph.TopologicalSort(); err == nil {
			for i, id := range order {
				node, _ := st.graph.Node(id)
				result.Resolved = append(result.Resolved, Selection{
					ModuleID:   node.ModuleID,
					Version:    node.Version,
					Status:     node.Status,
					Constraint: joinConstraints(st.constraints[id]),
					Depth:      node.Depth,
					Required:   node.Required,
					Order:      i,
				})
			}
		}
	}

	for _, u := range result.Unresolved {
		result.Errors = append(result.Errors, models.Errorf(models.ErrDependencyUnresolved,
			"required dependency %s %s of %s cannot be satisfied: %s", u.ModuleID, u.Constraint, u.RequiredBy, u.Reason).
			WithModule(u.ModuleID).
			WithDetail("required by "+u.RequiredBy))
	}

	result.Success = len(result.Unresolved) == 0 && len(result.Errors) == 0
	return result
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}

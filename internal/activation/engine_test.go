package activation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduleplane/moduleplane/internal/health"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/registry"
	"github.com/moduleplane/moduleplane/internal/resolver"
	"github.com/moduleplane/moduleplane/internal/rollback"
	"github.com/moduleplane/moduleplane/internal/storage"
	"github.com/moduleplane/moduleplane/internal/traffic"
)

type fakeLoader struct {
	mu      sync.Mutex
	digest  string
	err     error
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (l *fakeLoader) Fetch(ctx context.Context, moduleID, version string) (*models.Artifact, error) {
	l.mu.Lock()
	digest, err, block, entered := l.digest, l.err, l.block, l.entered
	l.mu.Unlock()
	if entered != nil {
		l.once.Do(func() { close(entered) })
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &models.Artifact{ModuleID: moduleID, Version: version, Digest: digest, FetchedAt: time.Now().UTC()}, nil
}

type fakeMigrator struct {
	mu       sync.Mutex
	applied  []string
	reverted []string
	failOn   string
	block    chan struct{}
	entered  chan struct{}
	once     sync.Once
}

func (m *fakeMigrator) Apply(ctx context.Context, moduleID, version string, mig models.Migration) error {
	m.mu.Lock()
	failOn, block, entered := m.failOn, m.block, m.entered
	m.mu.Unlock()
	if entered != nil {
		m.once.Do(func() { close(entered) })
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failOn == mig.Version {
		return errors.New("migration exploded")
	}
	m.mu.Lock()
	m.applied = append(m.applied, mig.Version)
	m.mu.Unlock()
	return nil
}

func (m *fakeMigrator) Rollback(ctx context.Context, moduleID, version string, mig models.Migration) error {
	m.mu.Lock()
	m.reverted = append(m.reverted, mig.Version)
	m.mu.Unlock()
	return nil
}

func (m *fakeMigrator) appliedVersions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

func (m *fakeMigrator) revertedVersions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reverted...)
}

type fakeIsolator struct {
	mu     sync.Mutex
	scopes []models.Scope
	config map[string]any
	err    error
}

func (f *fakeIsolator) EnsureScope(ctx context.Context, scope models.Scope, quotas models.ResourceLimits) (*models.Namespace, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.scopes = append(f.scopes, scope)
	f.mu.Unlock()
	return &models.Namespace{
		ID:       scope.TenantID + "/" + scope.ModuleID,
		Path:     scope.TenantID + "." + scope.ModuleID,
		ModuleID: scope.ModuleID,
		TenantID: scope.TenantID,
	}, nil
}

func (f *fakeIsolator) ConfigSnapshot(ctx context.Context, scope models.Scope) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.config == nil {
		return map[string]any{}, nil
	}
	return f.config, nil
}

// env is the near-integration harness: real registry, resolver, router,
// health checker and rollback controller over in-memory storage; only the
// outward ports (loader, migrator, isolator) are fakes.
type env struct {
	clock    *clockwork.FakeClock
	store    *storage.Memory
	registry *registry.Registry
	health   *health.Checker
	traffic  *traffic.Router
	loader   *fakeLoader
	migrator *fakeMigrator
	isolator *fakeIsolator
	engine   *Engine
}

func newEnv(t *testing.T, tune ...func(*Options)) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))

	store := storage.NewMemory()
	reg := registry.New(store, clock, log)
	res := resolver.New(reg, resolver.Options{Logger: log, Clock: clock})
	checker := health.NewChecker(health.Options{Logger: log, Clock: clock})
	router := traffic.NewRouter(clock)
	controller := rollback.NewController(rollback.Options{Logger: log, Clock: clock})

	e := &env{
		clock:    clock,
		store:    store,
		registry: reg,
		health:   checker,
		traffic:  router,
		loader:   &fakeLoader{},
		migrator: &fakeMigrator{},
		isolator: &fakeIsolator{},
	}
	opts := Options{
		Registry: reg,
		Resolver: res,
		Health:   checker,
		Traffic:  router,
		Rollback: controller,
		Store:    store,
		Isolator: e.isolator,
		Loader:   e.loader,
		Migrator: e.migrator,
		Clock:    clock,
		Logger:   log,
	}
	for _, fn := range tune {
		fn(&opts)
	}
	e.engine = New(opts)
	t.Cleanup(e.engine.Close)
	return e
}

func (e *env) register(t *testing.T, def *models.ModuleDefinition) {
	t.Helper()
	_, err := e.registry.Register(context.Background(), def)
	require.NoError(t, err)
}

func def(id, version string, mut ...func(*models.ModuleDefinition)) *models.ModuleDefinition {
	d := &models.ModuleDefinition{
		ID:      id,
		Name:    id,
		Version: version,
		Routes:  []models.RouteSpec{{Path: "/" + id, Method: "GET"}},
		Lifecycle: models.LifecyclePolicy{
			AutomaticRollback: true,
		},
	}
	for _, fn := range mut {
		fn(d)
	}
	return d
}

func failingProbe(checker *health.Checker, name string) {
	checker.RegisterCustom(name, func(ctx context.Context) error {
		return errors.New("probe says no")
	})
}

func passingProbe(checker *health.Checker, name string) {
	checker.RegisterCustom(name, func(ctx context.Context) error { return nil })
}

func customCheck(name string, critical bool) models.HealthCheckSpec {
	return models.HealthCheckSpec{ID: name, Type: models.ProbeCustom, Target: name, Critical: critical}
}

func stepStatus(t *testing.T, actx *models.ActivationContext, name string) models.StepStatus {
	t.Helper()
	for _, rec := range actx.Steps {
		if rec.Name == name {
			return rec.Status
		}
	}
	t.Fatalf("no step record for %q", name)
	return ""
}

func TestActivateInstantHappyPath(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, models.StateActive, res.State)
	require.NotEmpty(t, res.ActivationID)

	version, ok := e.registry.ActiveVersion("acme", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", version)

	routedVersion, percent, ok := e.traffic.Weight("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", routedVersion)
	assert.Equal(t, 100, percent)

	live, ok := e.engine.Surface().Live("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", live.Version)

	actx, found := e.engine.Status(context.Background(), res.ActivationID)
	require.True(t, found)
	assert.Equal(t, models.StateActive, actx.State)
	require.NotNil(t, actx.CompletedAt)
	assert.Equal(t, models.StepCompleted, stepStatus(t, actx, "validate"))
	assert.Equal(t, models.StepCompleted, stepStatus(t, actx, "activate"))
	// No artifact and no migrations declared, so those steps skip.
	assert.Equal(t, models.StepSkipped, stepStatus(t, actx, "load"))
	assert.Equal(t, models.StepSkipped, stepStatus(t, actx, "migrate"))
	assert.Equal(t, []int{100}, trafficPercents(actx))
}

func trafficPercents(actx *models.ActivationContext) []int {
	out := make([]int, 0, len(actx.Traffic))
	for _, shift := range actx.Traffic {
		out = append(out, shift.Percent)
	}
	return out
}

func TestActivateEmptyVersionPicksLatest(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	e.register(t, def("billing", "1.2.0"))
	e.register(t, def("billing", "1.10.0"))

	res := e.engine.Activate(context.Background(), "billing", "", "acme", models.ActivationOptions{})
	require.True(t, res.Success, "errors: %v", res.Errors)

	version, ok := e.registry.ActiveVersion("acme", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.10.0", version)
}

func TestActivateUnknownModuleRefused(t *testing.T) {
	e := newEnv(t)

	res := e.engine.Activate(context.Background(), "ghost", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	assert.Equal(t, models.StatePending, res.State)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, models.ErrValidation, res.Errors[0].Kind)
}

func TestActivateUnresolvedDependencyLeavesNoTrace(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Dependencies = []models.Dependency{{ModuleID: "ledger", Constraint: ">=1.0.0", Type: models.DependencyRequired}}
	}))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	assert.Equal(t, models.StatePending, res.State)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, models.ErrDependencyUnresolved, res.Errors[0].Kind)

	// Nothing moved: no active version, entry status untouched, no route,
	// no surface.
	_, ok := e.registry.ActiveVersion("acme", "billing")
	assert.False(t, ok)
	entry, ok := e.registry.Get("billing", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, models.ModuleInstalled, entry.Status)
	_, _, routed := e.traffic.Weight("billing", "acme")
	assert.False(t, routed)
	_, live := e.engine.Surface().Live("billing", "acme")
	assert.False(t, live)

	actx, found := e.engine.Status(context.Background(), res.ActivationID)
	require.True(t, found)
	assert.Equal(t, models.StatePending, actx.State)
	assert.Equal(t, models.StepFailed, stepStatus(t, actx, "validate"))
}

func TestActivateRequiredDependencyMustBeActive(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("ledger", "1.0.0"))
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Dependencies = []models.Dependency{{ModuleID: "ledger", Constraint: ">=1.0.0", Type: models.DependencyRequired}}
	}))

	// Registered but not active for the tenant: still a refusal.
	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, models.ErrDependencyUnresolved, res.Errors[0].Kind)
	assert.Equal(t, models.StatePending, res.State)

	// Activating the dependency first clears the path.
	dep := e.engine.Activate(context.Background(), "ledger", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, dep.Success, "errors: %v", dep.Errors)
	res = e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, res.Success, "errors: %v", res.Errors)
}

func TestActivateOptionalDependencyIsWarning(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Dependencies = []models.Dependency{{ModuleID: "reports", Constraint: ">=1.0.0", Type: models.DependencyOptional}}
	}))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, res.Success, "errors: %v", res.Errors)
	require.NotEmpty(t, res.Warnings)
}

func TestActivateDeprecatedNeedsForce(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	require.NoError(t, e.registry.SetStatus(context.Background(), "billing", "1.0.0", models.ModuleDeprecated))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	assert.Equal(t, models.StatePending, res.State)
	assert.Equal(t, models.ErrValidation, res.Errors[0].Kind)

	forced := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{Force: true})
	require.True(t, forced.Success, "errors: %v", forced.Errors)
}

func TestActivateOutsideWindowRefused(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))

	// Clock is pinned to a Monday 10:00 UTC; the window only opens Sundays.
	window := &models.ActivationWindow{DayOfWeek: 0, StartHour: 2, DurationMinutes: 60}
	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{Window: window})
	require.False(t, res.Success)
	assert.Equal(t, models.StatePending, res.State)
	assert.Equal(t, models.ErrValidation, res.Errors[0].Kind)

	forced := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{Window: window, Force: true})
	require.True(t, forced.Success, "errors: %v", forced.Errors)
}

func TestUpgradeHealthFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	failingProbe(e.health, "billing-main")
	e.register(t, def("billing", "1.1.0", func(d *models.ModuleDefinition) {
		d.Lifecycle.HealthChecks = []models.HealthCheckSpec{customCheck("billing-main", true)}
	}))

	first := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, first.Success, "errors: %v", first.Errors)

	res := e.engine.Activate(context.Background(), "billing", "1.1.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	assert.Equal(t, models.StateRolledBack, res.State)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, models.ErrHealthCheckFailed, res.Errors[0].Kind)

	// The previous version serves again at full weight.
	version, ok := e.registry.ActiveVersion("acme", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", version)
	routedVersion, percent, ok := e.traffic.Weight("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", routedVersion)
	assert.Equal(t, 100, percent)

	// The failed attempt is marked, the survivor untouched.
	failed, ok := e.registry.Get("billing", "1.1.0")
	require.True(t, ok)
	assert.Equal(t, models.ModuleFailed, failed.Status)
	prior, ok := e.registry.Get("billing", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, models.ModuleActive, prior.Status)

	live, ok := e.engine.Surface().Live("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", live.Version)

	actx, found := e.engine.Status(context.Background(), res.ActivationID)
	require.True(t, found)
	assert.Equal(t, models.StateRolledBack, actx.State)
	assert.Equal(t, "1.0.0", actx.PreviousVersion)
	assert.Equal(t, models.StepRolledBack, stepStatus(t, actx, "activate"))
}

func TestFirstActivationHealthFailureDrains(t *testing.T) {
	e := newEnv(t)
	failingProbe(e.health, "billing-main")
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Lifecycle.HealthChecks = []models.HealthCheckSpec{customCheck("billing-main", true)}
	}))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	assert.Equal(t, models.StateRolledBack, res.State)

	// No previous version: traffic drains to zero and nothing stays active.
	_, ok := e.registry.ActiveVersion("acme", "billing")
	assert.False(t, ok)
	_, percent, ok := e.traffic.Weight("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, 0, percent)
	entry, ok := e.registry.Get("billing", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, models.ModuleFailed, entry.Status)
	_, live := e.engine.Surface().Live("billing", "acme")
	assert.False(t, live)
}

func TestRollbackDisabledLeavesFailedState(t *testing.T) {
	e := newEnv(t)
	failingProbe(e.health, "billing-main")
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Lifecycle.AutomaticRollback = false
		d.Lifecycle.HealthChecks = []models.HealthCheckSpec{customCheck("billing-main", true)}
	}))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	assert.Equal(t, models.StateFailed, res.State)

	// The attempt is demoted so the single-active invariant holds even
	// without compensation.
	_, ok := e.registry.ActiveVersion("acme", "billing")
	assert.False(t, ok)
	entry, ok := e.registry.Get("billing", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, models.ModuleFailed, entry.Status)
}

func TestRollbackOptionOverridesLifecyclePolicy(t *testing.T) {
	e := newEnv(t)
	failingProbe(e.health, "billing-main")
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Lifecycle.AutomaticRollback = false
		d.Lifecycle.HealthChecks = []models.HealthCheckSpec{customCheck("billing-main", true)}
	}))

	on := true
	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme",
		models.ActivationOptions{AutomaticRollback: &on})
	require.False(t, res.Success)
	assert.Equal(t, models.StateRolledBack, res.State)
}

func TestDegradedHealthIsWarningNotFailure(t *testing.T) {
	e := newEnv(t)
	failingProbe(e.health, "billing-side")
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Lifecycle.HealthChecks = []models.HealthCheckSpec{customCheck("billing-side", false)}
	}))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, res.Success, "errors: %v", res.Errors)
	require.NotEmpty(t, res.Warnings)
}

func TestMigrationFailureRollsBackApplied(t *testing.T) {
	e := newEnv(t)
	e.migrator.failOn = "m2"
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Migrations = []models.Migration{
			{Version: "m1", Additive: true, Script: "alter1", RollbackScript: "undo1"},
			{Version: "m2", Additive: true, Script: "alter2", RollbackScript: "undo2"},
		}
	}))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	assert.Equal(t, models.StateRolledBack, res.State)
	assert.Equal(t, models.ErrMigrationFailed, res.Errors[0].Kind)

	assert.Equal(t, []string{"m1"}, e.migrator.appliedVersions())
	assert.Equal(t, []string{"m1"}, e.migrator.revertedVersions())
}

func TestGradualRolloutRecordsTrace(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{
		Rollout: models.RolloutSpec{
			Kind:    models.RolloutGradual,
			Traffic: models.TrafficShifting{Initial: 10, Increment: 30},
		},
	})
	require.True(t, res.Success, "errors: %v", res.Errors)

	actx, found := e.engine.Status(context.Background(), res.ActivationID)
	require.True(t, found)
	assert.Equal(t, []int{10, 40, 70, 100}, trafficPercents(actx))
	assert.Equal(t, models.RolloutGradual, actx.Strategy)
}

func TestArtifactDigestMismatchFailsLoad(t *testing.T) {
	e := newEnv(t)
	e.loader.digest = "sha256:feedface"
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.ArtifactDigest = "sha256:deadbeef"
	}))

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, models.ErrCritical, res.Errors[0].Kind)

	actx, found := e.engine.Status(context.Background(), res.ActivationID)
	require.True(t, found)
	assert.Equal(t, models.StepFailed, stepStatus(t, actx, "load"))
}

func TestAlreadyActiveVersionShortCircuits(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))

	first := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, first.Success)

	second := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, second.Success)
	assert.Equal(t, models.StateActive, second.State)
	require.NotEmpty(t, second.Warnings)
	assert.Contains(t, second.Warnings[0], "already active")

	actx, found := e.engine.Status(context.Background(), second.ActivationID)
	require.True(t, found)
	assert.Empty(t, actx.Steps)
}

func TestIdempotencyKeyReplaysOutcome(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))

	opts := models.ActivationOptions{IdempotencyKey: "req-42"}
	first := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", opts)
	require.True(t, first.Success)

	replay := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", opts)
	require.True(t, replay.Success)
	assert.Equal(t, first.ActivationID, replay.ActivationID)
	require.NotEmpty(t, replay.Warnings)
	assert.Contains(t, replay.Warnings[0], "idempotent replay")
}

func TestConcurrentActivationRejectPolicy(t *testing.T) {
	e := newEnv(t)
	e.loader.digest = "sha256:cafe"
	e.loader.block = make(chan struct{})
	e.loader.entered = make(chan struct{})
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.ArtifactDigest = "sha256:cafe"
	}))
	e.register(t, def("billing", "1.1.0"))

	var wg sync.WaitGroup
	wg.Add(1)
	var first *models.ActivationResult
	go func() {
		defer wg.Done()
		first = e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	}()

	select {
	case <-e.loader.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first activation never reached the load step")
	}

	busy := e.engine.Activate(context.Background(), "billing", "1.1.0", "acme",
		models.ActivationOptions{QueuePolicy: models.QueueReject})
	require.False(t, busy.Success)
	require.NotEmpty(t, busy.Errors)
	assert.Equal(t, models.ErrActivationInProgress, busy.Errors[0].Kind)

	close(e.loader.block)
	wg.Wait()
	require.True(t, first.Success, "errors: %v", first.Errors)

	version, ok := e.registry.ActiveVersion("acme", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", version)
}

func TestConcurrentActivationWaitPolicySerializes(t *testing.T) {
	e := newEnv(t)
	e.loader.digest = "sha256:cafe"
	e.loader.block = make(chan struct{})
	e.loader.entered = make(chan struct{})
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.ArtifactDigest = "sha256:cafe"
	}))
	e.register(t, def("billing", "1.1.0"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	}()
	select {
	case <-e.loader.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first activation never reached the load step")
	}

	wg.Add(1)
	var second *models.ActivationResult
	go func() {
		defer wg.Done()
		second = e.engine.Activate(context.Background(), "billing", "1.1.0", "acme",
			models.ActivationOptions{QueuePolicy: models.QueueWait})
	}()

	// Give the second activation a moment to park on the lock, then let the
	// first one finish.
	time.Sleep(50 * time.Millisecond)
	close(e.loader.block)
	wg.Wait()

	require.NotNil(t, second)
	require.True(t, second.Success, "errors: %v", second.Errors)
	version, ok := e.registry.ActiveVersion("acme", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", version)

	actx, found := e.engine.Status(context.Background(), second.ActivationID)
	require.True(t, found)
	assert.Equal(t, "1.0.0", actx.PreviousVersion)
}

func TestGlobalConcurrencyCapRejects(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.MaxConcurrent = 1 })
	e.loader.digest = "sha256:cafe"
	e.loader.block = make(chan struct{})
	e.loader.entered = make(chan struct{})
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.ArtifactDigest = "sha256:cafe"
	}))
	e.register(t, def("reports", "1.0.0"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	}()
	select {
	case <-e.loader.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first activation never reached the load step")
	}

	// A different module, so only the global cap can refuse it.
	busy := e.engine.Activate(context.Background(), "reports", "1.0.0", "acme",
		models.ActivationOptions{QueuePolicy: models.QueueReject})
	require.False(t, busy.Success)
	require.NotEmpty(t, busy.Errors)
	assert.Equal(t, models.ErrResourceLimit, busy.Errors[0].Kind)

	close(e.loader.block)
	wg.Wait()
}

func TestCancelMidActivationRollsBack(t *testing.T) {
	e := newEnv(t)
	e.migrator.block = make(chan struct{})
	e.migrator.entered = make(chan struct{})
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Migrations = []models.Migration{{Version: "m1", Additive: true, Script: "alter1", RollbackScript: "undo1"}}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var res *models.ActivationResult
	go func() {
		defer wg.Done()
		res = e.engine.Activate(ctx, "billing", "1.0.0", "acme", models.ActivationOptions{})
	}()

	select {
	case <-e.migrator.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("activation never reached the migrate step")
	}
	cancel()
	wg.Wait()

	require.False(t, res.Success)
	assert.Equal(t, models.StateRolledBack, res.State)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, models.ErrCritical, res.Errors[0].Kind)

	// The staged surface from the register step was discarded.
	_, staged := e.engine.Surface().Staged("billing", "acme")
	assert.False(t, staged)
	_, ok := e.registry.ActiveVersion("acme", "billing")
	assert.False(t, ok)
}

func TestStartRunsDetachedFromCaller(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the caller is already gone
	id, early := e.engine.Start(ctx, "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.Nil(t, early)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		actx, found := e.engine.Status(context.Background(), id)
		return found && actx.State == models.StateActive
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeactivateDrainsAndDemotes(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	require.True(t, e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{}).Success)

	res := e.engine.Deactivate(context.Background(), "billing", "acme")
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, "inactive", res.State)

	_, ok := e.registry.ActiveVersion("acme", "billing")
	assert.False(t, ok)
	_, percent, ok := e.traffic.Weight("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, 0, percent)
	entry, ok := e.registry.Get("billing", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, models.ModuleInactive, entry.Status)
	_, live := e.engine.Surface().Live("billing", "acme")
	assert.False(t, live)

	again := e.engine.Deactivate(context.Background(), "billing", "acme")
	require.False(t, again.Success)
	assert.Equal(t, models.ErrValidation, again.Errors[0].Kind)
}

func TestManualRollbackRestoresPrevious(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	e.register(t, def("billing", "1.1.0"))

	require.True(t, e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{}).Success)
	upgrade := e.engine.Activate(context.Background(), "billing", "1.1.0", "acme", models.ActivationOptions{})
	require.True(t, upgrade.Success, "errors: %v", upgrade.Errors)

	res := e.engine.RollbackActivation(context.Background(), upgrade.ActivationID)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, string(models.StateRolledBack), res.State)

	version, ok := e.registry.ActiveVersion("acme", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", version)
	routedVersion, percent, ok := e.traffic.Weight("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", routedVersion)
	assert.Equal(t, 100, percent)
	live, ok := e.engine.Surface().Live("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", live.Version)

	actx, found := e.engine.Status(context.Background(), upgrade.ActivationID)
	require.True(t, found)
	assert.Equal(t, models.StateRolledBack, actx.State)
}

func TestManualRollbackUnknownActivation(t *testing.T) {
	e := newEnv(t)
	res := e.engine.RollbackActivation(context.Background(), "nope")
	require.False(t, res.Success)
	assert.Equal(t, models.ErrValidation, res.Errors[0].Kind)
}

func TestManualRollbackTwiceIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	act := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, act.Success)

	first := e.engine.RollbackActivation(context.Background(), act.ActivationID)
	require.True(t, first.Success, "errors: %v", first.Errors)

	second := e.engine.RollbackActivation(context.Background(), act.ActivationID)
	require.True(t, second.Success)
	require.NotEmpty(t, second.Warnings)
	assert.Contains(t, second.Warnings[0], "already rolled back")
}

func TestHistoryNewestFirstWithFilters(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	e.register(t, def("reports", "1.0.0"))

	require.True(t, e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{}).Success)
	e.clock.Advance(time.Minute)
	require.True(t, e.engine.Activate(context.Background(), "reports", "1.0.0", "acme", models.ActivationOptions{}).Success)
	e.clock.Advance(time.Minute)
	require.True(t, e.engine.Activate(context.Background(), "billing", "1.0.0", "globex", models.ActivationOptions{}).Success)

	all, err := e.engine.History(context.Background(), "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "globex", all[0].TenantID)

	acme, err := e.engine.History(context.Background(), "acme", "", 0)
	require.NoError(t, err)
	require.Len(t, acme, 2)
	assert.Equal(t, "reports", acme[0].ModuleID)
	assert.Equal(t, "billing", acme[1].ModuleID)

	billing, err := e.engine.History(context.Background(), "", "billing", 1)
	require.NoError(t, err)
	require.Len(t, billing, 1)
	assert.Equal(t, "globex", billing[0].TenantID)
}

func TestEventStreamOrderAndSeq(t *testing.T) {
	e := newEnv(t)
	passingProbe(e.health, "billing-main")
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Lifecycle.HealthChecks = []models.HealthCheckSpec{customCheck("billing-main", true)}
	}))

	events, stop := e.engine.Bus().Subscribe()
	defer stop()

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.True(t, res.Success, "errors: %v", res.Errors)

	var got []models.ActivationEvent
	deadline := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case ev := <-events:
			got = append(got, ev)
			done = ev.Kind == models.EventAfterActivate
		case <-deadline:
			t.Fatalf("event stream never completed; got %d events", len(got))
		}
		if done {
			break
		}
	}

	require.NotEmpty(t, got)
	assert.Equal(t, models.EventBeforeActivate, got[0].Kind)
	assert.Equal(t, models.EventAfterActivate, got[len(got)-1].Kind)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq, "event %d (%s) out of order", i, ev.Kind)
		assert.Equal(t, res.ActivationID, ev.ActivationID)
	}

	var shifted, verdicts int
	for _, ev := range got {
		switch ev.Kind {
		case models.EventTrafficShifted:
			shifted++
		case models.EventHealthVerdict:
			verdicts++
		}
	}
	assert.Equal(t, 1, shifted, "instant rollout shifts once")
	assert.Equal(t, 2, verdicts, "one baseline verdict from warm, one verification pass")
}

func TestConflictingActiveModuleRefused(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("legacy-billing", "1.0.0"))
	e.register(t, def("billing", "1.0.0", func(d *models.ModuleDefinition) {
		d.Conflicts = []string{"legacy-billing"}
	}))
	require.True(t, e.engine.Activate(context.Background(), "legacy-billing", "1.0.0", "acme", models.ActivationOptions{}).Success)

	res := e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, models.ErrModuleConflict, res.Errors[0].Kind)
}

func TestTenantIsolationSeparateActivations(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))
	e.register(t, def("billing", "1.1.0"))

	require.True(t, e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{}).Success)
	require.True(t, e.engine.Activate(context.Background(), "billing", "1.1.0", "globex", models.ActivationOptions{}).Success)

	acmeVersion, ok := e.registry.ActiveVersion("acme", "billing")
	require.True(t, ok)
	globexVersion, ok := e.registry.ActiveVersion("globex", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", acmeVersion)
	assert.Equal(t, "1.1.0", globexVersion)

	// Both versions active, each for its own tenant.
	v1, _ := e.registry.Get("billing", "1.0.0")
	v2, _ := e.registry.Get("billing", "1.1.0")
	assert.Equal(t, models.ModuleActive, v1.Status)
	assert.Equal(t, models.ModuleActive, v2.Status)
}

func TestSandboxProvisionedOncePerScope(t *testing.T) {
	e := newEnv(t)
	e.register(t, def("billing", "1.0.0"))

	require.True(t, e.engine.Activate(context.Background(), "billing", "1.0.0", "acme", models.ActivationOptions{}).Success)
	require.Len(t, e.isolator.scopes, 1)
	assert.Equal(t, models.Scope{ModuleID: "billing", TenantID: "acme"}, e.isolator.scopes[0])
}

// Package activation drives modules from pending to active through the
// lifecycle state machine: validate, prepare, load, register, migrate, warm,
// activate, verify. Each step carries an undo action; failures hand the
// completed steps to the rollback controller in reverse order. Activations
// for one (module, tenant) are serialized, the global degree of parallelism
// is bounded, and every attempt emits an ordered event stream.
package activation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/moduleplane/moduleplane/internal/audit"
	"github.com/moduleplane/moduleplane/internal/health"
	"github.com/moduleplane/moduleplane/internal/identity"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
	"github.com/moduleplane/moduleplane/internal/pkg/tracing"
	"github.com/moduleplane/moduleplane/internal/pkg/validate"
	"github.com/moduleplane/moduleplane/internal/registry"
	"github.com/moduleplane/moduleplane/internal/resolver"
	"github.com/moduleplane/moduleplane/internal/rollback"
	"github.com/moduleplane/moduleplane/internal/storage"
	"github.com/moduleplane/moduleplane/internal/traffic"
)

const (
	DefaultMaxConcurrent = 16
	DefaultTimeout       = 5 * time.Minute
	DefaultStepTimeout   = time.Minute
	DefaultQueueTimeout  = 2 * time.Minute
)

// Options wires an Engine. Registry, Resolver, Health, Traffic, Rollback and
// Store are required; the rest defaults or stays disabled when nil.
type Options struct {
	Registry *registry.Registry
	Resolver *resolver.Resolver
	Health   *health.Checker
	Traffic  *traffic.Router
	Rollback *rollback.Controller
	Store    storage.Adapter

	Isolator Isolator
	Loader   Loader
	Migrator MigrationRunner
	Audit    *audit.Recorder

	Clock  clockwork.Clock
	Logger *slog.Logger
	IDFunc func() string

	MaxConcurrent int
	Timeout       time.Duration
	StepTimeout   time.Duration
	QueueTimeout  time.Duration
}

// Engine owns activation state: the per-key locks, the global slot
// semaphore, the event bus, the integration surface and the per-attempt
// contexts.
type Engine struct {
	registry *registry.Registry
	resolver *resolver.Resolver
	health   *health.Checker
	traffic  *traffic.Router
	rollback *rollback.Controller
	store    storage.Adapter

	isolator Isolator
	loader   Loader
	migrator MigrationRunner
	audit    *audit.Recorder

	surface *Surface
	bus     *Bus
	clock   clockwork.Clock
	log     *slog.Logger
	newID   func() string

	sem          *semaphore.Weighted
	locks        *keyedLocks
	timeout      time.Duration
	stepTimeout  time.Duration
	queueTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*models.ActivationContext // in-flight snapshots by id
	idem   map[string]string                    // idempotency key -> activation id
	recVer map[string]int64                     // activation id -> storage record version
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDFunc == nil {
		opts.IDFunc = uuid.NewString
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry:     opts.Registry,
		resolver:     opts.Resolver,
		health:       opts.Health,
		traffic:      opts.Traffic,
		rollback:     opts.Rollback,
		store:        opts.Store,
		isolator:     opts.Isolator,
		loader:       opts.Loader,
		migrator:     opts.Migrator,
		audit:        opts.Audit,
		surface:      NewSurface(opts.Clock),
		bus:          NewBus(0, opts.Logger),
		clock:        opts.Clock,
		log:          opts.Logger.With("component", "activation"),
		newID:        opts.IDFunc,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		locks:        newKeyedLocks(),
		timeout:      opts.Timeout,
		stepTimeout:  opts.StepTimeout,
		queueTimeout: opts.QueueTimeout,
		ctx:          ctx,
		cancel:       cancel,
		runs:         make(map[string]*models.ActivationContext),
		idem:         make(map[string]string),
		recVer:       make(map[string]int64),
	}
}

// Close cancels in-flight activations and waits for their rollbacks to
// settle, then shuts the event bus down.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	e.bus.Close()
}

// Bus exposes the activation event stream.
func (e *Engine) Bus() *Bus { return e.bus }

// Surface exposes the live integration surface registrar.
func (e *Engine) Surface() *Surface { return e.surface }

// Activate runs one activation synchronously and returns its outcome
// envelope. All domain failures are inside the envelope; Activate itself
// never panics on bad input.
func (e *Engine) Activate(ctx context.Context, moduleID, version, tenantID string, opts models.ActivationOptions) *models.ActivationResult {
	actx, early := e.begin(ctx, moduleID, version, tenantID, opts)
	if early != nil {
		return early
	}
	return e.execute(ctx, actx)
}

// Start launches the activation asynchronously and returns its id. The run
// is bounded by the engine's lifetime, not the request context; callers
// poll Status or subscribe to the event bus.
func (e *Engine) Start(ctx context.Context, moduleID, version, tenantID string, opts models.ActivationOptions) (string, *models.ActivationResult) {
	actx, early := e.begin(ctx, moduleID, version, tenantID, opts)
	if early != nil {
		return early.ActivationID, early
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(e.ctx, actx)
	}()
	return actx.ID, nil
}

// begin validates identifiers, refuses unregistered targets, answers
// idempotent replays, and registers a fresh pending context. A non-nil
// result means "answer now, nothing started".
func (e *Engine) begin(ctx context.Context, moduleID, version, tenantID string, opts models.ActivationOptions) (*models.ActivationContext, *models.ActivationResult) {
	if !validate.ModuleID(moduleID) {
		return nil, &models.ActivationResult{
			State:  models.StatePending,
			Errors: []*models.Error{models.Errorf(models.ErrValidation, "invalid module id %q", moduleID)},
		}
	}
	if !validate.TenantID(tenantID) {
		return nil, &models.ActivationResult{
			State:  models.StatePending,
			Errors: []*models.Error{models.Errorf(models.ErrValidation, "invalid tenant id %q", tenantID).WithModule(moduleID)},
		}
	}
	if version == "" {
		// Default to the highest registered version.
		entries := e.registry.List(models.EntryFilter{ModuleID: moduleID})
		if len(entries) > 0 {
			version = entries[len(entries)-1].Definition.Version
		}
	}
	if _, ok := e.registry.Get(moduleID, version); !ok {
		// The validate step re-checks under the activation lock; this early
		// answer spares unknown targets an async run that can only fail.
		return nil, &models.ActivationResult{
			State: models.StatePending,
			Errors: []*models.Error{models.Errorf(models.ErrValidation, "module %s@%s is not registered",
				moduleID, version).WithModule(moduleID)},
		}
	}

	if key := opts.IdempotencyKey; key != "" {
		e.mu.RLock()
		id, ok := e.idem[idemKey(tenantID, moduleID, key)]
		e.mu.RUnlock()
		if ok {
			if prior, found := e.Status(ctx, id); found {
				res := &models.ActivationResult{
					Success:      prior.State == models.StateActive,
					ActivationID: prior.ID,
					State:        prior.State,
					Warnings:     []string{"idempotent replay of activation " + prior.ID},
				}
				return nil, res
			}
		}
	}

	actx := &models.ActivationContext{
		ID:        e.newID(),
		ModuleID:  moduleID,
		Version:   version,
		TenantID:  tenantID,
		State:     models.StatePending,
		Strategy:  strategyKind(opts.Rollout.Kind),
		Options:   opts,
		StartedAt: e.clock.Now().UTC(),
	}
	e.mu.Lock()
	e.runs[actx.ID] = cloneContext(actx)
	if opts.IdempotencyKey != "" {
		e.idem[idemKey(tenantID, moduleID, opts.IdempotencyKey)] = actx.ID
	}
	e.mu.Unlock()
	e.persist(ctx, actx)
	return actx, nil
}

// execute is the activation run loop: acquire a slot and the key lock, walk
// the pipeline, and settle success or failure.
func (e *Engine) execute(ctx context.Context, actx *models.ActivationContext) *models.ActivationResult {
	log := e.log.With(
		"activation_id", actx.ID,
		"module_id", actx.ModuleID,
		"tenant_id", actx.TenantID,
		"module_version", actx.Version,
	)
	ctx, span := tracing.StartSpanWithAttributes(ctx, "activation.run",
		attribute.String("module.id", actx.ModuleID),
		attribute.String("module.version", actx.Version),
		attribute.String("tenant.id", actx.TenantID),
		attribute.String("rollout.strategy", string(actx.Strategy)),
	)
	defer span.End()

	r := &run{e: e, actx: actx, opts: actx.Options, log: log}
	wait := actx.Options.QueuePolicy != models.QueueReject

	acquireCtx := ctx
	if wait {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.queueTimeout)
		defer cancel()
	}

	if wait {
		if err := e.sem.Acquire(acquireCtx, 1); err != nil {
			return e.refuse(ctx, r, models.Errorf(models.ErrResourceLimit,
				"activation queue is full: no slot within %s", e.queueTimeout).
				WithModule(actx.ModuleID).WithTenant(actx.TenantID))
		}
	} else if !e.sem.TryAcquire(1) {
		return e.refuse(ctx, r, models.Errorf(models.ErrResourceLimit,
			"max concurrent activations reached").
			WithModule(actx.ModuleID).WithTenant(actx.TenantID))
	}
	defer e.sem.Release(1)

	release, err := e.locks.acquire(acquireCtx, lockKey(actx.ModuleID, actx.TenantID), wait)
	if err != nil {
		msg := "activation already in progress for " + lockKey(actx.ModuleID, actx.TenantID)
		if !errors.Is(err, errLockHeld{}) {
			msg = "timed out waiting for the in-progress activation of " + lockKey(actx.ModuleID, actx.TenantID)
		}
		return e.refuse(ctx, r, models.Errorf(models.ErrActivationInProgress, "%s", msg).
			WithModule(actx.ModuleID).WithTenant(actx.TenantID))
	}
	defer release()

	// A waiting caller may find its target already serving once it gets the
	// lock. That is success, not a conflict.
	if cur, ok := e.registry.ActiveVersion(actx.TenantID, actx.ModuleID); ok && cur == actx.Version && !actx.Options.Force {
		actx.State = models.StateActive
		e.finish(ctx, r, true, nil)
		log.Info("activation satisfied by already-active version")
		return &models.ActivationResult{
			Success:      true,
			ActivationID: actx.ID,
			State:        models.StateActive,
			Warnings:     []string{"version " + actx.Version + " is already active"},
		}
	}

	metrics.ActivationsInFlight.Inc()
	defer metrics.ActivationsInFlight.Dec()
	started := e.clock.Now()

	runCtx, cancelRun := context.WithTimeout(ctx, e.runBudget(actx))
	defer cancelRun()

	log.Info("activation started", "strategy", string(actx.Strategy))
	r.emit(models.EventBeforeActivate, map[string]any{
		"version":  actx.Version,
		"strategy": string(actx.Strategy),
	})

	var undo []rollback.Action
	var failure *models.Error
	var failedStep string
	for i, st := range r.pipeline() {
		if err := e.advance(actx, st.state); err != nil {
			failure, failedStep = models.AsError(err, models.ErrCritical), st.name
			break
		}
		idx := len(actx.Steps)
		now := e.clock.Now().UTC()
		actx.Steps = append(actx.Steps, models.StepRecord{
			Name:      st.name,
			Position:  i,
			Critical:  st.critical,
			Status:    models.StepRunning,
			StartedAt: &now,
		})
		r.emit(models.EventStepStarted, map[string]any{"step": st.name})

		stepCtx := runCtx
		if budget := e.stepBudget(r, st); budget > 0 {
			var cancelStep context.CancelFunc
			stepCtx, cancelStep = context.WithTimeout(runCtx, budget)
			defer cancelStep()
		}
		stepCtx, stepSpan := tracing.StartSpan(stepCtx, "activation.step."+st.name)
		stepStart := e.clock.Now()
		err := st.run(stepCtx)
		elapsed := e.clock.Since(stepStart)
		stepSpan.End()

		rec := &actx.Steps[idx]
		done := e.clock.Now().UTC()
		rec.CompletedAt = &done
		rec.DurationMs = elapsed.Milliseconds()
		metrics.ActivationStepDurationSeconds.WithLabelValues(st.name).Observe(elapsed.Seconds())

		if err == nil {
			rec.Status = models.StepCompleted
			if st.undo != nil {
				undo = append(undo, rollback.Action{Name: st.name, Critical: st.critical, Undo: st.undo})
			}
			r.emit(models.EventStepCompleted, map[string]any{
				"step":        st.name,
				"duration_ms": rec.DurationMs,
			})
			e.persist(ctx, actx)
			continue
		}
		if errors.Is(err, errSkipStep) {
			rec.Status = models.StepSkipped
			r.emit(models.EventStepCompleted, map[string]any{"step": st.name, "skipped": true})
			e.persist(ctx, actx)
			continue
		}

		failure = e.classify(err)
		failedStep = st.name
		rec.Status = models.StepFailed
		rec.Error = failure.Error()
		log.Warn("activation step failed",
			"step", st.name,
			"kind", string(failure.Kind),
			"error", failure.Message)
		r.emit(models.EventStepFailed, map[string]any{
			"step":  st.name,
			"kind":  string(failure.Kind),
			"error": failure.Message,
		})
		break
	}

	if failure == nil {
		if err := e.advance(actx, models.StateActive); err != nil {
			failure = models.AsError(err, models.ErrCritical)
		}
	}
	if failure == nil {
		r.emit(models.EventAfterActivate, map[string]any{
			"version": actx.Version,
			"traffic": actx.CurrentTraffic(),
		})
		metrics.ActivationsTotal.WithLabelValues("success", string(actx.Strategy)).Inc()
		metrics.ActivationDurationSeconds.WithLabelValues("success").Observe(e.clock.Since(started).Seconds())
		e.finish(ctx, r, true, nil)
		log.Info("activation completed",
			"duration_ms", e.clock.Since(started).Milliseconds(),
			"traffic", actx.CurrentTraffic())
		return &models.ActivationResult{
			Success:      true,
			ActivationID: actx.ID,
			State:        models.StateActive,
			Warnings:     r.warnings,
		}
	}

	return e.fail(ctx, r, failure, failedStep, undo, started)
}

// fail settles a failed attempt: recoverable validation refusals return to
// pending untouched, everything else drops to failed and rolls back when
// the policy and trigger allow it.
func (e *Engine) fail(ctx context.Context, r *run, failure *models.Error, failedStep string, undo []rollback.Action, started time.Time) *models.ActivationResult {
	actx := r.actx

	if failedStep == "validate" && failure.Recoverable() {
		// Nothing was touched; the attempt simply does not qualify.
		_ = e.advance(actx, models.StatePending)
		metrics.ActivationsTotal.WithLabelValues("rejected", string(actx.Strategy)).Inc()
		e.finish(ctx, r, false, failure)
		return e.failureEnvelope(r, failure)
	}

	_ = e.advance(actx, models.StateFailed)
	trigger := triggerFor(failure)

	var rollbackErr *models.Error
	if len(undo) > 0 && e.rollbackEnabled(r) && actx.Options.TriggerEnabled(trigger) {
		_ = e.advance(actx, models.StateRollingBack)
		r.emit(models.EventRollbackStarted, map[string]any{
			"trigger": string(trigger),
			"steps":   len(undo),
		})
		metrics.RollbacksTotal.WithLabelValues(string(trigger)).Inc()

		out := e.rollback.Execute(ctx, actx.ID, undo)
		markRolledBack(actx, out.Undone)
		if out.Partial {
			actx.PartialRollback = true
			rollbackErr = models.AsError(out.Err, models.ErrCritical)
			_ = e.advance(actx, models.StateFailed)
			r.emit(models.EventError, map[string]any{"error": rollbackErr.Message})
		} else {
			_ = e.advance(actx, models.StateRolledBack)
		}
		r.emit(models.EventRollbackCompleted, map[string]any{
			"partial": out.Partial,
			"undone":  out.Undone,
		})
	}

	e.markAttemptFailed(ctx, actx)

	outcome := "failed"
	if actx.State == models.StateRolledBack {
		outcome = "rolled_back"
	}
	metrics.ActivationsTotal.WithLabelValues(outcome, string(actx.Strategy)).Inc()
	metrics.ActivationDurationSeconds.WithLabelValues(outcome).Observe(e.clock.Since(started).Seconds())

	e.finish(ctx, r, false, failure)
	res := e.failureEnvelope(r, failure)
	if rollbackErr != nil {
		res.Errors = append(res.Errors, rollbackErr)
	}
	return res
}

// refuse settles an attempt that never got to run: queue overflow or a held
// activation lock. The context stays pending.
func (e *Engine) refuse(ctx context.Context, r *run, failure *models.Error) *models.ActivationResult {
	actx := r.actx
	r.emit(models.EventError, map[string]any{"kind": string(failure.Kind), "error": failure.Message})
	metrics.ActivationsTotal.WithLabelValues("rejected", string(actx.Strategy)).Inc()
	e.finish(ctx, r, false, failure)
	return e.failureEnvelope(r, failure)
}

func (e *Engine) failureEnvelope(r *run, failure *models.Error) *models.ActivationResult {
	actx := r.actx
	errs := []*models.Error{failure}
	if r.resolution != nil {
		for _, re := range r.resolution.Errors {
			if re != failure {
				errs = append(errs, re)
			}
		}
	}
	return &models.ActivationResult{
		ActivationID: actx.ID,
		State:        actx.State,
		Errors:       errs,
		Warnings:     r.warnings,
	}
}

// finish persists the terminal context, drops the in-flight snapshot and
// writes the audit entry. Storage and audit failures are logged, never
// fatal: history must not decide an activation's outcome.
func (e *Engine) finish(ctx context.Context, r *run, success bool, failure *models.Error) {
	actx := r.actx
	now := e.clock.Now().UTC()
	actx.CompletedAt = &now
	if failure != nil {
		actx.Error = failure.Error()
	}
	e.persist(ctx, actx)
	e.mu.Lock()
	delete(e.runs, actx.ID)
	e.mu.Unlock()

	if e.audit == nil {
		return
	}
	nsID := actx.TenantID + "/" + actx.ModuleID
	if r.sandbox != nil {
		nsID = r.sandbox.ID
	}
	entry := &models.AuditEntry{
		NamespaceID: nsID,
		Operation:   "module.activate",
		Principal:   identity.FromContext(ctx),
		Details: map[string]any{
			"activation_id": actx.ID,
			"module_id":     actx.ModuleID,
			"version":       actx.Version,
			"tenant_id":     actx.TenantID,
			"state":         string(actx.State),
		},
		Success: success,
	}
	if failure != nil {
		entry.Error = failure.Error()
	}
	if err := e.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Warn("audit record failed", "error", err.Error())
	}
}

// persist writes the context snapshot to storage and refreshes the
// in-flight view served by Status.
func (e *Engine) persist(ctx context.Context, actx *models.ActivationContext) {
	data, err := json.Marshal(actx)
	if err != nil {
		e.log.Warn("activation context marshal failed", "activation_id", actx.ID, "error", err.Error())
		return
	}
	e.mu.Lock()
	expect := e.recVer[actx.ID]
	if _, live := e.runs[actx.ID]; live {
		e.runs[actx.ID] = cloneContext(actx)
	}
	e.mu.Unlock()

	rec, err := e.store.Put(context.WithoutCancel(ctx), storage.KindActivation, storage.ActivationKey(actx.ID), data, expect)
	if err != nil {
		e.log.Warn("activation context persist failed", "activation_id", actx.ID, "error", err.Error())
		return
	}
	e.mu.Lock()
	e.recVer[actx.ID] = rec.Version
	e.mu.Unlock()
}

// Status returns the context snapshot for an activation id: the in-flight
// view while running, the archived record afterwards.
func (e *Engine) Status(ctx context.Context, id string) (*models.ActivationContext, bool) {
	e.mu.RLock()
	if actx, ok := e.runs[id]; ok {
		snapshot := cloneContext(actx)
		e.mu.RUnlock()
		return snapshot, true
	}
	e.mu.RUnlock()

	rec, err := e.store.Get(ctx, storage.KindActivation, storage.ActivationKey(id))
	if err != nil {
		return nil, false
	}
	var actx models.ActivationContext
	if err := json.Unmarshal(rec.Data, &actx); err != nil {
		e.log.Warn("archived activation context is unreadable", "activation_id", id, "error", err.Error())
		return nil, false
	}
	return &actx, true
}

// History lists archived and in-flight activations, newest first. Empty
// filters match everything.
func (e *Engine) History(ctx context.Context, tenantID, moduleID string, limit int) ([]*models.ActivationContext, error) {
	recs, err := e.store.List(ctx, storage.KindActivation, "")
	if err != nil {
		return nil, err
	}
	out := make([]*models.ActivationContext, 0, len(recs))
	for _, rec := range recs {
		var actx models.ActivationContext
		if err := json.Unmarshal(rec.Data, &actx); err != nil {
			continue
		}
		if tenantID != "" && actx.TenantID != tenantID {
			continue
		}
		if moduleID != "" && actx.ModuleID != moduleID {
			continue
		}
		out = append(out, &actx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *Engine) advance(actx *models.ActivationContext, to models.ActivationState) error {
	if !CanTransition(actx.State, to) {
		return models.Errorf(models.ErrCritical, "invalid state transition %s → %s", actx.State, to).
			WithModule(actx.ModuleID).WithTenant(actx.TenantID)
	}
	actx.State = to
	return nil
}

// classify folds step errors into the error kind set. Context expiry means
// the activation (or step) budget ran out; cancellation reads as critical
// because the work was abandoned mid-flight.
func (e *Engine) classify(err error) *models.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.Errorf(models.ErrActivationTimeout, "activation timed out").WithDetail(err.Error())
	case errors.Is(err, context.Canceled):
		return models.Errorf(models.ErrCritical, "activation canceled").WithDetail(err.Error())
	}
	return models.AsError(err, models.ErrCritical)
}

func triggerFor(failure *models.Error) models.RollbackTrigger {
	switch failure.Kind {
	case models.ErrHealthCheckFailed:
		return models.TriggerHealthCheckFailure
	case models.ErrActivationTimeout:
		return models.TriggerActivationTimeout
	}
	return models.TriggerCriticalError
}

// rollbackEnabled: an explicit request option wins; otherwise the module's
// lifecycle policy decides.
func (e *Engine) rollbackEnabled(r *run) bool {
	if r.opts.AutomaticRollback != nil {
		return *r.opts.AutomaticRollback
	}
	return r.def != nil && r.def.Lifecycle.AutomaticRollback
}

// markAttemptFailed pins the registry invariant after a failure: the
// attempted version must end failed or inactive unless it legitimately
// serves somewhere else.
func (e *Engine) markAttemptFailed(ctx context.Context, actx *models.ActivationContext) {
	if actx.Version == actx.PreviousVersion {
		// Failed re-activation of the already-active version: the undo
		// restored it, do not poison its status.
		return
	}
	if cur, ok := e.registry.ActiveVersion(actx.TenantID, actx.ModuleID); ok && cur == actx.Version {
		// Rollback was disabled or could not restore; clear the pointer so
		// the single-active invariant survives.
		if _, err := e.registry.Demote(ctx, actx.TenantID, actx.ModuleID, models.ModuleFailed); err != nil {
			e.log.Warn("failed to demote attempted version", "activation_id", actx.ID, "error", err.Error())
		}
		return
	}
	entry, ok := e.registry.Get(actx.ModuleID, actx.Version)
	if !ok || entry.Status == models.ModuleActive || entry.Status == models.ModuleFailed {
		return
	}
	if err := e.registry.SetStatus(ctx, actx.ModuleID, actx.Version, models.ModuleFailed); err != nil {
		e.log.Warn("failed to mark attempted version failed", "activation_id", actx.ID, "error", err.Error())
	}
}

// runBudget is the end-to-end deadline: request option, then the module's
// lifecycle policy, then the engine default.
func (e *Engine) runBudget(actx *models.ActivationContext) time.Duration {
	if actx.Options.TimeoutSeconds > 0 {
		return time.Duration(actx.Options.TimeoutSeconds) * time.Second
	}
	if entry, ok := e.registry.Get(actx.ModuleID, actx.Version); ok {
		if s := entry.Definition.Lifecycle.ActivationTimeoutSeconds; s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return e.timeout
}

// stepBudget bounds one step. The activate and verify steps pace themselves
// (rollout intervals, verification passes) and run on the full activation
// budget.
func (e *Engine) stepBudget(r *run, st step) time.Duration {
	if st.name == "activate" || st.name == "verify" {
		return 0
	}
	if r.opts.StepTimeoutSeconds > 0 {
		return time.Duration(r.opts.StepTimeoutSeconds) * time.Second
	}
	if r.def != nil && r.def.Lifecycle.StepTimeoutSeconds > 0 {
		return time.Duration(r.def.Lifecycle.StepTimeoutSeconds) * time.Second
	}
	return e.stepTimeout
}

func markRolledBack(actx *models.ActivationContext, undone []string) {
	for _, name := range undone {
		for i := range actx.Steps {
			if actx.Steps[i].Name == name && actx.Steps[i].Status == models.StepCompleted {
				actx.Steps[i].Status = models.StepRolledBack
			}
		}
	}
}

func strategyKind(k models.RolloutKind) models.RolloutKind {
	if k == "" {
		return models.RolloutInstant
	}
	return k
}

func lockKey(moduleID, tenantID string) string {
	return moduleID + "/" + tenantID
}

func idemKey(tenantID, moduleID, key string) string {
	return tenantID + "/" + moduleID + "#" + key
}

// cloneContext deep-copies the mutable parts of a context so readers never
// observe a half-written snapshot.
func cloneContext(src *models.ActivationContext) *models.ActivationContext {
	dst := *src
	dst.Steps = append([]models.StepRecord(nil), src.Steps...)
	dst.Traffic = append([]models.TrafficShift(nil), src.Traffic...)
	if src.CompletedAt != nil {
		t := *src.CompletedAt
		dst.CompletedAt = &t
	}
	return &dst
}

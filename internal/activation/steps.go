package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/resolver"
	"github.com/moduleplane/moduleplane/internal/rollout"
)

// errSkipStep marks a step as not applicable to this activation. The engine
// records it as skipped and moves on; skipped steps contribute no undo.
var errSkipStep = errors.New("step not applicable")

// step is one unit of the activation pipeline. run must be idempotent
// within an attempt; undo, when set, reverses the step's effect and must
// tolerate the effect being gone already.
type step struct {
	name     string
	state    models.ActivationState
	critical bool
	run      func(ctx context.Context) error
	undo     func(ctx context.Context) error
}

// run is the per-attempt working state. It carries everything the step
// closures share; nothing in it survives the attempt.
type run struct {
	e    *Engine
	actx *models.ActivationContext
	opts models.ActivationOptions
	log  *slog.Logger

	def        *models.ModuleDefinition
	resolution *resolver.Result
	plan       *resolver.Plan
	strategy   rollout.Strategy
	artifact   *models.Artifact
	sandbox    *models.Namespace
	applied    []models.Migration
	staged     bool
	promoted   bool
	prevLive   *Published
	warnings   []string
}

func (r *run) scope() models.Scope {
	return models.Scope{ModuleID: r.actx.ModuleID, TenantID: r.actx.TenantID}
}

func (r *run) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *run) emit(kind models.EventKind, payload map[string]any) {
	r.e.bus.Publish(models.ActivationEvent{
		Timestamp:    r.e.clock.Now().UTC(),
		ModuleID:     r.actx.ModuleID,
		TenantID:     r.actx.TenantID,
		ActivationID: r.actx.ID,
		Kind:         kind,
		Payload:      payload,
	})
}

// pipeline returns the forward steps in execution order.
func (r *run) pipeline() []step {
	return []step{
		r.stepValidate(),
		r.stepPrepare(),
		r.stepLoad(),
		r.stepRegister(),
		r.stepMigrate(),
		r.stepWarm(),
		r.stepActivate(),
		r.stepVerify(),
	}
}

// stepValidate is pure: it proves the activation can work without touching
// anything. Its failures never trigger rollback.
func (r *run) stepValidate() step {
	return step{
		name:     "validate",
		state:    models.StateValidating,
		critical: true,
		run: func(ctx context.Context) error {
			actx := r.actx
			now := r.e.clock.Now()

			if w := r.opts.Window; w != nil && !r.opts.Force && !w.Contains(now) {
				return models.Errorf(models.ErrValidation, "outside the activation window (%s)", w.HumanSchedule()).
					WithModule(actx.ModuleID).WithTenant(actx.TenantID).
					WithDetail(fmt.Sprintf("next window opens %s", w.NextOpen(now).Format(time.RFC3339)))
			}

			entry, ok := r.e.registry.Get(actx.ModuleID, actx.Version)
			if !ok {
				return models.Errorf(models.ErrValidation, "module %s@%s is not registered", actx.ModuleID, actx.Version).
					WithModule(actx.ModuleID)
			}
			if entry.Status == models.ModuleDeprecated && !r.opts.Force {
				return models.Errorf(models.ErrValidation, "version %s of %s is deprecated; pass force to activate it anyway",
					actx.Version, actx.ModuleID).WithModule(actx.ModuleID)
			}
			r.def = &entry.Definition

			for i := range r.def.Migrations {
				if !r.def.Migrations[i].Additive {
					return models.Errorf(models.ErrValidation, "migration %s is not additive", r.def.Migrations[i].Version).
						WithModule(actx.ModuleID)
				}
			}

			q := r.def.Permissions.Quotas
			if q.MaxMemoryBytes < 0 || q.MaxStorageBytes < 0 || q.MaxConfigKeys < 0 || q.MaxDepth < 0 {
				return models.Errorf(models.ErrValidation, "module declares negative resource quotas").
					WithModule(actx.ModuleID)
			}

			if r.def.ArtifactDigest != "" && r.e.loader == nil {
				return models.Errorf(models.ErrValidation, "module declares an artifact but no loader is configured").
					WithModule(actx.ModuleID)
			}

			strategy, err := rollout.For(r.opts.Rollout, rollout.Deps{
				Router: r.e.traffic,
				Gate:   r.e.health,
				Clock:  r.e.clock,
				Logger: r.log,
			})
			if err != nil {
				return err
			}
			r.strategy = strategy

			if len(r.def.ConfigSchema) > 0 {
				schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(r.def.ConfigSchema))
				if err != nil {
					return models.Errorf(models.ErrValidation, "config schema does not compile").
						WithModule(actx.ModuleID).WithDetail(err.Error())
				}
				if r.e.isolator != nil {
					cfg, err := r.e.isolator.ConfigSnapshot(ctx, r.scope())
					if err == nil && len(cfg) > 0 {
						res, verr := schema.Validate(gojsonschema.NewGoLoader(cfg))
						if verr == nil && !res.Valid() {
							return models.Errorf(models.ErrValidation, "tenant config violates the module's schema: %s",
								res.Errors()[0].String()).
								WithModule(actx.ModuleID).WithTenant(actx.TenantID)
						}
					}
				}
			}

			active := r.e.registry.ActiveModules(actx.TenantID)
			for _, conflicting := range r.def.Conflicts {
				if _, isActive := active[conflicting]; isActive {
					return models.Errorf(models.ErrModuleConflict, "module %s conflicts with active module %s",
						actx.ModuleID, conflicting).
						WithModule(actx.ModuleID).WithTenant(actx.TenantID)
				}
			}

			res, err := r.e.resolver.Resolve(ctx, resolver.Request{
				ModuleID: actx.ModuleID,
				Version:  actx.Version,
				TenantID: actx.TenantID,
			})
			if err != nil {
				return err
			}
			r.resolution = res
			r.warnings = append(r.warnings, res.Warnings...)
			if !res.Success {
				if len(res.Errors) > 0 {
					return res.Errors[0]
				}
				return models.Errorf(models.ErrDependencyUnresolved, "dependency resolution failed for %s@%s",
					actx.ModuleID, actx.Version).WithModule(actx.ModuleID)
			}

			// The engine activates one module; its resolved providers must
			// already serve the tenant at constraint-compatible versions.
			for _, sel := range res.Resolved {
				if sel.ModuleID == actx.ModuleID {
					continue
				}
				activeVersion, isActive := r.e.registry.ActiveVersion(actx.TenantID, sel.ModuleID)
				if !isActive {
					if sel.Required {
						return models.Errorf(models.ErrDependencyUnresolved,
							"required dependency %s resolves to %s but is not active for tenant %s",
							sel.ModuleID, sel.Version, actx.TenantID).
							WithModule(actx.ModuleID).WithTenant(actx.TenantID)
					}
					r.warn("optional dependency %s is not active", sel.ModuleID)
					continue
				}
				if sel.Constraint != "" {
					if satisfied, serr := resolver.VersionSatisfies(activeVersion, sel.Constraint); serr == nil && !satisfied {
						return models.Errorf(models.ErrDependencyConflict,
							"active dependency %s@%s does not satisfy constraint %s",
							sel.ModuleID, activeVersion, sel.Constraint).
							WithModule(actx.ModuleID).WithTenant(actx.TenantID)
					}
				}
			}

			r.plan = resolver.BuildActivationPlan(res, actx.TenantID, func(id string) (string, bool) {
				return r.e.registry.ActiveVersion(actx.TenantID, id)
			}, now)
			return nil
		},
	}
}

// stepPrepare allocates the scope's sandbox. Its undo is nil on purpose:
// the namespace and its config outlive the attempt, a failed activation must
// not destroy tenant data.
func (r *run) stepPrepare() step {
	return step{
		name:  "prepare",
		state: models.StatePreparing,
		run: func(ctx context.Context) error {
			if r.e.isolator == nil {
				return errSkipStep
			}
			if r.sandbox != nil {
				return nil
			}
			ns, err := r.e.isolator.EnsureScope(ctx, r.scope(), r.def.Permissions.Quotas)
			if err != nil {
				return err
			}
			r.sandbox = ns
			return nil
		},
	}
}

func (r *run) stepLoad() step {
	return step{
		name:     "load",
		state:    models.StateLoading,
		critical: true,
		run: func(ctx context.Context) error {
			if r.def.ArtifactDigest == "" {
				return errSkipStep
			}
			if r.artifact != nil {
				return nil
			}
			art, err := r.e.loader.Fetch(ctx, r.actx.ModuleID, r.actx.Version)
			if err != nil {
				return fmt.Errorf("artifact fetch: %w", err)
			}
			if art.Digest != r.def.ArtifactDigest {
				return models.Errorf(models.ErrCritical, "artifact digest mismatch for %s@%s",
					r.actx.ModuleID, r.actx.Version).
					WithModule(r.actx.ModuleID).
					WithDetail(fmt.Sprintf("manifest %s, fetched %s", r.def.ArtifactDigest, art.Digest))
			}
			r.artifact = art
			return nil
		},
	}
}

func (r *run) stepRegister() step {
	return step{
		name:     "register",
		state:    models.StateRegistering,
		critical: true,
		run: func(ctx context.Context) error {
			if r.staged {
				return nil
			}
			if live, ok := r.e.surface.Live(r.actx.ModuleID, r.actx.TenantID); ok {
				r.prevLive = live
			}
			if err := r.e.surface.Stage(r.def, r.actx.TenantID); err != nil {
				return err
			}
			r.staged = true
			return nil
		},
		undo: func(ctx context.Context) error {
			r.e.surface.Discard(r.actx.ModuleID, r.actx.TenantID)
			r.staged = false
			return nil
		},
	}
}

func (r *run) stepMigrate() step {
	return step{
		name:     "migrate",
		state:    models.StateMigrating,
		critical: true,
		run: func(ctx context.Context) error {
			if len(r.def.Migrations) == 0 {
				return errSkipStep
			}
			if r.e.migrator == nil {
				r.warn("module declares migrations but no migration runner is configured")
				return errSkipStep
			}
			for _, m := range r.def.Migrations[len(r.applied):] {
				if err := r.e.migrator.Apply(ctx, r.actx.ModuleID, r.actx.Version, m); err != nil {
					return models.Errorf(models.ErrMigrationFailed, "migration %s failed", m.Version).
						WithModule(r.actx.ModuleID).WithDetail(err.Error())
				}
				r.applied = append(r.applied, m)
			}
			return nil
		},
		undo: func(ctx context.Context) error {
			var errs []error
			for i := len(r.applied) - 1; i >= 0; i-- {
				m := r.applied[i]
				if m.RollbackScript == "" {
					// Additive changes stand unless a rollback script says
					// otherwise.
					continue
				}
				if err := r.e.migrator.Rollback(ctx, r.actx.ModuleID, r.actx.Version, m); err != nil {
					errs = append(errs, fmt.Errorf("migration %s: %w", m.Version, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// stepWarm primes what it can. Nothing here gates the activation; a cold
// cache is slower, not wrong.
func (r *run) stepWarm() step {
	return step{
		name:  "warm",
		state: models.StateWarming,
		run: func(ctx context.Context) error {
			if r.e.isolator != nil {
				if _, err := r.e.isolator.ConfigSnapshot(ctx, r.scope()); err != nil {
					r.warn("config warmup failed: %v", err)
				}
			}
			if len(r.def.Lifecycle.HealthChecks) > 0 {
				report := r.e.health.Check(ctx, r.actx.ModuleID, r.actx.TenantID, r.def.Lifecycle.HealthChecks)
				r.emit(models.EventHealthVerdict, map[string]any{
					"status":   string(report.Status),
					"baseline": true,
				})
			}
			return nil
		},
	}
}

// stepActivate promotes the registry pointer and the staged surface, then
// hands traffic to the rollout strategy. Its undo restores the previous
// version's serving state entirely.
func (r *run) stepActivate() step {
	return step{
		name:     "activate",
		state:    models.StateActivating,
		critical: true,
		run: func(ctx context.Context) error {
			actx := r.actx
			if !r.promoted {
				prev, err := r.e.registry.Promote(ctx, actx.TenantID, actx.ModuleID, actx.Version)
				if err != nil {
					return err
				}
				r.promoted = true
				actx.PreviousVersion = prev
				r.e.surface.Promote(actx.ModuleID, actx.TenantID)
			}

			out, err := r.strategy.Execute(ctx, rollout.Target{
				ModuleID:        actx.ModuleID,
				TenantID:        actx.TenantID,
				Version:         actx.Version,
				PreviousVersion: actx.PreviousVersion,
				Checks:          r.def.Lifecycle.HealthChecks,
			}, func(percent int) {
				actx.Traffic = append(actx.Traffic, models.TrafficShift{
					Percent: percent,
					At:      r.e.clock.Now().UTC(),
				})
				r.emit(models.EventTrafficShifted, map[string]any{
					"percent": percent,
					"version": actx.Version,
				})
			})
			if out != nil && out.RetainedVersion != "" {
				r.log.Info("previous environment retained for instant rollback",
					"retained_version", out.RetainedVersion,
					"retained_until", out.RetainedUntil)
			}
			return err
		},
		undo: func(ctx context.Context) error {
			if !r.promoted {
				return nil
			}
			actx := r.actx
			var errs []error
			if prev := actx.PreviousVersion; prev != "" {
				if err := r.e.traffic.SetWeight(actx.ModuleID, actx.TenantID, prev, 100); err != nil {
					errs = append(errs, fmt.Errorf("restore traffic: %w", err))
				}
				if _, err := r.e.registry.Promote(ctx, actx.TenantID, actx.ModuleID, prev); err != nil {
					errs = append(errs, fmt.Errorf("restore registry pointer: %w", err))
				}
			} else {
				if err := r.e.traffic.Drain(actx.ModuleID, actx.TenantID); err != nil {
					errs = append(errs, fmt.Errorf("drain traffic: %w", err))
				}
				if _, err := r.e.registry.Demote(ctx, actx.TenantID, actx.ModuleID, models.ModuleFailed); err != nil {
					errs = append(errs, fmt.Errorf("clear registry pointer: %w", err))
				}
			}
			r.e.surface.Restore(actx.ModuleID, actx.TenantID, r.prevLive)
			r.promoted = false
			return errors.Join(errs...)
		},
	}
}

// stepVerify requires N consecutive clean passes of the module's critical
// probes before the activation counts as done.
func (r *run) stepVerify() step {
	return step{
		name:     "verify",
		state:    models.StateVerifying,
		critical: true,
		run: func(ctx context.Context) error {
			checks := r.def.Lifecycle.HealthChecks
			if len(checks) == 0 {
				return errSkipStep
			}
			passes := r.def.Lifecycle.VerifyPasses
			if passes <= 0 {
				passes = 1
			}
			for pass := 1; pass <= passes; pass++ {
				report := r.e.health.Check(ctx, r.actx.ModuleID, r.actx.TenantID, checks)
				r.emit(models.EventHealthVerdict, map[string]any{
					"status": string(report.Status),
					"pass":   pass,
					"of":     passes,
				})
				// Degraded means a non-critical probe failed: log it, do
				// not block the activation on it.
				if report.Status == models.HealthUnhealthy {
					err := models.Errorf(models.ErrHealthCheckFailed,
						"verification failed on pass %d of %d", pass, passes).
						WithModule(r.actx.ModuleID).WithTenant(r.actx.TenantID)
					for i := range report.Probes {
						if !report.Probes[i].Healthy && report.Probes[i].Critical {
							return err.WithDetail(fmt.Sprintf("probe %s: %s",
								report.Probes[i].CheckID, report.Probes[i].Error))
						}
					}
					return err
				}
				if report.Status == models.HealthDegraded {
					r.warn("verification pass %d degraded by a non-critical probe", pass)
				}
			}
			return nil
		},
	}
}

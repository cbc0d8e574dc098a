package activation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/moduleplane/moduleplane/internal/identity"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
	"github.com/moduleplane/moduleplane/internal/pkg/validate"
	"github.com/moduleplane/moduleplane/internal/rollback"
	"github.com/moduleplane/moduleplane/internal/storage"
)

// Deactivate drains traffic from a tenant's active version, unpublishes its
// integration surface and demotes the registry pointer to inactive. The
// module's namespace and its data stay untouched so a later activation
// resumes where the tenant left off.
func (e *Engine) Deactivate(ctx context.Context, moduleID, tenantID string) *models.Result {
	if !validate.ModuleID(moduleID) {
		return models.Failed("", models.Errorf(models.ErrValidation, "invalid module id %q", moduleID))
	}
	if !validate.TenantID(tenantID) {
		return models.Failed("", models.Errorf(models.ErrValidation, "invalid tenant id %q", tenantID).WithModule(moduleID))
	}

	acquireCtx, cancel := context.WithTimeout(ctx, e.queueTimeout)
	defer cancel()
	release, err := e.locks.acquire(acquireCtx, lockKey(moduleID, tenantID), true)
	if err != nil {
		return models.Failed("", models.Errorf(models.ErrActivationInProgress,
			"activation in progress for %s", lockKey(moduleID, tenantID)).
			WithModule(moduleID).WithTenant(tenantID))
	}
	defer release()

	version, ok := e.registry.ActiveVersion(tenantID, moduleID)
	if !ok {
		return models.Failed("", models.Errorf(models.ErrValidation,
			"module %s is not active for tenant %s", moduleID, tenantID).
			WithModule(moduleID).WithTenant(tenantID))
	}

	log := e.log.With("module_id", moduleID, "tenant_id", tenantID, "module_version", version)
	opID := e.newID()
	e.publishOp(opID, moduleID, tenantID, models.EventBeforeDeactivate, map[string]any{"version": version})

	if err := e.traffic.Drain(moduleID, tenantID); err != nil {
		log.Error("traffic drain failed", "error", err.Error())
		return models.Failed("", models.AsError(err, models.ErrCritical))
	}
	e.surface.Unpublish(moduleID, tenantID)
	if _, err := e.registry.Demote(ctx, tenantID, moduleID, models.ModuleInactive); err != nil {
		return models.Failed("", models.AsError(err, models.ErrCritical))
	}

	e.publishOp(opID, moduleID, tenantID, models.EventAfterDeactivate, map[string]any{"version": version})
	e.bus.Forget(opID)
	e.auditOp(ctx, "module.deactivate", moduleID, tenantID, map[string]any{"version": version}, true, "")
	log.Info("module deactivated")
	return models.OK("inactive")
}

// RollbackActivation reverses a settled activation on operator demand: it
// rebuilds the compensation for the attempt's completed steps from the
// archived context and the current registry state, then runs it through the
// rollback controller. In-flight activations cannot be rolled back this
// way; cancel them instead.
func (e *Engine) RollbackActivation(ctx context.Context, activationID string) *models.Result {
	actx, found := e.Status(ctx, activationID)
	if !found {
		return models.Failed("", models.Errorf(models.ErrValidation, "unknown activation %q", activationID))
	}
	e.mu.RLock()
	_, inFlight := e.runs[activationID]
	e.mu.RUnlock()
	if inFlight {
		return models.Failed(string(actx.State), models.Errorf(models.ErrActivationInProgress,
			"activation %s is still running", activationID).
			WithModule(actx.ModuleID).WithTenant(actx.TenantID))
	}
	switch actx.State {
	case models.StateRolledBack:
		res := models.OK(string(models.StateRolledBack))
		res.AddWarning("activation %s was already rolled back", activationID)
		return res
	case models.StateActive, models.StateFailed:
	default:
		return models.Failed(string(actx.State), models.Errorf(models.ErrValidation,
			"activation %s in state %s left nothing to roll back", activationID, actx.State))
	}

	acquireCtx, cancel := context.WithTimeout(ctx, e.queueTimeout)
	defer cancel()
	release, err := e.locks.acquire(acquireCtx, lockKey(actx.ModuleID, actx.TenantID), true)
	if err != nil {
		return models.Failed(string(actx.State), models.Errorf(models.ErrActivationInProgress,
			"activation in progress for %s", lockKey(actx.ModuleID, actx.TenantID)).
			WithModule(actx.ModuleID).WithTenant(actx.TenantID))
	}
	defer release()

	log := e.log.With(
		"activation_id", activationID,
		"module_id", actx.ModuleID,
		"tenant_id", actx.TenantID,
		"module_version", actx.Version,
	)
	actions := e.compensation(actx)
	if len(actions) == 0 {
		res := models.OK(string(actx.State))
		res.AddWarning("no reversible effects remain for activation %s", activationID)
		return res
	}

	if err := e.advance(actx, models.StateRollingBack); err != nil {
		return models.Failed(string(actx.State), models.AsError(err, models.ErrCritical))
	}
	e.publishOp(activationID, actx.ModuleID, actx.TenantID, models.EventRollbackStarted, map[string]any{
		"trigger": "manual",
		"steps":   len(actions),
	})
	metrics.RollbacksTotal.WithLabelValues("manual").Inc()

	out := e.rollback.Execute(ctx, activationID, actions)
	markRolledBack(actx, out.Undone)
	var failure *models.Error
	if out.Partial {
		actx.PartialRollback = true
		failure = models.AsError(out.Err, models.ErrCritical)
		_ = e.advance(actx, models.StateFailed)
	} else {
		_ = e.advance(actx, models.StateRolledBack)
	}
	e.publishOp(activationID, actx.ModuleID, actx.TenantID, models.EventRollbackCompleted, map[string]any{
		"partial": out.Partial,
		"undone":  out.Undone,
	})
	e.persistArchived(ctx, actx)

	details := map[string]any{
		"activation_id": activationID,
		"version":       actx.Version,
		"state":         string(actx.State),
	}
	if failure != nil {
		e.auditOp(ctx, "module.rollback", actx.ModuleID, actx.TenantID, details, false, failure.Error())
		log.Error("manual rollback left residue", "error", failure.Message)
		return models.Failed(string(actx.State), failure)
	}
	e.auditOp(ctx, "module.rollback", actx.ModuleID, actx.TenantID, details, true, "")
	log.Info("manual rollback completed", "undone", out.Undone)
	return models.OK(string(actx.State))
}

// compensation rebuilds undo actions for an archived activation, in
// completion order. Only steps whose effects are still observable get an
// action; the rest no longer matter.
func (e *Engine) compensation(actx *models.ActivationContext) []rollback.Action {
	moduleID, tenantID, version := actx.ModuleID, actx.TenantID, actx.Version
	completed := make(map[string]bool)
	for _, rec := range actx.CompletedSteps() {
		completed[rec.Name] = true
	}

	var actions []rollback.Action
	if completed["register"] {
		actions = append(actions, rollback.Action{
			Name:     "register",
			Critical: true,
			Undo: func(ctx context.Context) error {
				e.surface.Discard(moduleID, tenantID)
				return nil
			},
		})
	}
	if completed["migrate"] {
		actions = append(actions, rollback.Action{
			Name:     "migrate",
			Critical: true,
			Undo: func(ctx context.Context) error {
				entry, ok := e.registry.Get(moduleID, version)
				if !ok || e.migrator == nil {
					return nil
				}
				migrations := entry.Definition.Migrations
				var errs []error
				for i := len(migrations) - 1; i >= 0; i-- {
					if migrations[i].RollbackScript == "" {
						continue
					}
					if err := e.migrator.Rollback(ctx, moduleID, version, migrations[i]); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			},
		})
	}
	if completed["activate"] {
		if cur, ok := e.registry.ActiveVersion(tenantID, moduleID); ok && cur == version {
			prev := actx.PreviousVersion
			actions = append(actions, rollback.Action{
				Name:     "activate",
				Critical: true,
				Undo: func(ctx context.Context) error {
					if prev == "" {
						e.surface.Unpublish(moduleID, tenantID)
						if err := e.traffic.Drain(moduleID, tenantID); err != nil {
							return err
						}
						_, err := e.registry.Demote(ctx, tenantID, moduleID, models.ModuleInactive)
						return err
					}
					if err := e.traffic.SetWeight(moduleID, tenantID, prev, 100); err != nil {
						return err
					}
					if _, err := e.registry.Promote(ctx, tenantID, moduleID, prev); err != nil {
						return err
					}
					// Re-expose the restored version's surface when its
					// definition is still registered.
					e.surface.Unpublish(moduleID, tenantID)
					if entry, ok := e.registry.Get(moduleID, prev); ok {
						if err := e.surface.Stage(&entry.Definition, tenantID); err == nil {
							e.surface.Promote(moduleID, tenantID)
						}
					}
					return nil
				},
			})
		}
	}
	return actions
}

// persistArchived updates an archived context record in place, tolerating
// a record written by an earlier engine instance.
func (e *Engine) persistArchived(ctx context.Context, actx *models.ActivationContext) {
	rec, err := e.store.Get(ctx, storage.KindActivation, storage.ActivationKey(actx.ID))
	if err != nil {
		e.log.Warn("archived activation context missing on update", "activation_id", actx.ID, "error", err.Error())
		return
	}
	data, err := json.Marshal(actx)
	if err != nil {
		e.log.Warn("activation context marshal failed", "activation_id", actx.ID, "error", err.Error())
		return
	}
	if _, err := e.store.Put(context.WithoutCancel(ctx), storage.KindActivation, storage.ActivationKey(actx.ID), data, rec.Version); err != nil {
		e.log.Warn("activation context persist failed", "activation_id", actx.ID, "error", err.Error())
	}
}

// publishOp emits one event for an operation that is not a pipeline run,
// e.g. deactivation or manual rollback.
func (e *Engine) publishOp(opID, moduleID, tenantID string, kind models.EventKind, payload map[string]any) {
	e.bus.Publish(models.ActivationEvent{
		Timestamp:    e.clock.Now().UTC(),
		ModuleID:     moduleID,
		TenantID:     tenantID,
		ActivationID: opID,
		Kind:         kind,
		Payload:      payload,
	})
}

func (e *Engine) auditOp(ctx context.Context, op, moduleID, tenantID string, details map[string]any, success bool, errMsg string) {
	if e.audit == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["module_id"] = moduleID
	details["tenant_id"] = tenantID
	entry := &models.AuditEntry{
		NamespaceID: tenantID + "/" + moduleID,
		Operation:   op,
		Principal:   identity.FromContext(ctx),
		Details:     details,
		Success:     success,
		Error:       errMsg,
	}
	if err := e.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Warn("audit record failed", "error", err.Error())
	}
}


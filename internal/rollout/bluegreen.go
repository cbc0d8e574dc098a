package rollout

import (
	"context"
	"time"

	"github.com/moduleplane/moduleplane/internal/models"
)

// DefaultBlueRetention is how long the previous environment stays
// promotable after cutover when the rollout sets no retention of its own.
const DefaultBlueRetention = 10 * time.Minute

// BlueGreen runs the new version (green) dark beside the current one
// (blue). Green takes 0% until it clears the health gate, then traffic cuts
// over atomically. Blue is retained until the deadline so a rollback is a
// single pointer swap away.
type BlueGreen struct {
	deps      Deps
	retention time.Duration
}

func (s *BlueGreen) Kind() models.RolloutKind {
	return models.RolloutBlueGreen
}

func (s *BlueGreen) Execute(ctx context.Context, target Target, onShift ShiftFunc) (*Outcome, error) {
	out := &Outcome{}
	log := s.deps.Logger.With(
		"module_id", target.ModuleID,
		"tenant_id", target.TenantID,
		"green", target.Version,
		"blue", target.PreviousVersion)

	// Register green dark. Blue keeps serving 100% through the gate phase.
	if err := s.deps.Router.SetWeight(target.ModuleID, target.TenantID, target.Version, 0); err != nil {
		return out, err
	}
	out.record(0, onShift)
	log.Info("green environment staged dark")

	if err := ctx.Err(); err != nil {
		return out, err
	}
	report := s.deps.Gate.Check(ctx, target.ModuleID, target.TenantID, target.Checks)
	if report.Status != models.HealthHealthy {
		log.Warn("green failed the gate, cutover aborted", "status", string(report.Status))
		return out, healthGateErr(target, report)
	}

	if err := s.deps.Router.SetWeight(target.ModuleID, target.TenantID, target.Version, 100); err != nil {
		return out, err
	}
	out.record(100, onShift)

	if target.PreviousVersion != "" {
		out.RetainedVersion = target.PreviousVersion
		out.RetainedUntil = s.deps.Clock.Now().UTC().Add(s.retention)
	}
	log.Info("cutover complete",
		"retained_version", out.RetainedVersion,
		"retention", s.retention.String())
	return out, nil
}

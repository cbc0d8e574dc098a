package rollout

import (
	"context"

	"github.com/moduleplane/moduleplane/internal/models"
)

// Instant promotes in one atomic swap: 0% to 100% in a single tick. No
// health gate runs between; verification happens in the engine's verify
// step after promotion.
type Instant struct {
	deps Deps
}

func (s *Instant) Kind() models.RolloutKind {
	return models.RolloutInstant
}

func (s *Instant) Execute(ctx context.Context, target Target, onShift ShiftFunc) (*Outcome, error) {
	out := &Outcome{}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if err := s.deps.Router.SetWeight(target.ModuleID, target.TenantID, target.Version, 100); err != nil {
		return out, err
	}
	out.record(100, onShift)
	s.deps.Logger.Info("instant cutover complete",
		"module_id", target.ModuleID,
		"tenant_id", target.TenantID,
		"version", target.Version)
	return out, nil
}

package rollout

import (
	"context"
	"time"

	"github.com/moduleplane/moduleplane/internal/models"
)

// Gradual defaults for spec fields left at zero.
const (
	DefaultInitialPercent = 10
	DefaultIncrement      = 25
)

// Gradual walks traffic up in increments. The initial share is applied
// unconditionally (validation already passed), then each further increment
// waits out the interval and must clear the health gate. An interval of 0
// advances as soon as the gate passes. Increments past 100 cap at 100.
type Gradual struct {
	deps    Deps
	traffic models.TrafficShifting
}

func (s *Gradual) Kind() models.RolloutKind {
	return models.RolloutGradual
}

func (s *Gradual) Execute(ctx context.Context, target Target, onShift ShiftFunc) (*Outcome, error) {
	initial := s.traffic.Initial
	if initial <= 0 {
		initial = DefaultInitialPercent
	}
	if initial > 100 {
		initial = 100
	}
	increment := s.traffic.Increment
	if increment <= 0 {
		increment = DefaultIncrement
	}
	if s.traffic.MaxIncrement > 0 && increment > s.traffic.MaxIncrement {
		increment = s.traffic.MaxIncrement
	}
	interval := time.Duration(s.traffic.IntervalSeconds) * time.Second

	out := &Outcome{}
	log := s.deps.Logger.With(
		"module_id", target.ModuleID,
		"tenant_id", target.TenantID,
		"version", target.Version)

	current := initial
	if err := s.deps.Router.SetWeight(target.ModuleID, target.TenantID, target.Version, current); err != nil {
		return out, err
	}
	out.record(current, onShift)
	log.Info("gradual rollout started", "initial", current, "increment", increment, "interval", interval.String())

	for current < 100 {
		if interval > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-s.deps.Clock.After(interval):
			}
		} else if err := ctx.Err(); err != nil {
			return out, err
		}

		report := s.deps.Gate.Check(ctx, target.ModuleID, target.TenantID, target.Checks)
		if report.Status == models.HealthUnhealthy || report.Status == models.HealthDegraded {
			log.Warn("gradual rollout halted by health gate",
				"at_percent", current,
				"status", string(report.Status))
			return out, healthGateErr(target, report)
		}

		current += increment
		if current > 100 {
			current = 100
		}
		if err := s.deps.Router.SetWeight(target.ModuleID, target.TenantID, target.Version, current); err != nil {
			return out, err
		}
		out.record(current, onShift)
		log.Debug("traffic shifted", "percent", current)
	}

	log.Info("gradual rollout complete", "shifts", len(out.Trace))
	return out, nil
}

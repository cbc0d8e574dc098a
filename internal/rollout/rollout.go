// Package rollout drives traffic toward a newly activated module version.
// Three strategies exist: instant flips the serving pointer in one tick,
// gradual walks the percentage up under a health gate, and blue-green keeps
// the new version dark until it proves healthy, then cuts over atomically.
//
// Strategies only move traffic. Registry promotion, surface publication and
// verification belong to the activation engine; a strategy reports what it
// shifted and the engine folds that into the activation context.
package rollout

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
)

// Router is the traffic port strategies drive. SetWeight is atomic per
// (module, tenant): percent of traffic goes to version, the remainder stays
// with the previously serving version.
type Router interface {
	SetWeight(moduleID, tenantID, version string, percent int) error
}

// Gate answers whether the target is healthy enough to receive more
// traffic. Check runs the declared probes synchronously; an empty spec list
// passes trivially.
type Gate interface {
	Check(ctx context.Context, moduleID, tenantID string, specs []models.HealthCheckSpec) models.HealthReport
}

// Target is what a strategy shifts traffic toward.
type Target struct {
	ModuleID string
	TenantID string
	Version  string

	// PreviousVersion is the version serving before this activation, empty
	// on first activation. Blue-green retains it for instant rollback.
	PreviousVersion string

	// Checks are the module's declared health probes, used by the gradual
	// gate and the blue-green dark phase.
	Checks []models.HealthCheckSpec
}

// ShiftFunc observes every applied traffic change. The engine uses it to
// emit traffic_shifted events.
type ShiftFunc func(percent int)

// Outcome reports what a strategy did.
type Outcome struct {
	// Trace is the sequence of percents applied to the new version, in
	// order. Within one successful rollout it is non-decreasing.
	Trace []int `json:"trace"`

	// RetainedVersion and RetainedUntil are set by blue-green: the previous
	// environment is kept promotable until the deadline passes.
	RetainedVersion string    `json:"retained_version,omitempty"`
	RetainedUntil   time.Time `json:"retained_until,omitempty"`
}

// Strategy moves traffic for one activation from 0 to 100 percent.
// Execute returns the outcome so far even on failure, so rollback knows
// what to unwind.
type Strategy interface {
	Kind() models.RolloutKind
	Execute(ctx context.Context, target Target, onShift ShiftFunc) (*Outcome, error)
}

// Deps carries the collaborators every strategy shares.
type Deps struct {
	Router Router
	Gate   Gate
	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (d *Deps) defaults() {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// For builds the strategy for a rollout spec. An empty kind means instant.
func For(spec models.RolloutSpec, deps Deps) (Strategy, error) {
	deps.defaults()
	switch spec.Kind {
	case models.RolloutInstant, "":
		return &Instant{deps: deps}, nil
	case models.RolloutGradual:
		return &Gradual{deps: deps, traffic: spec.Traffic}, nil
	case models.RolloutBlueGreen:
		retention := time.Duration(spec.BlueRetentionSeconds) * time.Second
		if retention <= 0 {
			retention = DefaultBlueRetention
		}
		return &BlueGreen{deps: deps, retention: retention}, nil
	default:
		return nil, models.Errorf(models.ErrValidation, "unknown rollout strategy %q", spec.Kind)
	}
}

func (o *Outcome) record(percent int, onShift ShiftFunc) {
	o.Trace = append(o.Trace, percent)
	if onShift != nil {
		onShift(percent)
	}
}

// healthGateErr converts a non-passing report into the error that fires the
// health_check_failure trigger.
func healthGateErr(target Target, report models.HealthReport) *models.Error {
	detail := ""
	for _, p := range report.Probes {
		if !p.Healthy {
			detail = p.CheckID + ": " + p.Error
			break
		}
	}
	return models.Errorf(models.ErrHealthCheckFailed,
		"health gate is %s for %s@%s", report.Status, target.ModuleID, target.Version).
		WithModule(target.ModuleID).
		WithTenant(target.TenantID).
		WithDetail(detail)
}

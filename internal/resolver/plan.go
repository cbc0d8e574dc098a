package resolver

import (
	"fmt"
	"time"
)

// PlanAction says what the activation engine should do with one step.
type PlanAction string

const (
	PlanActivate PlanAction = "activate"
	PlanSkip     PlanAction = "skip"
)

// PlanStep is one module in tenant activation order.
type PlanStep struct {
	ModuleID      string     `json:"module_id"`
	Version       string     `json:"version"`
	ActiveVersion string     `json:"active_version,omitempty"`
	Action        PlanAction `json:"action"`
	Reason        string     `json:"reason"`
	Depth         int        `json:"depth"`
	Required      bool       `json:"required"`
}

// Plan is the tenant-scoped activation sequence derived from a resolution
// result.
type Plan struct {
	ModuleID    string     `json:"module_id"`
	Version     string     `json:"version"`
	TenantID    string     `json:"tenant_id"`
	Steps       []PlanStep `json:"steps"`
	Activations int        `json:"activations"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// BuildActivationPlan turns a successful resolution into per-tenant steps.
// activeOf reports the version currently active for the tenant, if any. A
// provider already active at a version that satisfies every constraint on
// its pin and is not older than the selection is skipped; everything else
// activates in dependency order, the target module last.
func BuildActivationPlan(result *Result, tenantID string, activeOf func(moduleID string) (string, bool), now time.Time) *Plan {
	plan := &Plan{
		ModuleID:    result.ModuleID,
		Version:     result.Version,
		TenantID:    tenantID,
		Steps:       make([]PlanStep, 0, len(result.Resolved)),
		GeneratedAt: now.UTC(),
	}

	for _, sel := range result.Resolved {
		step := PlanStep{
			ModuleID: sel.ModuleID,
			Version:  sel.Version,
			Depth:    sel.Depth,
			Required: sel.Required,
		}

		active, ok := activeOf(sel.ModuleID)
		if ok {
			step.ActiveVersion = active
			compatible, err := VersionSatisfies(active, sel.Constraint)
			newer := false
			if cmp, cerr := CompareVersions(active, sel.Version); cerr == nil && cmp >= 0 {
				newer = true
			}
			if err == nil && compatible && newer && sel.ModuleID != result.ModuleID {
				step.Action = PlanSkip
				step.Reason = fmt.Sprintf("already active at compatible version %s", active)
				plan.Steps = append(plan.Steps, step)
				continue
			}
			step.Action = PlanActivate
			if active == sel.Version {
				step.Reason = "target module reactivation"
			} else {
				step.Reason = fmt.Sprintf("active version %s replaced by %s", active, sel.Version)
			}
		} else {
			step.Action = PlanActivate
			step.Reason = "not active for tenant"
		}
		plan.Activations++
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

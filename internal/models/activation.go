package models

import "time"

// ActivationState is the position of an activation attempt in its state
// machine. Forward path: pending → validating → preparing → loading →
// registering → migrating → warming → activating → verifying → active.
type ActivationState string

const (
	StatePending     ActivationState = "pending"
	StateValidating  ActivationState = "validating"
	StatePreparing   ActivationState = "preparing"
	StateLoading     ActivationState = "loading"
	StateRegistering ActivationState = "registering"
	StateMigrating   ActivationState = "migrating"
	StateWarming     ActivationState = "warming"
	StateActivating  ActivationState = "activating"
	StateVerifying   ActivationState = "verifying"
	StateActive      ActivationState = "active"
	StateFailed      ActivationState = "failed"
	StateRollingBack ActivationState = "rolling_back"
	StateRolledBack  ActivationState = "rolled_back"
)

// Terminal reports whether no further transition can leave the state.
func (s ActivationState) Terminal() bool {
	return s == StateActive || s == StateRolledBack
}

// RolloutKind selects how the activated version receives traffic.
type RolloutKind string

const (
	RolloutInstant   RolloutKind = "instant"
	RolloutGradual   RolloutKind = "gradual"
	RolloutBlueGreen RolloutKind = "blue_green"
)

// TrafficShifting parameterizes a gradual rollout. IntervalSeconds = 0 means
// advance as soon as the health gate passes.
type TrafficShifting struct {
	Initial         int `json:"initial"`
	Increment       int `json:"increment"`
	IntervalSeconds int `json:"interval_seconds"`
	MaxIncrement    int `json:"max_increment,omitempty"`
}

type RolloutSpec struct {
	Kind                 RolloutKind     `json:"kind"`
	Traffic              TrafficShifting `json:"traffic,omitempty"`
	BlueRetentionSeconds int             `json:"blue_retention_seconds,omitempty"`
}

// QueuePolicy decides what happens to an activation that finds its
// (module, tenant) lock held or the global concurrency budget spent.
type QueuePolicy string

const (
	QueueWait   QueuePolicy = "wait"
	QueueReject QueuePolicy = "reject"
)

type RollbackTrigger string

const (
	TriggerHealthCheckFailure   RollbackTrigger = "health_check_failure"
	TriggerErrorRateExceeded    RollbackTrigger = "error_rate_exceeded"
	TriggerResponseTimeExceeded RollbackTrigger = "response_time_exceeded"
	TriggerActivationTimeout    RollbackTrigger = "activation_timeout"
	TriggerCriticalError        RollbackTrigger = "critical_error"
)

type RollbackTriggerSpec struct {
	Trigger   RollbackTrigger `json:"trigger"`
	Enabled   bool            `json:"enabled"`
	Threshold float64         `json:"threshold,omitempty"`
}

// ActivationOptions carries the caller-tunable parts of an activation
// request. Zero values fall back to configured defaults.
type ActivationOptions struct {
	Rollout            RolloutSpec           `json:"rollout"`
	QueuePolicy        QueuePolicy           `json:"queue_policy,omitempty"`
	AutomaticRollback  *bool                 `json:"automatic_rollback,omitempty"`
	TimeoutSeconds     int                   `json:"timeout_seconds,omitempty"`
	StepTimeoutSeconds int                   `json:"step_timeout_seconds,omitempty"`
	Triggers           []RollbackTriggerSpec `json:"triggers,omitempty"`
	Window             *ActivationWindow     `json:"window,omitempty"`
	Force              bool                  `json:"force,omitempty"`
	IdempotencyKey     string                `json:"idempotency_key,omitempty"`
}

// TriggerEnabled reports whether a rollback trigger is enabled, defaulting
// health_check_failure, activation_timeout and critical_error to on when no
// spec mentions them.
func (o *ActivationOptions) TriggerEnabled(t RollbackTrigger) bool {
	for i := range o.Triggers {
		if o.Triggers[i].Trigger == t {
			return o.Triggers[i].Enabled
		}
	}
	switch t {
	case TriggerHealthCheckFailure, TriggerActivationTimeout, TriggerCriticalError:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepRolledBack StepStatus = "rolled_back"
)

// StepRecord is one row of an activation's step log.
type StepRecord struct {
	Name        string     `json:"name"`
	Position    int        `json:"position"`
	Critical    bool       `json:"critical"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TrafficShift records one weight change applied during rollout.
type TrafficShift struct {
	Percent int       `json:"percent"`
	At      time.Time `json:"at"`
}

// ActivationContext is the ephemeral per-attempt record. Created per attempt,
// archived to history on completion.
type ActivationContext struct {
	ID              string            `json:"id"`
	ModuleID        string            `json:"module_id"`
	Version         string            `json:"version"`
	TenantID        string            `json:"tenant_id"`
	State           ActivationState   `json:"state"`
	Strategy        RolloutKind       `json:"strategy"`
	Options         ActivationOptions `json:"options"`
	Steps           []StepRecord      `json:"steps,omitempty"`
	Traffic         []TrafficShift    `json:"traffic,omitempty"`
	PreviousVersion string            `json:"previous_version,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Error           string            `json:"error,omitempty"`
	PartialRollback bool              `json:"partial_rollback,omitempty"`
}

// CompletedSteps returns the step records that finished, in completion order.
func (c *ActivationContext) CompletedSteps() []StepRecord {
	out := make([]StepRecord, 0, len(c.Steps))
	for i := range c.Steps {
		if c.Steps[i].Status == StepCompleted {
			out = append(out, c.Steps[i])
		}
	}
	return out
}

// CurrentTraffic returns the most recent traffic percent, or 0.
func (c *ActivationContext) CurrentTraffic() int {
	if len(c.Traffic) == 0 {
		return 0
	}
	return c.Traffic[len(c.Traffic)-1].Percent
}

// ActivationResult is the caller-facing outcome envelope.
type ActivationResult struct {
	Success      bool            `json:"success"`
	ActivationID string          `json:"activation_id,omitempty"`
	State        ActivationState `json:"state"`
	Errors       []*Error        `json:"errors,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
}

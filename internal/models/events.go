package models

import "time"

// EventKind enumerates the activation event stream.
type EventKind string

const (
	EventBeforeActivate    EventKind = "before_activate"
	EventAfterActivate     EventKind = "after_activate"
	EventBeforeDeactivate  EventKind = "before_deactivate"
	EventAfterDeactivate   EventKind = "after_deactivate"
	EventStepStarted       EventKind = "step_started"
	EventStepCompleted     EventKind = "step_completed"
	EventStepFailed        EventKind = "step_failed"
	EventTrafficShifted    EventKind = "traffic_shifted"
	EventHealthVerdict     EventKind = "health_verdict"
	EventRollbackStarted   EventKind = "rollback_started"
	EventRollbackCompleted EventKind = "rollback_completed"
	EventError             EventKind = "error"
)

// ActivationEvent is one element of the per-activation event stream.
// Seq is monotonic within an activation; delivery is at-least-once.
type ActivationEvent struct {
	Timestamp    time.Time      `json:"ts"`
	ModuleID     string         `json:"module_id"`
	TenantID     string         `json:"tenant_id"`
	ActivationID string         `json:"activation_id"`
	Seq          uint64         `json:"seq"`
	Kind         EventKind      `json:"kind"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type RegistryEventKind string

const (
	RegistryRegistered    RegistryEventKind = "registered"
	RegistryUnregistered  RegistryEventKind = "unregistered"
	RegistryStatusChanged RegistryEventKind = "status_changed"
)

// RegistryEvent announces a catalog mutation. StatusChanged events carry the
// old and new status plus the tenant scope when the change is tenant-bound.
type RegistryEvent struct {
	Kind     RegistryEventKind `json:"kind"`
	ModuleID string            `json:"module_id"`
	Version  string            `json:"version"`
	TenantID string            `json:"tenant_id,omitempty"`
	From     ModuleStatus      `json:"from,omitempty"`
	To       ModuleStatus      `json:"to,omitempty"`
	At       time.Time         `json:"at"`
}

// WebSocketMessage is the envelope broadcast to stream clients.
type WebSocketMessage struct {
	Type      string    `json:"type"`
	Event     any       `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

package models

import "time"

type ProbeType string

const (
	ProbeEndpoint ProbeType = "endpoint"
	ProbeDatabase ProbeType = "database"
	ProbeService  ProbeType = "service"
	ProbeCustom   ProbeType = "custom"
)

// HealthCheckSpec declares one probe a module wants run during activation
// verification and while it is active. Target is probe-specific: a URL for
// endpoint probes, a DSN for database probes, a host:port for service probes
// and a registered checker name for custom probes.
type HealthCheckSpec struct {
	ID              string    `json:"id"`
	Type            ProbeType `json:"type"`
	Target          string    `json:"target"`
	Driver          string    `json:"driver,omitempty"`
	ServiceName     string    `json:"service_name,omitempty"`
	TimeoutSeconds  int       `json:"timeout_seconds,omitempty"`
	IntervalSeconds int       `json:"interval_seconds,omitempty"`
	Retries         int       `json:"retries,omitempty"`
	Critical        bool      `json:"critical"`
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ProbeResult is the outcome of one probe run, after retries.
type ProbeResult struct {
	CheckID   string    `json:"check_id"`
	Type      ProbeType `json:"type"`
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Attempts  int       `json:"attempts"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthReport aggregates probe results for one module activation. A failed
// critical probe makes the report unhealthy; failed non-critical probes
// degrade it.
type HealthReport struct {
	ModuleID  string        `json:"module_id"`
	TenantID  string        `json:"tenant_id"`
	Status    HealthStatus  `json:"status"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (r *HealthReport) Healthy() bool {
	return r.Status == HealthHealthy
}

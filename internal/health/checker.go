// Package health runs the declared probes of active modules and aggregates
// them into per module-tenant verdicts. Rollout strategies and rollback
// triggers either poll the latest report or subscribe to status changes.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
)

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeInterval = 30 * time.Second

	// subscriber channels are drop-on-full; a slow consumer misses
	// intermediate verdicts, never blocks probing.
	subscriberBuffer = 8
)

// ProbeFunc is a registered custom probe. A nil error is a pass.
type ProbeFunc func(ctx context.Context) error

type Options struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	HTTPClient *http.Client
}

// Checker executes probes and tracks the latest report per module-tenant.
// Database and service probing are injectable so tests run without real
// backends.
type Checker struct {
	log        *slog.Logger
	clock      clockwork.Clock
	httpClient *http.Client

	pingDatabase func(ctx context.Context, driver, dsn string) error
	checkService func(ctx context.Context, target, service string) error

	mu      sync.RWMutex
	custom  map[string]ProbeFunc
	latest  map[string]models.HealthReport
	subs    map[string]map[int]chan models.HealthReport
	nextSub int
}

func NewChecker(opts Options) *Checker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	c := &Checker{
		log:        opts.Logger.With("component", "health"),
		clock:      opts.Clock,
		httpClient: opts.HTTPClient,
		custom:     make(map[string]ProbeFunc),
		latest:     make(map[string]models.HealthReport),
		subs:       make(map[string]map[int]chan models.HealthReport),
	}
	c.pingDatabase = pingDatabase
	c.checkService = grpcServiceCheck
	return c
}

// RegisterCustom installs a named custom probe. Specs reference it through
// their target field.
func (c *Checker) RegisterCustom(name string, fn ProbeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[name] = fn
}

func scopeKey(moduleID, tenantID string) string {
	return moduleID + "/" + tenantID
}

// Check runs every spec once, stores the aggregated report as the latest
// for the pair, and notifies subscribers when the status changed.
func (c *Checker) Check(ctx context.Context, moduleID, tenantID string, specs []models.HealthCheckSpec) models.HealthReport {
	results := make([]models.ProbeResult, 0, len(specs))
	for i := range specs {
		results = append(results, c.runProbe(ctx, &specs[i]))
	}
	report := Aggregate(moduleID, tenantID, results, c.clock.Now().UTC())
	c.publish(report)
	return report
}

// Latest returns the most recent report for the pair; ok is false when the
// pair was never probed.
func (c *Checker) Latest(moduleID, tenantID string) (models.HealthReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	report, ok := c.latest[scopeKey(moduleID, tenantID)]
	return report, ok
}

// Subscribe delivers reports whose status differs from the previous one.
// The returned stop function must be called to release the subscription.
func (c *Checker) Subscribe(moduleID, tenantID string) (<-chan models.HealthReport, func()) {
	key := scopeKey(moduleID, tenantID)
	ch := make(chan models.HealthReport, subscriberBuffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]chan models.HealthReport)
	}
	c.subs[key][id] = ch
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		if subs, ok := c.subs[key]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(c.subs, key)
			}
		}
		c.mu.Unlock()
	}
	return ch, stop
}

// Monitor runs every spec on its own interval until ctx is done. Each spec
// probes once immediately, then on its ticker; every completed probe
// recomputes the aggregate.
func (c *Checker) Monitor(ctx context.Context, moduleID, tenantID string, specs []models.HealthCheckSpec) error {
	if len(specs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	shared := &monitorState{results: make(map[string]models.ProbeResult, len(specs))}
	var wg sync.WaitGroup
	for i := range specs {
		spec := specs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.monitorProbe(ctx, moduleID, tenantID, &spec, shared)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

type monitorState struct {
	mu      sync.Mutex
	results map[string]models.ProbeResult
}

func (c *Checker) monitorProbe(ctx context.Context, moduleID, tenantID string, spec *models.HealthCheckSpec, shared *monitorState) {
	interval := defaultProbeInterval
	if spec.IntervalSeconds > 0 {
		interval = time.Duration(spec.IntervalSeconds) * time.Second
	}

	run := func() {
		result := c.runProbe(ctx, spec)
		shared.mu.Lock()
		shared.results[spec.ID] = result
		all := make([]models.ProbeResult, 0, len(shared.results))
		for _, r := range shared.results {
			all = append(all, r)
		}
		shared.mu.Unlock()
		c.publish(Aggregate(moduleID, tenantID, all, c.clock.Now().UTC()))
	}

	run()
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			run()
		}
	}
}

// runProbe executes one spec with its timeout and retry budget.
func (c *Checker) runProbe(ctx context.Context, spec *models.HealthCheckSpec) models.ProbeResult {
	timeout := defaultProbeTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	attempts := spec.Retries + 1

	result := models.ProbeResult{
		CheckID:  spec.ID,
		Type:     spec.Type,
		Critical: spec.Critical,
	}
	started := c.clock.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = c.probeOnce(attemptCtx, spec)
		cancel()
		if lastErr == nil {
			result.Healthy = true
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	result.LatencyMs = c.clock.Since(started).Milliseconds()
	result.CheckedAt = c.clock.Now().UTC()
	if lastErr != nil {
		result.Error = lastErr.Error()
	}

	verdict := "pass"
	if !result.Healthy {
		verdict = "fail"
		c.log.Warn("health probe failed",
			"check_id", spec.ID,
			"type", string(spec.Type),
			"critical", spec.Critical,
			"attempts", result.Attempts,
			"error", result.Error)
	}
	metrics.HealthProbesTotal.WithLabelValues(string(spec.Type), verdict).Inc()
	return result
}

func (c *Checker) probeOnce(ctx context.Context, spec *models.HealthCheckSpec) error {
	switch spec.Type {
	case models.ProbeEndpoint:
		return c.probeEndpoint(ctx, spec)
	case models.ProbeDatabase:
		return c.pingDatabase(ctx, spec.Driver, spec.Target)
	case models.ProbeService:
		return c.checkService(ctx, spec.Target, spec.ServiceName)
	case models.ProbeCustom:
		c.mu.RLock()
		fn, ok := c.custom[spec.Target]
		c.mu.RUnlock()
		if !ok {
			return fmt.Errorf("custom probe %q is not registered", spec.Target)
		}
		return fn(ctx)
	default:
		return fmt.Errorf("unknown probe type %q", spec.Type)
	}
}

// publish stores the report and notifies subscribers when the status moved.
func (c *Checker) publish(report models.HealthReport) {
	key := scopeKey(report.ModuleID, report.TenantID)

	c.mu.Lock()
	previous, had := c.latest[key]
	c.latest[key] = report
	changed := !had || previous.Status != report.Status
	var targets []chan models.HealthReport
	if changed {
		for _, ch := range c.subs[key] {
			targets = append(targets, ch)
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range targets {
		select {
		case ch <- report:
		default:
		}
	}
}

// Aggregate folds probe results into a verdict: any failed critical probe is
// unhealthy, any other failure degrades, no probes means healthy.
func Aggregate(moduleID, tenantID string, probes []models.ProbeResult, now time.Time) models.HealthReport {
	status := models.HealthHealthy
	for _, p := range probes {
		if p.Healthy {
			continue
		}
		if p.Critical {
			status = models.HealthUnhealthy
			break
		}
		status = models.HealthDegraded
	}
	return models.HealthReport{
		ModuleID:  moduleID,
		TenantID:  tenantID,
		Status:    status,
		Probes:    probes,
		CheckedAt: now,
	}
}

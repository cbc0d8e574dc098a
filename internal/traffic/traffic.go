// Package traffic is the in-memory traffic router. It records, per module
// and tenant, which version receives traffic and at what percentage, plus
// the shift history an activation produced. Rollout strategies drive the
// percentages; this package only guarantees atomic reads and writes per
// route.
package traffic

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
)

// historyLimit bounds the retained shifts per route; older entries drop.
const historyLimit = 64

// Shift is one recorded weight change.
type Shift struct {
	Version string    `json:"version"`
	Percent int       `json:"percent"`
	At      time.Time `json:"at"`
}

// Route is the current pointer for one module-tenant pair. Percent is the
// share going to Version; the remainder stays with the previously active
// version.
type Route struct {
	ModuleID  string    `json:"module_id"`
	TenantID  string    `json:"tenant_id"`
	Version   string    `json:"version"`
	Percent   int       `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

type routeKey struct {
	moduleID string
	tenantID string
}

type routeState struct {
	version   string
	percent   int
	updatedAt time.Time
	history   []Shift
}

// Router keeps all routes behind one RWMutex. Writes are rare (rollout
// steps); reads are snapshot copies.
type Router struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	routes map[routeKey]*routeState
}

func NewRouter(clock clockwork.Clock) *Router {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Router{
		clock:  clock,
		routes: make(map[routeKey]*routeState),
	}
}

// SetWeight atomically points percent of the module-tenant traffic at
// version and appends to the shift history.
func (r *Router) SetWeight(moduleID, tenantID, version string, percent int) error {
	if moduleID == "" || tenantID == "" || version == "" {
		return models.Errorf(models.ErrValidation, "traffic route requires module, tenant and version")
	}
	if percent < 0 || percent > 100 {
		return models.Errorf(models.ErrValidation, "traffic percent %d out of range [0,100]", percent).
			WithModule(moduleID).WithTenant(tenantID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := routeKey{moduleID: moduleID, tenantID: tenantID}
	state, ok := r.routes[key]
	if !ok {
		state = &routeState{}
		r.routes[key] = state
	}
	now := r.clock.Now().UTC()
	state.version = version
	state.percent = percent
	state.updatedAt = now
	state.history = append(state.history, Shift{Version: version, Percent: percent, At: now})
	if len(state.history) > historyLimit {
		state.history = state.history[len(state.history)-historyLimit:]
	}

	metrics.TrafficPercent.WithLabelValues(moduleID, tenantID).Set(float64(percent))
	return nil
}

// Weight returns the current version and percentage for a route.
func (r *Router) Weight(moduleID, tenantID string) (string, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.routes[routeKey{moduleID: moduleID, tenantID: tenantID}]
	if !ok {
		return "", 0, false
	}
	return state.version, state.percent, true
}

// RouteFor returns the full route record.
func (r *Router) RouteFor(moduleID, tenantID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.routes[routeKey{moduleID: moduleID, tenantID: tenantID}]
	if !ok {
		return Route{}, false
	}
	return Route{
		ModuleID:  moduleID,
		TenantID:  tenantID,
		Version:   state.version,
		Percent:   state.percent,
		UpdatedAt: state.updatedAt,
	}, true
}

// History returns a copy of the recorded shifts for a route, oldest first.
func (r *Router) History(moduleID, tenantID string) []Shift {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.routes[routeKey{moduleID: moduleID, tenantID: tenantID}]
	if !ok {
		return nil
	}
	return append([]Shift(nil), state.history...)
}

// Drain routes all traffic away from the module for the tenant. The shift
// to zero stays in history; deactivation and rollback both end here.
func (r *Router) Drain(moduleID, tenantID string) error {
	r.mu.Lock()
	version := ""
	if state, ok := r.routes[routeKey{moduleID: moduleID, tenantID: tenantID}]; ok {
		version = state.version
	}
	r.mu.Unlock()
	if version == "" {
		return nil
	}
	return r.SetWeight(moduleID, tenantID, version, 0)
}

// Clear removes the route entirely, including its gauge series.
func (r *Router) Clear(moduleID, tenantID string) {
	r.mu.Lock()
	delete(r.routes, routeKey{moduleID: moduleID, tenantID: tenantID})
	r.mu.Unlock()
	metrics.TrafficPercent.DeleteLabelValues(moduleID, tenantID)
}

// Snapshot lists every route, ordered by module then tenant.
func (r *Router) Snapshot() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for key, state := range r.routes {
		out = append(out, Route{
			ModuleID:  key.moduleID,
			TenantID:  key.tenantID,
			Version:   state.version,
			Percent:   state.percent,
			UpdatedAt: state.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModuleID != out[j].ModuleID {
			return out[i].ModuleID < out[j].ModuleID
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

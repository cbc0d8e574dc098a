package activation

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
)

// Published is one module's integration surface (routes, APIs, components)
// for a tenant. Instances are immutable once created.
type Published struct {
	ModuleID   string                 `json:"module_id"`
	TenantID   string                 `json:"tenant_id"`
	Version    string                 `json:"version"`
	Routes     []models.RouteSpec     `json:"routes,omitempty"`
	APIs       []models.APISpec       `json:"apis,omitempty"`
	Components []models.ComponentSpec `json:"components,omitempty"`
	StagedAt   time.Time              `json:"staged_at"`
	PromotedAt time.Time              `json:"promoted_at,omitempty"`
}

// Surface tracks what active modules publish. Registrations land in a
// staging slot first and carry no traffic; the activate step promotes them
// to live. Rollback discards staging or restores the previous live entry.
type Surface struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	staged map[string]*Published
	live   map[string]*Published
}

func NewSurface(clock clockwork.Clock) *Surface {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Surface{
		clock:  clock,
		staged: make(map[string]*Published),
		live:   make(map[string]*Published),
	}
}

func surfaceKey(moduleID, tenantID string) string {
	return moduleID + "/" + tenantID
}

// Stage records the definition's surface for the tenant without serving it.
// Re-staging the same (module, tenant, version) is a no-op. A route that
// collides with another module's live surface in the same tenant fails with
// MODULE_CONFLICT.
func (s *Surface) Stage(def *models.ModuleDefinition, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := surfaceKey(def.ID, tenantID)
	if cur, ok := s.staged[key]; ok && cur.Version == def.Version {
		return nil
	}

	for _, p := range s.live {
		if p.TenantID != tenantID || p.ModuleID == def.ID {
			continue
		}
		for _, route := range def.Routes {
			if collides(p.Routes, route) {
				return models.Errorf(models.ErrModuleConflict,
					"route %s %s is already published by module %s",
					route.Method, route.Path, p.ModuleID).
					WithModule(def.ID).WithTenant(tenantID)
			}
		}
	}

	s.staged[key] = &Published{
		ModuleID:   def.ID,
		TenantID:   tenantID,
		Version:    def.Version,
		Routes:     def.Routes,
		APIs:       def.APIs,
		Components: def.Components,
		StagedAt:   s.clock.Now().UTC(),
	}
	return nil
}

func collides(published []models.RouteSpec, route models.RouteSpec) bool {
	for _, p := range published {
		if p.Path != route.Path {
			continue
		}
		// An empty method matches every method.
		if p.Method == "" || route.Method == "" || p.Method == route.Method {
			return true
		}
	}
	return false
}

// Promote moves the staged surface to live, replacing whatever served
// before. It returns the now-live surface, or false when nothing is staged.
func (s *Surface) Promote(moduleID, tenantID string) (*Published, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := surfaceKey(moduleID, tenantID)
	p, ok := s.staged[key]
	if !ok {
		return nil, false
	}
	delete(s.staged, key)
	promoted := *p
	promoted.PromotedAt = s.clock.Now().UTC()
	s.live[key] = &promoted
	return &promoted, true
}

// Discard drops the staged surface, if any.
func (s *Surface) Discard(moduleID, tenantID string) {
	s.mu.Lock()
	delete(s.staged, surfaceKey(moduleID, tenantID))
	s.mu.Unlock()
}

// Restore forces the live slot back to prev. A nil prev clears it. Used by
// the activate step's undo path.
func (s *Surface) Restore(moduleID, tenantID string, prev *Published) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := surfaceKey(moduleID, tenantID)
	if prev == nil {
		delete(s.live, key)
		return
	}
	s.live[key] = prev
}

// Unpublish removes the live surface and returns it.
func (s *Surface) Unpublish(moduleID, tenantID string) (*Published, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := surfaceKey(moduleID, tenantID)
	p, ok := s.live[key]
	delete(s.live, key)
	return p, ok
}

// Live returns the serving surface for (module, tenant).
func (s *Surface) Live(moduleID, tenantID string) (*Published, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.live[surfaceKey(moduleID, tenantID)]
	return p, ok
}

// Staged returns the staged surface for (module, tenant).
func (s *Surface) Staged(moduleID, tenantID string) (*Published, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.staged[surfaceKey(moduleID, tenantID)]
	return p, ok
}

// List returns the live surfaces of one tenant, every tenant when tenantID
// is empty.
func (s *Surface) List(tenantID string) []*Published {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Published, 0, len(s.live))
	for _, p := range s.live {
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		out = append(out, p)
	}
	return out
}

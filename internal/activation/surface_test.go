package activation

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduleplane/moduleplane/internal/models"
)

func surfaceDef(id, version string, routes ...models.RouteSpec) *models.ModuleDefinition {
	return &models.ModuleDefinition{
		ID:      id,
		Name:    id,
		Version: version,
		Routes:  routes,
		APIs:    []models.APISpec{{Name: id + ".query", Version: "v1"}},
	}
}

func newTestSurface() *Surface {
	return NewSurface(clockwork.NewFakeClockAt(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)))
}

func TestSurfaceStagePromoteLifecycle(t *testing.T) {
	s := newTestSurface()
	def := surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/billing", Method: "GET"})

	require.NoError(t, s.Stage(def, "acme"))
	staged, ok := s.Staged("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", staged.Version)
	_, live := s.Live("billing", "acme")
	assert.False(t, live, "staging must not touch the live surface")

	promoted, ok := s.Promote("billing", "acme")
	require.True(t, ok)
	assert.False(t, promoted.PromotedAt.IsZero())
	_, stillStaged := s.Staged("billing", "acme")
	assert.False(t, stillStaged)

	published, ok := s.Live("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", published.Version)
	require.Len(t, published.Routes, 1)
	assert.Equal(t, "/billing", published.Routes[0].Path)
}

func TestSurfacePromoteWithoutStageIsNoop(t *testing.T) {
	s := newTestSurface()
	_, ok := s.Promote("billing", "acme")
	assert.False(t, ok)
}

func TestSurfaceRouteCollisionRefused(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/invoices", Method: "GET"}), "acme"))
	_, ok := s.Promote("billing", "acme")
	require.True(t, ok)

	err := s.Stage(surfaceDef("reports", "2.0.0", models.RouteSpec{Path: "/invoices", Method: "GET"}), "acme")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrModuleConflict))

	// A different method on the same path coexists.
	require.NoError(t, s.Stage(surfaceDef("reports", "2.0.0", models.RouteSpec{Path: "/invoices", Method: "POST"}), "acme"))
}

func TestSurfaceCollisionScopedToTenant(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/invoices", Method: "GET"}), "acme"))
	s.Promote("billing", "acme")

	// Same route, different tenant: no conflict.
	require.NoError(t, s.Stage(surfaceDef("reports", "1.0.0", models.RouteSpec{Path: "/invoices", Method: "GET"}), "globex"))
}

func TestSurfaceUpgradeOwnRouteNoConflict(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))
	s.Promote("billing", "acme")

	// The module's own live routes never block its next version.
	require.NoError(t, s.Stage(surfaceDef("billing", "1.1.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))
	got, ok := s.Promote("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", got.Version)
}

func TestSurfaceEmptyMethodMatchesEveryMethod(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/invoices"}), "acme"))
	s.Promote("billing", "acme")

	err := s.Stage(surfaceDef("reports", "1.0.0", models.RouteSpec{Path: "/invoices", Method: "POST"}), "acme")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrModuleConflict))
}

func TestSurfaceDiscardDropsStagedOnly(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))
	s.Promote("billing", "acme")
	require.NoError(t, s.Stage(surfaceDef("billing", "1.1.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))

	s.Discard("billing", "acme")
	_, staged := s.Staged("billing", "acme")
	assert.False(t, staged)
	live, ok := s.Live("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", live.Version)
}

func TestSurfaceRestoreReinstatesPrevious(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))
	prev, ok := s.Promote("billing", "acme")
	require.True(t, ok)

	require.NoError(t, s.Stage(surfaceDef("billing", "1.1.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))
	s.Promote("billing", "acme")

	s.Restore("billing", "acme", prev)
	live, ok := s.Live("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", live.Version)

	// Restoring nil clears the slot entirely.
	s.Restore("billing", "acme", nil)
	_, ok = s.Live("billing", "acme")
	assert.False(t, ok)
}

func TestSurfaceUnpublishReturnsFormerLive(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))
	s.Promote("billing", "acme")

	gone, ok := s.Unpublish("billing", "acme")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", gone.Version)
	_, ok = s.Live("billing", "acme")
	assert.False(t, ok)

	_, ok = s.Unpublish("billing", "acme")
	assert.False(t, ok)
}

func TestSurfaceListFiltersByTenant(t *testing.T) {
	s := newTestSurface()
	require.NoError(t, s.Stage(surfaceDef("billing", "1.0.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "acme"))
	s.Promote("billing", "acme")
	require.NoError(t, s.Stage(surfaceDef("reports", "1.0.0", models.RouteSpec{Path: "/reports", Method: "GET"}), "acme"))
	s.Promote("reports", "acme")
	require.NoError(t, s.Stage(surfaceDef("billing", "2.0.0", models.RouteSpec{Path: "/billing", Method: "GET"}), "globex"))
	s.Promote("billing", "globex")

	acme := s.List("acme")
	assert.Len(t, acme, 2)
	all := s.List("")
	assert.Len(t, all, 3)
}

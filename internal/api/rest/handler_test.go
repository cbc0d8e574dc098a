package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/moduleplane/moduleplane/internal/activation"
	"github.com/moduleplane/moduleplane/internal/api/middleware"
	"github.com/moduleplane/moduleplane/internal/audit"
	"github.com/moduleplane/moduleplane/internal/crypto"
	"github.com/moduleplane/moduleplane/internal/health"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/namespace"
	"github.com/moduleplane/moduleplane/internal/registry"
	"github.com/moduleplane/moduleplane/internal/resolver"
	"github.com/moduleplane/moduleplane/internal/rollback"
	"github.com/moduleplane/moduleplane/internal/service"
	"github.com/moduleplane/moduleplane/internal/storage"
	"github.com/moduleplane/moduleplane/internal/traffic"
)

// principal identifies the caller for a test request via X-Principal-* headers.
type principal struct {
	Type  string
	ID    string
	Roles string
}

var (
	adminCaller  = principal{Type: "user", ID: "root", Roles: "admin"}
	tenantCaller = principal{Type: "tenant", ID: "acme"}
	anonCaller   = principal{}
)

type restEnv struct {
	router *mux.Router
	svc    service.ModuleService
	mgr    *namespace.Manager
	store  *storage.Memory
}

// newRESTEnv wires the whole stack over in-memory storage behind the real
// router and middleware chain, the way cmd/server assembles it.
func newRESTEnv(t *testing.T) *restEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewRealClock()
	store := storage.NewMemory()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	prov, err := crypto.NewAESProvider(key, "")
	require.NoError(t, err)

	rec := audit.NewRecorder(store, nil, clock, log, 0)
	t.Cleanup(rec.Close)

	mgr := namespace.NewManager(namespace.Options{
		Store:  store,
		Crypto: prov,
		Audit:  rec,
		Clock:  clock,
		Logger: log,
	})

	reg := registry.New(store, clock, log)
	res := resolver.New(reg, resolver.Options{Logger: log, Clock: clock})
	checker := health.NewChecker(health.Options{Logger: log, Clock: clock})
	router := traffic.NewRouter(clock)
	controller := rollback.NewController(rollback.Options{Logger: log, Clock: clock})

	engine := activation.New(activation.Options{
		Registry: reg,
		Resolver: res,
		Health:   checker,
		Traffic:  router,
		Rollback: controller,
		Store:    store,
		Isolator: mgr,
		Audit:    rec,
		Clock:    clock,
		Logger:   log,
	})
	t.Cleanup(engine.Close)

	svc := service.NewModuleService(reg, res, engine, checker, log)

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RequestID, middleware.Principal)
	SetupRoutes(api, NewHandler(svc, mgr))

	return &restEnv{router: r, svc: svc, mgr: mgr, store: store}
}

// do sends a request through the full router. body may be nil, a raw string,
// raw bytes, or a value to JSON-encode.
func (e *restEnv) do(t *testing.T, method, path string, caller principal, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if caller.ID != "" {
		req.Header.Set("X-Principal-Type", caller.Type)
		req.Header.Set("X-Principal-Id", caller.ID)
		if caller.Roles != "" {
			req.Header.Set("X-Principal-Roles", caller.Roles)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// serve runs a hand-built request through the full router.
func (e *restEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// newActivateRequest builds an authenticated activate request the caller can
// decorate with extra headers before serving.
func newActivateRequest(t *testing.T, moduleID, tenantID string) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"tenant_id": tenantID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/modules/"+moduleID+"/activate", bytes.NewReader(payload))
	req.Header.Set("X-Principal-Type", adminCaller.Type)
	req.Header.Set("X-Principal-Id", adminCaller.ID)
	req.Header.Set("X-Principal-Roles", adminCaller.Roles)
	return req
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m), "body: %s", rec.Body.String())
	return m
}

const billingManifest = `
id: billing
name: Billing
version: 1.0.0
routes:
  - path: /billing
    method: GET
lifecycle:
  automatic_rollback: true
`

const paymentsManifest = `
id: payments
name: Payments
version: 2.0.0
`

// waitActive polls the activation endpoint until the run reaches active.
func (e *restEnv) waitActive(t *testing.T, activationID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/v1/activations/"+activationID, adminCaller, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var actx models.ActivationContext
		if err := json.NewDecoder(rec.Body).Decode(&actx); err != nil {
			return false
		}
		return actx.State == models.StateActive
	}, 5*time.Second, 10*time.Millisecond, "activation %s never became active", activationID)
}

// install registers a manifest and fails the test on rejection.
func (e *restEnv) install(t *testing.T, manifest string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/modules", adminCaller, manifest)
	require.Equal(t, http.StatusCreated, rec.Code, "install failed: %s", rec.Body.String())
}

// activate starts an activation and returns its id.
func (e *restEnv) activate(t *testing.T, moduleID, version, tenantID string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/modules/"+moduleID+"/activate", adminCaller,
		map[string]string{"version": version, "tenant_id": tenantID})
	require.Equal(t, http.StatusAccepted, rec.Code, "activate refused: %s", rec.Body.String())
	body := decodeMap(t, rec)
	id, _ := body["activation_id"].(string)
	require.NotEmpty(t, id)
	return id
}

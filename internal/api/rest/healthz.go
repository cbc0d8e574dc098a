package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the readiness view of the storage adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthzHandler handles health check endpoints
type HealthzHandler struct {
	store   Pinger
	version string
}

// NewHealthzHandler creates a new healthz handler. store may be nil.
func NewHealthzHandler(store Pinger, version string) *HealthzHandler {
	return &HealthzHandler{store: store, version: version}
}

// Live handles GET /health - liveness probe (process is alive)
func (h *HealthzHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "moduleplane",
		"version": h.version,
	})
}

// Ready handles GET /ready - readiness probe (dependencies are healthy)
func (h *HealthzHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "unhealthy",
				"reason": "storage_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

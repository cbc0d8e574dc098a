package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/moduleplane/moduleplane/internal/identity"
	"github.com/moduleplane/moduleplane/internal/namespace"
	"github.com/moduleplane/moduleplane/internal/service"
)

// Handler manages HTTP request handlers
type Handler struct {
	modules    service.ModuleService
	namespaces *namespace.Manager
}

// NewHandler creates a new HTTP handler
func NewHandler(modules service.ModuleService, namespaces *namespace.Manager) *Handler {
	return &Handler{
		modules:    modules,
		namespaces: namespaces,
	}
}

// SetupRoutes configures API routes
func SetupRoutes(router *mux.Router, h *Handler) {
	// Module routes
	router.HandleFunc("/modules", h.ListModules).Methods("GET")
	router.HandleFunc("/modules", h.InstallModule).Methods("POST")
	router.HandleFunc("/modules/{id}", h.GetModule).Methods("GET")
	router.HandleFunc("/modules/{id}/{version}", h.UninstallModule).Methods("DELETE")
	router.HandleFunc("/modules/{id}/resolve", h.ResolveModule).Methods("POST")
	router.HandleFunc("/modules/{id}/activate", h.ActivateModule).Methods("POST")
	router.HandleFunc("/modules/{id}/deactivate", h.DeactivateModule).Methods("POST")

	// Activation routes
	router.HandleFunc("/activations", h.ListActivations).Methods("GET")
	router.HandleFunc("/activations/{id}", h.GetActivation).Methods("GET")
	router.HandleFunc("/activations/{id}/rollback", h.RollbackActivation).Methods("POST")

	// Tenant-scoped health
	router.HandleFunc("/tenants/{tenant}/modules/{id}/health", h.ModuleHealth).Methods("GET")

	// Namespace routes. Fixed segments register before {id} so "import" and
	// "resolve" never match as ids.
	router.HandleFunc("/namespaces/import", h.ImportNamespace).Methods("POST")
	router.HandleFunc("/namespaces/resolve", h.ResolveNamespace).Methods("GET")
	router.HandleFunc("/namespaces", h.CreateNamespace).Methods("POST")
	router.HandleFunc("/namespaces", h.ListNamespaces).Methods("GET")
	router.HandleFunc("/namespaces/{id}", h.GetNamespace).Methods("GET")
	router.HandleFunc("/namespaces/{id}", h.UpdateNamespace).Methods("PATCH")
	router.HandleFunc("/namespaces/{id}", h.DeleteNamespace).Methods("DELETE")
	router.HandleFunc("/namespaces/{id}/config/{key}", h.GetNamespaceConfig).Methods("GET")
	router.HandleFunc("/namespaces/{id}/config/{key}", h.SetNamespaceConfig).Methods("PUT")
	router.HandleFunc("/namespaces/{id}/config/{key}", h.DeleteNamespaceConfig).Methods("DELETE")
	router.HandleFunc("/namespaces/{id}/export", h.ExportNamespace).Methods("GET")
	router.HandleFunc("/namespaces/{id}/audit", h.NamespaceAudit).Methods("GET")
	router.HandleFunc("/namespaces/{id}/metrics", h.NamespaceMetrics).Methods("GET")
	router.HandleFunc("/namespaces/{id}/aliases", h.CreateNamespaceAlias).Methods("POST")
	router.HandleFunc("/namespaces/{id}/aliases/{alias}", h.DeleteNamespaceAlias).Methods("DELETE")
}

// principalID names the caller for audit attribution.
func principalID(r *http.Request) string {
	return identity.FromContext(r.Context()).ID
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

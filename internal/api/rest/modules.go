package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/resolver"
	"github.com/moduleplane/moduleplane/internal/service"
)

// resolveBody is the JSON body for POST /modules/{id}/resolve
type resolveBody struct {
	Version  string `json:"version"`
	TenantID string `json:"tenant_id"`
	Strategy string `json:"strategy"`
	MaxDepth int    `json:"max_depth"`
}

// activateBody is the JSON body for POST /modules/{id}/activate
type activateBody struct {
	Version  string                   `json:"version"`
	TenantID string                   `json:"tenant_id"`
	Strategy string                   `json:"strategy"`
	Options  models.ActivationOptions `json:"options"`
}

// deactivateBody is the JSON body for POST /modules/{id}/deactivate
type deactivateBody struct {
	TenantID string `json:"tenant_id"`
}

// ListModules handles GET /modules
func (h *Handler) ListModules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EntryFilter{
		Status:     models.ModuleStatus(q.Get("status")),
		Capability: q.Get("capability"),
		TenantID:   q.Get("tenant"),
	}
	entries := h.modules.ListModules(r.Context(), filter)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"modules": entries,
		"count":   len(entries),
	})
}

// GetModule handles GET /modules/{id}
func (h *Handler) GetModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	detail, err := h.modules.GetModule(r.Context(), id)
	if err != nil {
		respondErrorWithRequestID(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// InstallModule handles POST /modules. The body is the manifest itself,
// JSON or YAML.
func (h *Handler) InstallModule(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "unreadable request body")
		return
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "manifest body is required")
		return
	}

	outcome, err := h.modules.Install(r.Context(), service.InstallRequest{
		Manifest: payload,
		Actor:    principalID(r),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, outcome)
}

// UninstallModule handles DELETE /modules/{id}/{version}
func (h *Handler) UninstallModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, version := vars["id"], vars["version"]

	if err := h.modules.Uninstall(r.Context(), id, version); err != nil {
		if models.IsKind(err, models.ErrModuleConflict) {
			// Still active somewhere; the caller must deactivate first.
			respondDomainError(w, r, err)
			return
		}
		respondErrorWithRequestID(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "module unregistered"})
}

// ResolveModule handles POST /modules/{id}/resolve
func (h *Handler) ResolveModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if body.TenantID == "" {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "tenant_id is required")
		return
	}

	result, err := h.modules.Resolve(r.Context(), id, service.ResolveRequest{
		Version:  body.Version,
		TenantID: body.TenantID,
		Strategy: resolver.Strategy(body.Strategy),
		MaxDepth: body.MaxDepth,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	// Unresolvable graphs are still a completed resolution: the envelope
	// carries success=false with the conflicts and misses.
	respondJSON(w, http.StatusOK, result)
}

// ActivateModule handles POST /modules/{id}/activate
func (h *Handler) ActivateModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var body activateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if body.TenantID == "" {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "tenant_id is required")
		return
	}
	opts := body.Options
	if body.Strategy != "" && opts.Rollout.Kind == "" {
		opts.Rollout.Kind = models.RolloutKind(body.Strategy)
	}
	// X-Idempotency-Key deduplicates retried requests: the same key returns
	// the existing activation instead of starting another run.
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" {
		opts.IdempotencyKey = key
	}

	activationID, result := h.modules.StartActivation(r.Context(), id, service.ActivateRequest{
		Version:  body.Version,
		TenantID: body.TenantID,
		Options:  opts,
		Actor:    principalID(r),
	})
	if result != nil && !result.Success {
		status := http.StatusUnprocessableEntity
		if len(result.Errors) > 0 {
			status = statusForKind(result.Errors[0].Kind)
		}
		respondJSON(w, status, result)
		return
	}
	if result != nil {
		// Idempotent replay of a finished or running activation.
		respondJSON(w, http.StatusOK, result)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"activation_id": activationID,
		"state":         string(models.StatePending),
	})
}

// DeactivateModule handles POST /modules/{id}/deactivate
func (h *Handler) DeactivateModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var body deactivateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if body.TenantID == "" {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "tenant_id is required")
		return
	}

	res := h.modules.Deactivate(r.Context(), id, body.TenantID, principalID(r))
	respondJSON(w, resultStatus(res), res)
}

// ModuleHealth handles GET /tenants/{tenant}/modules/{id}/health
func (h *Handler) ModuleHealth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenant, id := vars["tenant"], vars["id"]

	report, err := h.modules.ModuleHealth(r.Context(), tenant, id)
	if err != nil {
		respondErrorWithRequestID(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// resultStatus picks the HTTP status for a Result envelope: 200 on success,
// the first error's kind mapping otherwise.
func resultStatus(res *models.Result) int {
	if res == nil {
		return http.StatusInternalServerError
	}
	if res.Success {
		return http.StatusOK
	}
	if len(res.Errors) > 0 {
		return statusForKind(res.Errors[0].Kind)
	}
	return http.StatusInternalServerError
}

// parseLimit reads a positive ?limit= query parameter with a default cap.
func parseLimit(r *http.Request, fallback, max int) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = fallback
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}

package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/namespace"
)

// namespaceCreateBody is the JSON body for POST /namespaces. Path "/"
// bootstraps the scope root (idempotent); any other path creates a child
// under its parent.
type namespaceCreateBody struct {
	ModuleID      string                    `json:"module_id"`
	TenantID      string                    `json:"tenant_id"`
	Path          string                    `json:"path"`
	AccessControl *models.AccessControl     `json:"access_control,omitempty"`
	Inheritance   *models.InheritanceConfig `json:"inheritance,omitempty"`
	Isolation     *models.IsolationConfig   `json:"isolation,omitempty"`
	Quotas        models.ResourceLimits     `json:"quotas,omitempty"`
}

// namespaceUpdateBody is the JSON body for PATCH /namespaces/{id}. Absent
// fields stay untouched.
type namespaceUpdateBody struct {
	AccessControl *models.AccessControl     `json:"access_control,omitempty"`
	Inheritance   *models.InheritanceConfig `json:"inheritance,omitempty"`
	Isolation     *models.IsolationConfig   `json:"isolation,omitempty"`
	Status        *models.NamespaceStatus   `json:"status,omitempty"`
	Locked        *bool                     `json:"locked,omitempty"`
}

// configValueBody is the JSON body for PUT /namespaces/{id}/config/{key}
type configValueBody struct {
	Value interface{} `json:"value"`
}

// namespaceImportBody is the JSON body for POST /namespaces/import
type namespaceImportBody struct {
	ModuleID string                  `json:"module_id"`
	TenantID string                  `json:"tenant_id"`
	Export   *models.NamespaceExport `json:"export"`
}

// aliasBody is the JSON body for POST /namespaces/{id}/aliases
type aliasBody struct {
	Alias string `json:"alias"`
}

// CreateNamespace handles POST /namespaces
func (h *Handler) CreateNamespace(w http.ResponseWriter, r *http.Request) {
	var body namespaceCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if body.ModuleID == "" || body.TenantID == "" {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "module_id and tenant_id are required")
		return
	}
	scope := models.Scope{ModuleID: body.ModuleID, TenantID: body.TenantID}

	if body.Path == "" || body.Path == "/" {
		ns, err := h.namespaces.EnsureScope(r.Context(), scope, body.Quotas)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, ns)
		return
	}

	ns, err := h.namespaces.Create(r.Context(), scope, namespace.CreateSpec{
		Path:          body.Path,
		AccessControl: body.AccessControl,
		Inheritance:   body.Inheritance,
		Isolation:     body.Isolation,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ns)
}

// ListNamespaces handles GET /namespaces?module=&tenant=
func (h *Handler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	moduleID, tenantID := q.Get("module"), q.Get("tenant")
	if moduleID == "" || tenantID == "" {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "module and tenant query parameters are required")
		return
	}

	list := h.namespaces.List(r.Context(), models.Scope{ModuleID: moduleID, TenantID: tenantID})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"namespaces": list,
		"count":      len(list),
	})
}

// GetNamespace handles GET /namespaces/{id}
func (h *Handler) GetNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := h.namespaces.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ns)
}

// ResolveNamespace handles GET /namespaces/resolve?module=&tenant=&ref=
// where ref is a path or an alias.
func (h *Handler) ResolveNamespace(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	moduleID, tenantID, ref := q.Get("module"), q.Get("tenant"), q.Get("ref")
	if moduleID == "" || tenantID == "" || ref == "" {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "module, tenant and ref query parameters are required")
		return
	}

	ns, err := h.namespaces.Resolve(r.Context(), models.Scope{ModuleID: moduleID, TenantID: tenantID}, ref)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ns)
}

// UpdateNamespace handles PATCH /namespaces/{id}
func (h *Handler) UpdateNamespace(w http.ResponseWriter, r *http.Request) {
	var body namespaceUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	ns, err := h.namespaces.Update(r.Context(), mux.Vars(r)["id"], namespace.UpdateSpec{
		AccessControl: body.AccessControl,
		Inheritance:   body.Inheritance,
		Isolation:     body.Isolation,
		Status:        body.Status,
		Locked:        body.Locked,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ns)
}

// DeleteNamespace handles DELETE /namespaces/{id}?recursive=true
func (h *Handler) DeleteNamespace(w http.ResponseWriter, r *http.Request) {
	recursive := r.URL.Query().Get("recursive") == "true"

	if err := h.namespaces.Delete(r.Context(), mux.Vars(r)["id"], recursive); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "namespace deleted"})
}

// GetNamespaceConfig handles GET /namespaces/{id}/config/{key}
func (h *Handler) GetNamespaceConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, key := vars["id"], vars["key"]

	value, found, err := h.namespaces.GetConfig(r.Context(), id, key, nil)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if !found {
		respondErrorWithRequestID(w, r, http.StatusNotFound, ErrCodeNotFound, "no value for key "+key)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

// SetNamespaceConfig handles PUT /namespaces/{id}/config/{key}
func (h *Handler) SetNamespaceConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, key := vars["id"], vars["key"]

	var body configValueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if err := h.namespaces.SetConfig(r.Context(), id, key, body.Value); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "value set"})
}

// DeleteNamespaceConfig handles DELETE /namespaces/{id}/config/{key}
func (h *Handler) DeleteNamespaceConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, key := vars["id"], vars["key"]

	if err := h.namespaces.DeleteConfig(r.Context(), id, key); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "value deleted"})
}

// ExportNamespace handles GET /namespaces/{id}/export
func (h *Handler) ExportNamespace(w http.ResponseWriter, r *http.Request) {
	export, err := h.namespaces.Export(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, export)
}

// ImportNamespace handles POST /namespaces/import
func (h *Handler) ImportNamespace(w http.ResponseWriter, r *http.Request) {
	var body namespaceImportBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if body.ModuleID == "" || body.TenantID == "" || body.Export == nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "module_id, tenant_id and export are required")
		return
	}

	res := h.namespaces.Import(r.Context(), models.Scope{ModuleID: body.ModuleID, TenantID: body.TenantID}, body.Export)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
		if len(res.Errors) > 0 {
			status = statusForKind(res.Errors[0].Kind)
		}
	}
	respondJSON(w, status, res)
}

// NamespaceAudit handles GET /namespaces/{id}/audit?since=&until=&limit=
func (h *Handler) NamespaceAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(r, 100, 1000)

	var since, until time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "until must be RFC3339")
			return
		}
		until = t
	}

	entries, err := h.namespaces.AuditTrail(r.Context(), mux.Vars(r)["id"], since, until, limit)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// NamespaceMetrics handles GET /namespaces/{id}/metrics
func (h *Handler) NamespaceMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.namespaces.Metrics(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// CreateNamespaceAlias handles POST /namespaces/{id}/aliases
func (h *Handler) CreateNamespaceAlias(w http.ResponseWriter, r *http.Request) {
	var body aliasBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if body.Alias == "" {
		respondErrorWithRequestID(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "alias is required")
		return
	}

	if err := h.namespaces.CreateAlias(r.Context(), body.Alias, mux.Vars(r)["id"]); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"alias": body.Alias})
}

// DeleteNamespaceAlias handles DELETE /namespaces/{id}/aliases/{alias}
func (h *Handler) DeleteNamespaceAlias(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, alias := vars["id"], vars["alias"]

	ns, err := h.namespaces.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if err := h.namespaces.DeleteAlias(r.Context(), ns.Scope(), alias); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "alias removed"})
}

package rest

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ListActivations handles GET /activations
func (h *Handler) ListActivations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(r, 50, 500)

	history, err := h.modules.ListActivations(r.Context(), q.Get("tenant"), q.Get("module"), limit)
	if err != nil {
		respondErrorWithRequestID(w, r, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"activations": history,
		"count":       len(history),
	})
}

// GetActivation handles GET /activations/{id}
func (h *Handler) GetActivation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	actx, ok := h.modules.ActivationStatus(r.Context(), id)
	if !ok {
		respondErrorWithRequestID(w, r, http.StatusNotFound, ErrCodeNotFound, "no activation "+id)
		return
	}
	respondJSON(w, http.StatusOK, actx)
}

// RollbackActivation handles POST /activations/{id}/rollback
func (h *Handler) RollbackActivation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if _, ok := h.modules.ActivationStatus(r.Context(), id); !ok {
		respondErrorWithRequestID(w, r, http.StatusNotFound, ErrCodeNotFound, "no activation "+id)
		return
	}

	res := h.modules.RollbackActivation(r.Context(), id, principalID(r))
	respondJSON(w, resultStatus(res), res)
}

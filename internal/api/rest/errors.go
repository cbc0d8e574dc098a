package rest

import (
	"encoding/json"
	"net/http"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/logger"
)

// APIError represents a structured API error response
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error codes for common scenarios
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
)

// statusForKind maps domain error kinds onto HTTP status codes. Kinds that
// express caller mistakes map to 4xx; engine-side failures map to 5xx.
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrValidation:
		return http.StatusBadRequest
	case models.ErrAccessDenied:
		return http.StatusForbidden
	case models.ErrNamespaceNotFound:
		return http.StatusNotFound
	case models.ErrNamespacePathTaken, models.ErrModuleConflict,
		models.ErrDependencyConflict, models.ErrActivationInProgress:
		return http.StatusConflict
	case models.ErrNamespaceLocked:
		return http.StatusLocked
	case models.ErrDependencyUnresolved, models.ErrResourceLimit:
		return http.StatusUnprocessableEntity
	case models.ErrActivationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// codeForKind folds domain kinds into the coarse API error code set.
func codeForKind(kind models.ErrorKind) string {
	switch statusForKind(kind) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrCodeValidationFailed
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusConflict, http.StatusLocked:
		return ErrCodeConflict
	case http.StatusGatewayTimeout:
		return ErrCodeTimeout
	default:
		return ErrCodeInternalError
	}
}

// respondStructuredError sends a structured error response with error code and details
func respondStructuredError(w http.ResponseWriter, status int, code, message string, requestID string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := APIError{
		Error:     message,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}
	json.NewEncoder(w).Encode(err)
}

// respondErrorWithRequestID sends a coded error, stamping the request id the
// middleware stored on the context.
func respondErrorWithRequestID(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondStructuredError(w, status, code, message, logger.FromContext(r.Context()), nil)
}

// respondDomainError maps a domain error (usually a *models.Error) onto the
// wire: status and code from its kind, module/tenant/path context in details.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	de := models.AsError(err, kind)
	details := map[string]string{}
	if de.ModuleID != "" {
		details["module_id"] = de.ModuleID
	}
	if de.TenantID != "" {
		details["tenant_id"] = de.TenantID
	}
	if de.Path != "" {
		details["path"] = de.Path
	}
	if len(details) == 0 {
		details = nil
	}
	respondStructuredError(w, statusForKind(kind), codeForKind(kind), err.Error(), logger.FromContext(r.Context()), details)
}

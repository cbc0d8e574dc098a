package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers and for the rollback policy.
// Kinds are wire-stable strings, not Go type names.
type ErrorKind string

const (
	ErrValidation           ErrorKind = "VALIDATION"
	ErrDependencyUnresolved ErrorKind = "DEPENDENCY_UNRESOLVED"
	ErrDependencyConflict   ErrorKind = "DEPENDENCY_CONFLICT"
	ErrModuleConflict       ErrorKind = "MODULE_CONFLICT"
	ErrResourceLimit        ErrorKind = "RESOURCE_LIMIT"
	ErrAccessDenied         ErrorKind = "ACCESS_DENIED"
	ErrNamespaceNotFound    ErrorKind = "NAMESPACE_NOT_FOUND"
	ErrNamespacePathTaken   ErrorKind = "NAMESPACE_PATH_CONFLICT"
	ErrNamespaceLocked      ErrorKind = "NAMESPACE_LOCKED"
	ErrMigrationFailed      ErrorKind = "MIGRATION_FAILED"
	ErrHealthCheckFailed    ErrorKind = "HEALTH_CHECK_FAILED"
	ErrActivationTimeout    ErrorKind = "ACTIVATION_TIMEOUT"
	ErrActivationInProgress ErrorKind = "ACTIVATION_IN_PROGRESS"
	ErrRollbackFailed       ErrorKind = "ROLLBACK_FAILED"
	ErrCritical             ErrorKind = "CRITICAL"
)

// Error is the structured error carried through engine results and API
// responses. ModuleID, TenantID and Path are filled when known so callers
// do not have to parse messages.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	ModuleID string    `json:"module_id,omitempty"`
	TenantID string    `json:"tenant_id,omitempty"`
	Path     string    `json:"path,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Recoverable reports whether the error was rejected up front, before any
// state mutation. Recoverable errors never trigger rollback.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case ErrValidation, ErrDependencyUnresolved, ErrResourceLimit, ErrAccessDenied:
		return true
	}
	return false
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithModule(moduleID string) *Error {
	e.ModuleID = moduleID
	return e
}

func (e *Error) WithTenant(tenantID string) *Error {
	e.TenantID = tenantID
	return e
}

func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// KindOf extracts the kind from any error chain. Unclassified errors come
// back as CRITICAL so callers never treat an unknown failure as benign.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ErrCritical
}

func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// AsError coerces err into an *Error, wrapping unclassified errors with the
// given fallback kind.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return &Error{Kind: fallback, Message: err.Error()}
}

// Result is the uniform outcome envelope for mutating operations. State
// carries the operation's final phase when it has one, e.g. the activation
// state or the namespace status.
type Result struct {
	Success  bool     `json:"success"`
	Errors   []*Error `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	State    string   `json:"state,omitempty"`
}

func OK(state string) *Result {
	return &Result{Success: true, State: state}
}

func Failed(state string, errs ...*Error) *Result {
	return &Result{Success: false, State: state, Errors: errs}
}

func (r *Result) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

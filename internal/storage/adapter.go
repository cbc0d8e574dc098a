// Package storage provides the persistence port for registry, namespace,
// config and audit state. Records are versioned blobs keyed by (kind, id);
// every write is a compare-and-swap so concurrent writers cannot silently
// overwrite each other.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record kinds. The id layout within each kind follows the persisted state
// layout: modules/{id}/{version}, tenants/{tenantId}/modules/{id},
// namespaces/{tenantId}/{path}, configs/{namespaceId}, audit/{ts}-{seq}.
const (
	KindModule     = "modules"
	KindTenant     = "tenants"
	KindNamespace  = "namespaces"
	KindConfig     = "configs"
	KindAudit      = "audit"
	KindActivation = "activations"
)

var (
	// ErrNotFound is returned when no record exists for (kind, id).
	ErrNotFound = errors.New("storage: record not found")

	// ErrVersionConflict is returned when a write's expected version does
	// not match the stored version, including creates against an existing
	// record.
	ErrVersionConflict = errors.New("storage: version conflict")
)

// Record is one versioned blob. Version starts at 1 on create and increments
// on every successful Put.
type Record struct {
	Kind      string    `json:"kind" db:"kind"`
	ID        string    `json:"id" db:"id"`
	Version   int64     `json:"version" db:"version"`
	Data      []byte    `json:"data" db:"data"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Adapter is the storage port. Put and Delete are conditional:
// expectVersion 0 means "create, must not exist"; any other value must match
// the stored version or the call fails with ErrVersionConflict.
type Adapter interface {
	Get(ctx context.Context, kind, id string) (*Record, error)
	Put(ctx context.Context, kind, id string, data []byte, expectVersion int64) (*Record, error)
	Delete(ctx context.Context, kind, id string, expectVersion int64) error

	// List returns records of kind whose id starts with prefix, ordered by id.
	// An empty prefix returns the whole kind.
	List(ctx context.Context, kind, prefix string) ([]*Record, error)

	Close() error
}

// Key helpers for the persisted layout.

func ModuleKey(moduleID, version string) string {
	return fmt.Sprintf("%s/%s", moduleID, version)
}

func TenantModuleKey(tenantID, moduleID string) string {
	return fmt.Sprintf("%s/modules/%s", tenantID, moduleID)
}

func NamespaceKey(scope, path string) string {
	return fmt.Sprintf("%s%s", scope, path)
}

func ConfigKey(namespaceID string) string {
	return namespaceID
}

func AuditKey(ts time.Time, seq uint64) string {
	return fmt.Sprintf("%020d-%012d", ts.UnixNano(), seq)
}

func ActivationKey(activationID string) string {
	return activationID
}

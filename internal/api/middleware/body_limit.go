package middleware

import (
	"net/http"
	"strings"
)

const (
	// DefaultStandardMaxBodyBytes is the default max request body for API requests (512KB).
	DefaultStandardMaxBodyBytes = 512 * 1024
	// DefaultBulkMaxBodyBytes is the default max request body for manifest
	// installs and namespace imports, which carry whole catalogs (5MB).
	DefaultBulkMaxBodyBytes = 5 * 1024 * 1024
)

// bulkBodyPath reports whether the request targets an endpoint that accepts
// multi-document payloads: POST /modules (manifest catalogs) and
// POST /namespaces/import (full config trees).
func bulkBodyPath(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	return strings.HasSuffix(path, "/modules") || strings.HasSuffix(path, "/namespaces/import")
}

// MaxBodySize returns middleware that limits request body size: bulkMax for
// catalog-sized endpoints, standardMax otherwise. Applies to methods that may
// have a body (POST, PUT, PATCH); GET/HEAD/DELETE are not limited.
func MaxBodySize(standardMax, bulkMax int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			max := standardMax
			if bulkBodyPath(r) {
				max = bulkMax
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

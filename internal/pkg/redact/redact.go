// Package redact provides helpers to avoid exposing secret values in API
// responses, audit details, or logs.
package redact

import "strings"

const redactedValue = "***REDACTED***"

// sensitiveFragments mark a config key as secret-bearing when any of them
// appears in the final path segment, case-insensitively.
var sensitiveFragments = []string{"password", "secret", "key", "token", "credential"}

// IsSensitiveKey reports whether a dotted config key names a secret value.
// Only the final segment is inspected: "db.password" is sensitive,
// "passwords.count" is too, "db.host" is not.
func IsSensitiveKey(key string) bool {
	seg := key
	if i := strings.LastIndex(key, "."); i >= 0 {
		seg = key[i+1:]
	}
	seg = strings.ToLower(seg)
	for _, f := range sensitiveFragments {
		if strings.Contains(seg, f) {
			return true
		}
	}
	return false
}

// Value returns the redaction placeholder for a sensitive value.
func Value() string {
	return redactedValue
}

// ConfigMap returns a copy of m with sensitive values replaced by the
// placeholder. Key names are kept so clients know which keys exist. Nested
// maps are walked with the dotted path accumulated.
func ConfigMap(m map[string]any) map[string]any {
	return redactMap(m, "")
}

func redactMap(m map[string]any, prefix string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = redactMap(val, path)
		default:
			if IsSensitiveKey(path) {
				out[k] = redactedValue
			} else {
				out[k] = v
			}
		}
	}
	return out
}

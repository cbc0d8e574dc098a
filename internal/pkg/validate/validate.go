// Package validate provides input validation for API path and body parameters.
package validate

import (
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModuleIDMaxLen is the maximum allowed length for moduleId (stored, used in paths).
const ModuleIDMaxLen = 128

// TenantIDMaxLen is the maximum allowed length for tenantId.
const TenantIDMaxLen = 128

// NamespacePathMaxLen bounds a namespace path.
const NamespacePathMaxLen = 512

// ConfigKeyMaxLen bounds a dotted config key.
const ConfigKeyMaxLen = 256

// Module ID regex: DNS-subdomain style: lowercase alphanumeric segments
// joined by '-', '_' or '.', 1 to ModuleIDMaxLen chars.
var moduleIDRe = regexp.MustCompile(`^[a-z0-9]([-_.a-z0-9]*[a-z0-9])?$`)

// Version regex: conservative semver shape with optional leading 'v',
// optional prerelease and build metadata. Precise constraint semantics live
// in the resolver; this only rejects garbage early.
var versionRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// ModuleID validates moduleId from path or manifest.
func ModuleID(id string) bool {
	if id == "" || len(id) > ModuleIDMaxLen {
		return false
	}
	return moduleIDRe.MatchString(id)
}

// TenantID validates tenantId: alphanumeric, hyphen, underscore; 1 to TenantIDMaxLen.
func TenantID(id string) bool {
	if id == "" || len(id) > TenantIDMaxLen {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// Version validates a version string syntactically.
func Version(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	return versionRe.MatchString(v)
}

// NamespacePath validates a namespace path: "/" for the root, otherwise
// slash-joined non-empty segments of [a-z0-9_-], no trailing slash, no
// relative components.
func NamespacePath(path string) bool {
	if path == "/" {
		return true
	}
	if path == "" || len(path) > NamespacePathMaxLen {
		return false
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return false
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
		for _, r := range seg {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
				continue
			}
			return false
		}
	}
	return true
}

// ConfigKey validates a dotted config key: non-empty segments of
// [a-zA-Z0-9_-] joined by '.'.
func ConfigKey(key string) bool {
	if key == "" || len(key) > ConfigKeyMaxLen {
		return false
	}
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
				continue
			}
			return false
		}
	}
	return true
}

// ManifestDangerousWarnings parses manifest YAML (single or multi-doc) and
// returns warnings for risky settings. Example: sandbox disabled, wildcard
// system permissions. Caller may log and optionally reject.
func ManifestDangerousWarnings(yamlContent string) []string {
	var warnings []string
	docs := splitYAMLDocs(yamlContent)
	for _, doc := range docs {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		var m map[string]interface{}
		if err := yaml.Unmarshal([]byte(doc), &m); err != nil {
			continue // invalid YAML fragment; load will fail later
		}
		walkForDangerous(m, "", &warnings)
	}
	return warnings
}

func splitYAMLDocs(content string) []string {
	return strings.Split(content, "---")
}

func walkForDangerous(node interface{}, path string, warnings *[]string) {
	switch n := node.(type) {
	case map[string]interface{}:
		for k, v := range n {
			p := path + "/" + k
			switch strings.ToLower(k) {
			case "sandbox":
				if m, ok := v.(map[string]interface{}); ok {
					if b, ok := toBool(m["enabled"]); ok && !b {
						*warnings = append(*warnings, pathKey(p)+"sandbox disabled (module runs unconfined)")
					}
				}
			case "system":
				if items, ok := v.([]interface{}); ok {
					for _, item := range items {
						if s, ok := item.(string); ok && (s == "*" || strings.HasSuffix(s, ".*")) {
							*warnings = append(*warnings, pathKey(p)+"wildcard system permission "+strconv.Quote(s))
						}
					}
				}
			case "isolation":
				if m, ok := v.(map[string]interface{}); ok {
					if lvl, ok := m["level"].(string); ok && lvl == "none" {
						*warnings = append(*warnings, pathKey(p)+"isolation level none (config stored in plain text)")
					}
				}
			}
			walkForDangerous(v, p, warnings)
		}
	case []interface{}:
		for i, v := range n {
			walkForDangerous(v, path+"/["+strconv.Itoa(i)+"]", warnings)
		}
	}
}

func pathKey(p string) string {
	if p == "" {
		return ""
	}
	return p + " "
}

func toBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

package namespace

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/moduleplane/moduleplane/internal/crypto"
	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/redact"
)

// encMarker wraps an encrypted leaf. Config key segments cannot contain '$',
// so the marker never collides with user data.
const encMarker = "$enc"

// markupRe strips tag-shaped runs from string values under strict isolation.
var markupRe = regexp.MustCompile(`<[^>]*>`)

func cryptoScope(nsID string) string {
	return "namespace:" + nsID
}

// applyIsolation transforms a value on its way into the tree, per the
// namespace's isolation level. Levels are cumulative: strict adds string
// sanitation on top of basic, paranoid adds encryption of secret-bearing
// leaves on top of strict. The dotted key locates the value so nested
// secrets inside a subtree write are still caught.
func applyIsolation(prov crypto.Provider, ns *models.Namespace, key string, value any) (any, error) {
	level := ns.Isolation.Level
	if level == models.IsolationStrict || level == models.IsolationParanoid {
		value = sanitizeValue(value)
	}
	if level == models.IsolationParanoid {
		return encryptSensitive(prov, ns.ID, key, value)
	}
	return value, nil
}

// sanitizeValue removes markup and control characters from every string
// reachable from v. Maps and slices are rebuilt; other values pass through.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeValue(child)
		}
		return out
	default:
		return v
	}
}

func sanitizeString(s string) string {
	s = markupRe.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// encryptSensitive seals the value when its key is secret-bearing, or walks
// a subtree value sealing any secret-bearing leaves inside it. Sealed leaves
// become {"$enc": envelope}; the envelope is the canonical JSON of the
// plaintext encrypted under the namespace's derived key.
func encryptSensitive(prov crypto.Provider, nsID, key string, value any) (any, error) {
	if redact.IsSensitiveKey(key) {
		return sealLeaf(prov, nsID, value)
	}
	sub, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}
	out := make(map[string]any, len(sub))
	for k, v := range sub {
		sealed, err := encryptSensitive(prov, nsID, key+"."+k, v)
		if err != nil {
			return nil, err
		}
		out[k] = sealed
	}
	return out, nil
}

func sealLeaf(prov crypto.Provider, nsID string, value any) (any, error) {
	if _, already := encryptedEnvelope(value); already {
		return value, nil
	}
	raw, err := canonicalJSON(value)
	if err != nil {
		return nil, models.Errorf(models.ErrCritical, "encode secret value: %v", err)
	}
	envelope, err := prov.Encrypt(cryptoScope(nsID), string(raw))
	if err != nil {
		return nil, models.Errorf(models.ErrCritical, "encrypt secret value: %v", err)
	}
	return map[string]any{encMarker: envelope}, nil
}

// encryptedEnvelope reports whether v is a sealed leaf and returns its
// envelope.
func encryptedEnvelope(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	env, ok := m[encMarker].(string)
	return env, ok
}

// revealValue opens any sealed leaves reachable from v using the owning
// namespace's key. Values without envelopes come back unchanged.
func revealValue(prov crypto.Provider, nsID string, v any) (any, error) {
	if env, ok := encryptedEnvelope(v); ok {
		plain, err := prov.Decrypt(cryptoScope(nsID), env)
		if err != nil {
			return nil, models.Errorf(models.ErrCritical, "decrypt secret value: %v", err)
		}
		var out any
		if err := json.Unmarshal([]byte(plain), &out); err != nil {
			return nil, models.Errorf(models.ErrCritical, "decode secret value: %v", err)
		}
		return out, nil
	}
	sub, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	out := make(map[string]any, len(sub))
	for k, child := range sub {
		opened, err := revealValue(prov, nsID, child)
		if err != nil {
			return nil, err
		}
		out[k] = opened
	}
	return out, nil
}

// revealTree opens every sealed leaf in a tree copy.
func revealTree(prov crypto.Provider, nsID string, t configTree) (configTree, error) {
	opened, err := revealValue(prov, nsID, map[string]any(t))
	if err != nil {
		return nil, err
	}
	return configTree(opened.(map[string]any)), nil
}

// storagePrefix is the at-rest key-prefix separation applied from the basic
// level up. The in-memory tree keeps logical keys; the prefix exists on the
// persisted record.
func storagePrefix(ns *models.Namespace) string {
	if ns.Isolation.Level == models.IsolationNone {
		return ""
	}
	return "ns:" + ns.ID + ":"
}

// persistedForm prefixes top-level keys for storage.
func persistedForm(ns *models.Namespace, t configTree) map[string]any {
	prefix := storagePrefix(ns)
	if prefix == "" {
		return t
	}
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[prefix+k] = v
	}
	return out
}

// logicalForm strips the storage prefix after a load. Unprefixed keys are
// kept as-is so a level change between restarts does not orphan data.
func logicalForm(ns *models.Namespace, raw map[string]any) configTree {
	prefix := storagePrefix(ns)
	if prefix == "" {
		return configTree(raw)
	}
	out := make(configTree, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out
}

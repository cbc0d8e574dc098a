package namespace

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/moduleplane/moduleplane/internal/models"
)

// configTree is a namespace's configuration: nested maps addressed by dotted
// keys. Trees are treated as immutable once published; every mutation copies
// the maps along the touched path and shares the rest, so a snapshot handed
// to a reader stays stable while writers move on.
type configTree map[string]any

func splitKey(key string) []string {
	return strings.Split(key, ".")
}

// lookup walks the tree along the dotted key. The second return reports
// whether the full path exists.
func (t configTree) lookup(key string) (any, bool) {
	var cur any = map[string]any(t)
	for _, seg := range splitKey(key) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// set writes value at the dotted key, creating intermediate maps as needed.
// An intermediate segment holding a scalar is replaced by a map, and a
// subtree sitting at the final segment is replaced by the value: the write
// wins. The receiver is not modified; the returned tree shares every
// untouched subtree.
func (t configTree) set(key string, value any) configTree {
	segs := splitKey(key)
	root := copyLevel(t)
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
		} else {
			child = copyLevel(child)
		}
		cur[seg] = child
		cur = child
	}
	cur[segs[len(segs)-1]] = value
	return configTree(root)
}

// delete removes the leaf at the dotted key. Only leaves may be pruned: a
// key holding a subtree is refused so children cannot vanish as a side
// effect. Empty intermediate maps left behind are pruned too.
func (t configTree) delete(key string) (configTree, error) {
	cur, ok := t.lookup(key)
	if !ok {
		return nil, models.Errorf(models.ErrNamespaceNotFound, "config key %q not found", key)
	}
	if _, isBranch := cur.(map[string]any); isBranch {
		return nil, models.Errorf(models.ErrValidation, "config key %q holds nested keys: delete the leaves first", key)
	}

	segs := splitKey(key)
	root := copyLevel(t)
	levels := []map[string]any{root}
	m := root
	for _, seg := range segs[:len(segs)-1] {
		child := copyLevel(m[seg].(map[string]any))
		m[seg] = child
		levels = append(levels, child)
		m = child
	}
	delete(m, segs[len(segs)-1])

	// Prune now-empty intermediates bottom-up.
	for i := len(levels) - 1; i > 0; i-- {
		if len(levels[i]) > 0 {
			break
		}
		delete(levels[i-1], segs[i-1])
	}
	return configTree(root), nil
}

func copyLevel(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deepCopy clones the whole tree including nested maps. Slices and scalars
// are shared; callers treat values as immutable.
func (t configTree) deepCopy() configTree {
	return configTree(deepCopyMap(t))
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(child)
			continue
		}
		out[k] = v
	}
	return out
}

// leafCount counts leaf values; intermediate maps are structure, not data.
func (t configTree) leafCount() int {
	return countLeaves(t)
}

func countLeaves(m map[string]any) int {
	n := 0
	for _, v := range m {
		if child, ok := v.(map[string]any); ok {
			n += countLeaves(child)
			continue
		}
		n++
	}
	return n
}

// walkLeaves visits every leaf with its dotted key path.
func (t configTree) walkLeaves(fn func(key string, value any)) {
	walkLeaves(t, "", fn)
}

func walkLeaves(m map[string]any, prefix string, fn func(string, any)) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			walkLeaves(child, key, fn)
			continue
		}
		fn(key, v)
	}
}

// canonicalJSON is the deterministic encoding used for size measurement and
// export checksums: object keys sorted, no HTML escaping, no trailing
// newline. encoding/json already sorts map keys; the encoder is only needed
// to switch escaping off.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// measure returns the size in bytes of the tree's canonical encoding. Both
// the storage and memory limits are checked against this number.
func (t configTree) measure() (int64, error) {
	raw, err := canonicalJSON(map[string]any(t))
	if err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}

// deepMerge overlays src onto dst leaf by leaf: maps merge recursively,
// anything else from src replaces the dst value. dst is modified in place
// and must be a private copy.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dv, sv)
			continue
		}
		if srcIsMap {
			cp := deepCopyMap(sv)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

// fillMissing copies leaves from src into dst only where dst has no value on
// that path, descending through maps. Existing dst values, including whole
// subtrees shadowed by a scalar, are left alone.
func fillMissing(dst, src map[string]any) {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		cur, exists := dst[k]
		if !exists {
			if srcIsMap {
				dst[k] = deepCopyMap(sv)
			} else {
				dst[k] = v
			}
			continue
		}
		dv, dstIsMap := cur.(map[string]any)
		if srcIsMap && dstIsMap {
			fillMissing(dv, sv)
		}
	}
}

package namespace

import (
	"sort"
	"strings"

	"github.com/moduleplane/moduleplane/internal/models"
)

// sortedSources orders inheritance sources by descending priority, stable on
// ties. The first source that can serve a key wins.
func sortedSources(sources []models.InheritanceSource) []models.InheritanceSource {
	out := make([]models.InheritanceSource, len(sources))
	copy(out, sources)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// sourceServesKey applies a source's key filters. No filters means every key.
// A filter is either an exact dotted key or a prefix ending in ".*" or "*";
// "db.*" serves "db" and everything under it.
func sourceServesKey(src models.InheritanceSource, key string) bool {
	if len(src.KeyFilters) == 0 {
		return true
	}
	for _, f := range src.KeyFilters {
		if filterMatches(f, key) {
			return true
		}
	}
	return false
}

func filterMatches(filter, key string) bool {
	if filter == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, ".*"); ok {
		return key == prefix || strings.HasPrefix(key, prefix+".")
	}
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return key == filter || strings.HasPrefix(key, filter+".")
}

// filterTree keeps only the leaves a source is allowed to serve. A nil
// filter list passes the tree through untouched.
func filterTree(t configTree, filters []string) configTree {
	if len(filters) == 0 {
		return t
	}
	src := models.InheritanceSource{KeyFilters: filters}
	out := configTree{}
	t.walkLeaves(func(key string, value any) {
		if sourceServesKey(src, key) {
			out = out.set(key, value)
		}
	})
	return out
}

// inheritanceStrategy defaults to merge when unset, matching the most common
// configuration shape.
func inheritanceStrategy(cfg models.InheritanceConfig) models.InheritanceStrategy {
	if cfg.Strategy == "" {
		return models.InheritMerge
	}
	return cfg.Strategy
}

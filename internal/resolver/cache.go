package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/moduleplane/moduleplane/internal/models"
)

// cacheEntry pins a result to the registry generation it was computed
// against. A generation mismatch on read means some registry mutation
// happened since, so the entry is stale regardless of TTL.
type cacheEntry struct {
	result     *Result
	generation uint64
}

type resultCache struct {
	lru *expirable.LRU[string, cacheEntry]
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	return &resultCache{lru: expirable.NewLRU[string, cacheEntry](size, nil, ttl)}
}

func (c *resultCache) get(key string, generation uint64) (*Result, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if entry.generation != generation {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.result.clone(), true
}

func (c *resultCache) put(key string, result *Result, generation uint64) {
	c.lru.Add(key, cacheEntry{result: result.clone(), generation: generation})
}

func (c *resultCache) purge() {
	c.lru.Purge()
}

// depSetHash fingerprints the root module's dependency declarations so a
// re-registered definition with different dependencies never reuses a stale
// cached result.
func depSetHash(def *models.ModuleDefinition) string {
	lines := make([]string, 0, len(def.Dependencies))
	for _, dep := range def.Dependencies {
		lines = append(lines, dep.ModuleID+"|"+dep.Constraint+"|"+string(dep.Type))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8])
}

func cacheKey(moduleID, version, hash string, strategy Strategy) string {
	return moduleID + "@" + version + "#" + hash + "#" + string(strategy)
}

// clone returns a copy safe to hand to callers; slices are copied so cached
// results cannot be mutated through a returned pointer.
func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Resolved = append([]Selection(nil), r.Resolved...)
	out.Unresolved = append([]Unresolved(nil), r.Unresolved...)
	out.Warnings = append([]string(nil), r.Warnings...)
	out.Errors = append([]*models.Error(nil), r.Errors...)
	out.Conflicts = make([]Conflict, len(r.Conflicts))
	for i, c := range r.Conflicts {
		cc := c
		cc.Path = append([]string(nil), c.Path...)
		cc.Proposals = append([]Proposal(nil), c.Proposals...)
		if c.Applied != nil {
			applied := *c.Applied
			cc.Applied = &applied
		}
		out.Conflicts[i] = cc
	}
	return &out
}

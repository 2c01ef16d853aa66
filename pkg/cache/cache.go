// Package cache implements the content-addressed result cache an
// orchestrator consults before running: an LRU with per-entry TTL, keyed
// over (orchestrator, normalized query, selected-expert-id-set), with
// single-flight de-duplication so concurrent identical calls share one
// execution rather than each paying the orchestration cost.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Key identifies one cacheable orchestration result.
type Key struct {
	Orchestrator string
	Query        string
	ExpertIDs    []string
}

// digest lowercases and collapses whitespace in the query, and sorts the
// expert id set, so semantically identical calls land on the same digest
// regardless of selection order or incidental casing/spacing.
func (k Key) digest() string {
	ids := append([]string(nil), k.ExpertIDs...)
	sort.Strings(ids)

	query := strings.Join(strings.Fields(strings.ToLower(k.Query)), " ")

	h := sha256.New()
	h.Write([]byte(k.Orchestrator))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a bounded, TTL-expiring store of orchestration results, keyed by
// Key.digest(), with single-flight de-duplication of concurrent misses on
// the same key.
type Cache struct {
	store *lru.LRU[string, any]
	group singleflight.Group
}

// New builds a Cache holding at most maxEntries results, each expiring ttl
// after insertion.
func New(maxEntries int, ttl time.Duration) *Cache {
	return &Cache{store: lru.NewLRU[string, any](maxEntries, nil, ttl)}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key Key) (any, bool) {
	return c.store.Get(key.digest())
}

// Set stores value under key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *Cache) Set(key Key, value any) {
	c.store.Add(key.digest(), value)
}

// GetOrCompute returns the cached value for key if present; otherwise it
// runs compute, caches the result if compute reports it cacheable, and
// returns it. Concurrent calls for the same key share one compute
// invocation — the dedup half of the cache's job, independent of whether
// the result ends up cacheable. The returned bool is true only for a
// pre-existing cache hit, never for a call that shared another caller's
// in-flight compute.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (any, bool, error)) (any, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	digest := key.digest()
	v, err, _ := c.group.Do(digest, func() (any, error) {
		result, cacheable, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.Set(key, result)
		}
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// Len reports the current number of live (unexpired) entries.
func (c *Cache) Len() int { return c.store.Len() }

// Purge drops every entry. It is called by tests; the HTTP surface exposes
// no cache-clear endpoint.
func (c *Cache) Purge() { c.store.Purge() }

// Package capability resolves and caches caller capabilities from a role
// policy.
package capability

import (
	"sync"
	"time"

	"github.com/pitabwire/dealdesk/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// CacheObserver is told about every cache lookup.
type CacheObserver func(hit bool)

// Resolver implements model.CapabilityResolver with a bounded TTL cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	observe    CacheObserver
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxEntries bounds the cache size. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(r *Resolver) { r.maxEntries = n }
}

// WithCacheObserver reports cache hits and misses.
func WithCacheObserver(fn CacheObserver) Option {
	return func(r *Resolver) { r.observe = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(subjectID, tenantID string) string {
	return tenantID + "/" + subjectID
}

// Resolve returns the capability set for the caller, cached for the TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx.SubjectID, rctx.TenantID)
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		r.record(true)
		return entry.caps, nil
	}
	r.record(false)

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evictLocked drops expired entries, then arbitrary ones until there is room.
func (r *Resolver) evictLocked(now time.Time) {
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	for key := range r.cache {
		if len(r.cache) < r.maxEntries {
			return
		}
		delete(r.cache, key)
	}
}

// Invalidate clears the cached set for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(subjectID, tenantID))
	r.mu.Unlock()
}

// Reload syncs the evaluator's policy and drops every cached set. On a sync
// error the cache and the previous policy stay in place.
func (r *Resolver) Reload() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
	return nil
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) record(hit bool) {
	if r.observe != nil {
		r.observe(hit)
	}
}

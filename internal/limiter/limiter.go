// Package limiter holds the in-memory request limiter and the small TTL
// caches the HTTP facade consults on hot routes.
package limiter

import (
	"sync"
	"time"
)

// Rule is one route's budget
type Rule struct {
	Limit  int
	Window time.Duration
}

// SlidingWindow counts requests per (key, route) over a rolling window
type SlidingWindow struct {
	mu      sync.Mutex
	rules   map[string]Rule
	history map[string][]time.Time
	now     func() time.Time
}

// NewSlidingWindow creates a limiter with per-route rules
func NewSlidingWindow(rules map[string]Rule) *SlidingWindow {
	return &SlidingWindow{
		rules:   rules,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records one request for (key, route) and reports whether it fits the
// budget, how much budget remains, and how long until a slot frees up when it
// does not. Routes without a rule are unlimited.
func (s *SlidingWindow) Allow(key, route string) (ok bool, remaining int, retryAfter time.Duration) {
	rule, hasRule := s.rules[route]
	if !hasRule {
		return true, 0, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-rule.Window)
	bucket := key + "|" + route

	kept := s.history[bucket][:0]
	for _, t := range s.history[bucket] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rule.Limit {
		s.history[bucket] = kept
		retryAfter = kept[0].Add(rule.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, 0, retryAfter
	}

	kept = append(kept, now)
	s.history[bucket] = kept
	return true, rule.Limit - len(kept), 0
}

// Cache is a single-flight-free TTL cache for small lookup tables
type Cache[T any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry[T]
	now     func() time.Time
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// NewCache creates a TTL cache
func NewCache[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[T]),
		now:     time.Now,
	}
}

// Get returns the cached value when present and fresh
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores a value for the cache TTL
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[T]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops one key
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// AccountType is the cached per-(user, exchange) account shape
type AccountType struct {
	IsPortfolioMargin bool
	IsHedgeMode       bool
}

// Caches bundles the TTL caches the facade and coordinator share
type Caches struct {
	// Markets caches per-exchange tradable symbol lists
	Markets *Cache[[]string]
	// AccountTypes caches account shape per (user, exchange)
	AccountTypes *Cache[AccountType]
}

// NewCaches creates the standard cache set (markets 1 h, account types 10 min)
func NewCaches() *Caches {
	return &Caches{
		Markets:      NewCache[[]string](time.Hour),
		AccountTypes: NewCache[AccountType](10 * time.Minute),
	}
}

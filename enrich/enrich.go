// Package enrich looks up extra information about report source IPs:
// reverse DNS names, geolocation and whois registration text.
//
// Lookups happen on demand, when a detail view asks for them, never during
// a sync cycle. Each feature has its own cache keyed by IP. Conclusive
// outcomes, found and not-found, are cached for the process lifetime.
// Unavailable means the provider could not answer right now, for example a
// timeout or rate limit, and is deliberately not cached so a later request
// retries. Concurrent requests for the same IP share one outstanding
// provider call, which matters for the geolocation provider and its
// 45-requests-per-minute budget.
package enrich

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mjl-/reportview/metrics"
)

// Status classifies a lookup outcome.
type Status string

const (
	Found       Status = "found"
	NotFound    Status = "not_found"
	Unavailable Status = "unavailable"
)

// Outcome is the result of a lookup. Value is only meaningful for Found.
type Outcome[T any] struct {
	Status Status `json:"status"`
	Value  T      `json:"value,omitempty"`
}

// Cache memoizes a lookup function per IP, coalescing concurrent lookups
// for the same IP into one call.
type Cache[T any] struct {
	feature string
	lookup  func(ctx context.Context, ip string) (T, Status)

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]Outcome[T]
}

// NewCache returns a cache for the named feature, used as metric label.
func NewCache[T any](feature string, lookup func(ctx context.Context, ip string) (T, Status)) *Cache[T] {
	return &Cache[T]{
		feature: feature,
		lookup:  lookup,
		entries: map[string]Outcome[T]{},
	}
}

// Lookup returns the cached outcome for ip, or performs the lookup. While
// a lookup for ip is in flight, other callers wait for its outcome instead
// of calling the provider again.
func (c *Cache[T]) Lookup(ctx context.Context, ip string) Outcome[T] {
	c.mu.Lock()
	o, ok := c.entries[ip]
	c.mu.Unlock()
	if ok {
		return o
	}

	v, _, _ := c.group.Do(ip, func() (any, error) {
		// Another caller may have finished and cached while we waited for
		// the flight slot.
		c.mu.Lock()
		o, ok := c.entries[ip]
		c.mu.Unlock()
		if ok {
			return o, nil
		}

		value, status := c.lookup(ctx, ip)
		o = Outcome[T]{Status: status, Value: value}
		metrics.EnrichLookupInc(c.feature, string(status))
		if status != Unavailable {
			c.mu.Lock()
			c.entries[ip] = o
			c.mu.Unlock()
		}
		return o, nil
	})
	return v.(Outcome[T])
}

// Package destcache is the queue sink's destination-validity cache (spec.md
// §4.6 "Destination cache"), generalized from the teacher's
// internal/fail2ban ban-with-TTL-by-composite-key structure: here the key is
// (exchange, routing_key) instead of (credential, model), and the tracked
// state is a tagged Validated|Failed variant (spec.md §9) instead of a
// failure counter.
package destcache

import (
	"sync"
	"time"
)

// Status is the tagged variant cached per destination.
type Status int

const (
	// Unknown means the destination has never been checked.
	Unknown Status = iota
	Validated
	Failed
)

type entry struct {
	status Status
	reason string
	at     time.Time
}

// Cache tracks per-(exchange, routing_key) validity. Validated entries never
// expire (spec.md §4.6: "the passive-declare remains cheap"); Failed entries
// expire after ttl.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
}

// New returns an empty Cache with the given failure TTL (QUEUE_FAILURE_TTL).
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]entry)}
}

func key(exchange, routingKey string) string {
	return exchange + "\x00" + routingKey
}

// Lookup returns the cached status for (exchange, routingKey). A Failed
// entry older than the TTL reports Unknown so the caller re-checks.
func (c *Cache) Lookup(exchange, routingKey string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(exchange, routingKey)]
	if !ok {
		return Unknown
	}
	if e.status == Failed && c.ttl > 0 && time.Since(e.at) > c.ttl {
		return Unknown
	}
	return e.status
}

// MarkValidated records a successful passive-declare; it never expires.
func (c *Cache) MarkValidated(exchange, routingKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(exchange, routingKey)] = entry{status: Validated, at: time.Now().UTC()}
}

// MarkFailed records a failed passive-declare with a reason, expiring after ttl.
func (c *Cache) MarkFailed(exchange, routingKey, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(exchange, routingKey)] = entry{status: Failed, reason: reason, at: time.Now().UTC()}
}

// ClearDestination invalidates one entry (spec.md §6 "clear_destination_cache").
func (c *Cache) ClearDestination(exchange, routingKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(exchange, routingKey))
}

// ClearAll invalidates every entry (spec.md §12 "clear_all_cache").
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size returns the number of cached destinations (for the destination-cache-size gauge).
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

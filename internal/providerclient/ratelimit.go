package providerclient

import (
	"sync"
	"time"
)

// RPMLimiter is a sliding-window requests-per-minute limiter guarding calls
// to the provider, adapted from the teacher's internal/ratelimit.RPMLimiter
// (credential/model RPM tracking) down to the single-provider case this
// core needs (spec.md §6's ProviderConfig.RPM, "0 = unlimited").
type RPMLimiter struct {
	mu       sync.Mutex
	rpm      int
	requests []time.Time
}

// NewRPMLimiter returns a limiter; rpm <= 0 disables the limit.
func NewRPMLimiter(rpm int) *RPMLimiter {
	return &RPMLimiter{rpm: rpm}
}

// Allow reports whether a call may proceed now, recording it if so.
func (l *RPMLimiter) Allow() bool {
	if l.rpm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-time.Minute)
	l.requests = prune(l.requests, cutoff)

	if len(l.requests) >= l.rpm {
		return false
	}
	l.requests = append(l.requests, now)
	return true
}

func prune(requests []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(requests) && requests[i].Before(cutoff) {
		i++
	}
	return requests[i:]
}

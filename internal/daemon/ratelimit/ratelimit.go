// Package ratelimit provides per-client token buckets for the HTTP
// surface. Unix-socket clients share one bucket keyed "local"; TCP
// clients are keyed by IP.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalKey is the bucket key for unix-socket clients.
const LocalKey = "local"

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*bucket
}

// New creates a Limiter allowing perMinute requests per key, with a
// burst of the same size. perMinute <= 0 disables limiting.
func New(perMinute int) *Limiter {
	return &Limiter{perMinute: perMinute, buckets: make(map[string]*bucket)}
}

// Allow reports whether the key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.lim.Allow()
}

// Prune drops buckets idle longer than maxIdle so one-shot clients do
// not accumulate. Returns the number removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

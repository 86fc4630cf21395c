// Package ratelimit protects the local HTTP query surface from its
// callers with a per-IP token bucket. This is distinct from, and
// unaware of, the RPC gateway's process-wide upstream throttle: that
// one protects the upstream node from us, this one protects us from
// our own callers.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter issues one rate.Limiter per remote IP, evicting entries that
// have gone idle so the map doesn't grow unbounded under churn.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New constructs a Limiter allowing rps requests/sec per IP with the
// given burst, evicting buckets idle longer than idleTTL.
func New(rps float64, burst int, idleTTL time.Duration) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
	}
	return l
}

// Middleware rejects requests exceeding the caller's bucket with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.allow(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.evictLocked()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// evictLocked drops buckets idle longer than idleTTL. Caller holds mu.
func (l *Limiter) evictLocked() {
	if l.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-l.idleTTL)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Package ratelimit throttles API key verification per client with in-memory
// token buckets. Every accepted verification is a write to the storage
// backend, so unbounded guessing would also be unbounded backend load.
package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64
	lastRefill time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst
// capacity. If burst <= 0, it defaults to ratePerSecond.
func New(ratePerSecond, burst float64, now time.Time) *Limiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: now,
	}
}

// AllowAt consumes one token at time now and reports whether the request is
// permitted. When it is not, wait is how long until a token is available.
func (l *Limiter) AllowAt(now time.Time) (ok bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elapsed := now.Sub(l.lastRefill).Seconds(); elapsed > 0 {
		l.tokens = min(l.burst, l.tokens+elapsed*l.rate)
		l.lastRefill = now
	}
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	return false, time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
}

func (l *Limiter) idleSince(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.lastRefill)
}

// Store keeps one Limiter per client key. Limiters idle for longer than the
// eviction window are dropped on the next sweep.
type Store struct {
	mu        sync.Mutex
	limiters  map[string]*Limiter
	rate      float64
	burst     float64
	now       func() time.Time
	idleAfter time.Duration
	lastSweep time.Time
}

// NewStore creates a Store whose per-key limiters share the same rate and
// burst. A non-positive rate returns nil, which allows everything.
func NewStore(ratePerSecond, burst float64) *Store {
	if ratePerSecond <= 0 {
		return nil
	}
	return &Store{
		limiters:  make(map[string]*Limiter),
		rate:      ratePerSecond,
		burst:     burst,
		now:       time.Now,
		idleAfter: 10 * time.Minute,
	}
}

// Allow checks (and creates if needed) the limiter for key.
func (s *Store) Allow(key string) (bool, time.Duration) {
	if s == nil {
		return true, 0
	}
	now := s.now()

	s.mu.Lock()
	if now.Sub(s.lastSweep) >= s.idleAfter {
		for k, l := range s.limiters {
			if l.idleSince(now) >= s.idleAfter {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}
	l, ok := s.limiters[key]
	if !ok {
		l = New(s.rate, s.burst, now)
		s.limiters[key] = l
	}
	s.mu.Unlock()

	return l.AllowAt(now)
}

// Len returns the number of tracked clients.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

type peerAddrKey struct{}

// PeerAddr records the connection's remote address before any middleware
// rewrites r.RemoteAddr from forwarding headers. Register it ahead of chi's
// RealIP so Middleware keys on an address the client cannot choose.
func PeerAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerAddrKey{}, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Middleware rejects requests over the per-client limit with 429 and a
// Retry-After header. Clients are keyed by the address PeerAddr recorded,
// falling back to r.RemoteAddr.
func Middleware(s *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := s.Allow(clientKey(r))
			if !ok {
				secs := int(wait/time.Second) + 1
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"message": "too many verification attempts",
					"error": map[string]string{
						"type": "rate_limit_error",
						"code": "rate_limited",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	addr, ok := r.Context().Value(peerAddrKey{}).(string)
	if !ok {
		addr = r.RemoteAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

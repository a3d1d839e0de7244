package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies one token bucket per client across all gateway
// endpoints.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter admitting perSecond sustained requests
// with the given burst per client.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the client identified by the request may proceed.
func (r *RateLimiter) Allow(req *http.Request) bool {
	if r == nil {
		return true
	}
	id := clientID(req)
	r.mu.Lock()
	limiter, ok := r.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.visitors[id] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

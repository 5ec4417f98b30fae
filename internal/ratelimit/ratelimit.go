// Package ratelimit throttles AUTH attempts per source IP (C14,
// SPEC_FULL.md §4.14). The SMTP handler takes a token before every AUTH
// command and the IMAP handler before every LOGIN/AUTHENTICATE, whether
// the attempt then succeeds or fails. The POP3 handler does not use it.
package ratelimit

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// AuthLimiter hands out a token-bucket rate.Limiter per source IP,
// lazily created and never explicitly evicted — IPs are bounded by the
// address space actually connecting, and a long-idle entry costs only a
// few words of memory.
type AuthLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	ratePerMin int
	burst      int
}

// NewAuthLimiter builds a limiter allowing ratePerMin sustained attempts
// per minute per source IP with the given burst.
func NewAuthLimiter(ratePerMin, burst int) *AuthLimiter {
	if ratePerMin <= 0 {
		ratePerMin = 5
	}
	if burst <= 0 {
		burst = 3
	}
	return &AuthLimiter{
		limiters:   make(map[string]*rate.Limiter),
		ratePerMin: ratePerMin,
		burst:      burst,
	}
}

// Allow reports whether another authentication attempt from addr may
// proceed, consuming a token if so. addr is typically the result of
// net.Conn.RemoteAddr().
func (a *AuthLimiter) Allow(addr net.Addr) bool {
	return a.limiterFor(hostOf(addr)).Allow()
}

func (a *AuthLimiter) limiterFor(host string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(a.ratePerMin)/60.0), a.burst)
		a.limiters[host] = l
	}
	return l
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

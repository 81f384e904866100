// Package middleware holds the HTTP middleware wrapped around the gateway.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Middleware decorates an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws to h; the first one is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// SecurityHeaders sets the response headers every gateway route carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Recover turns a handler panic into a 500 and logs it.
func Recover(l *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					l.Error("http handler panicked", "path", r.URL.Path, "panic", p)
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

const staleAfter = 3 * time.Minute

// IPLimiter is a token bucket per client IP. Entries idle for a few minutes
// are swept on later requests.
type IPLimiter struct {
	limit          rate.Limit
	burst          int
	trustedProxies []string
	now            func() time.Time

	mu        sync.Mutex
	clients   map[string]*ipClient
	lastSweep time.Time
}

type ipClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter allows rps requests per second per IP with the given burst.
// Forwarding headers are honoured only from trustedProxies.
func NewIPLimiter(rps float64, burst int, trustedProxies []string) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPLimiter{
		limit:          rate.Limit(rps),
		burst:          burst,
		trustedProxies: trustedProxies,
		now:            time.Now,
		clients:        make(map[string]*ipClient),
	}
}

// Allow reports whether ip may make another request now.
func (l *IPLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > staleAfter {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > staleAfter {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	c, ok := l.clients[ip]
	if !ok {
		c = &ipClient{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware rejects over-limit requests with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r, l.trustedProxies)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the peer address of r. X-Forwarded-For and X-Real-IP
// are read only when the peer is one of trustedProxies.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	trusted := false
	for _, p := range trustedProxies {
		if p == peer {
			trusted = true
			break
		}
	}
	if !trusted {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}

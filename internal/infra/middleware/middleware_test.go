package middleware

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/ws", nil))

	want := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS without TLS: %q", hsts)
	}
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing with TLS")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okHandler(), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v", order)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestIPLimiterBlocksAfterBurst(t *testing.T) {
	l := NewIPLimiter(0.1, 3, nil)
	h := l.Middleware(okHandler())

	ok, blocked := 0, 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
		}
	}
	if ok != 3 || blocked != 7 {
		t.Errorf("ok=%d blocked=%d, want 3/7", ok, blocked)
	}
}

func TestIPLimiterSeparatesClients(t *testing.T) {
	l := NewIPLimiter(0.1, 1, nil)
	if !l.Allow("10.0.0.1") {
		t.Fatal("first request from 10.0.0.1 blocked")
	}
	if l.Allow("10.0.0.1") {
		t.Error("second request from 10.0.0.1 allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("10.0.0.2 blocked by another client's bucket")
	}
}

func TestIPLimiterSweepsStaleClients(t *testing.T) {
	l := NewIPLimiter(1, 1, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	now = now.Add(10 * time.Minute)
	l.Allow("10.0.0.3")

	if got := l.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []string
		want    string
	}{
		{"direct", "192.168.1.1:12345", nil, nil, "192.168.1.1"},
		{"ipv6", "[::1]:8080", nil, nil, "::1"},
		{"spoofed header ignored", "192.168.1.1:1", map[string]string{"X-Forwarded-For": "1.2.3.4"}, nil, "192.168.1.1"},
		{"trusted xff", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.1, 198.51.100.1"}, []string{"10.0.0.1"}, "203.0.113.1"},
		{"trusted real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "203.0.113.9"}, []string{"10.0.0.1"}, "203.0.113.9"},
		{"trusted no header", "10.0.0.1:1", nil, []string{"10.0.0.1"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

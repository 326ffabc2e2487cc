package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := &RateLimiter{
		maxRequests: 3,
		window:      time.Second,
		clients:     make(map[string]*clientWindow),
	}

	// First 3 requests should be allowed
	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	// 4th request should be denied
	if rl.Allow("10.0.0.1") {
		t.Error("request 4 should be denied")
	}
}

func TestRateLimiterWindowRecovery(t *testing.T) {
	rl := &RateLimiter{
		maxRequests: 2,
		window:      50 * time.Millisecond,
		clients:     make(map[string]*clientWindow),
	}

	// Exhaust the limit
	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Error("should be denied after exhausting limit")
	}

	// Wait for window to expire
	time.Sleep(60 * time.Millisecond)

	// Should be allowed again
	if !rl.Allow("10.0.0.1") {
		t.Error("should be allowed after window expiry")
	}
}

func TestRateLimiterClientIsolation(t *testing.T) {
	rl := &RateLimiter{
		maxRequests: 1,
		window:      time.Second,
		clients:     make(map[string]*clientWindow),
	}

	// client 1 exhausts limit
	if !rl.Allow("10.0.0.1") {
		t.Error("client 1 first request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("client 1 second request should be denied")
	}

	// client 2 should still be allowed
	if !rl.Allow("10.0.0.2") {
		t.Error("client 2 should be allowed (independent window)")
	}
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Now()
	rl := &RateLimiter{
		maxRequests: 1,
		window:      time.Second,
		clients: map[string]*clientWindow{
			"10.0.0.1": {lastAccess: now.Add(-10 * time.Minute)},
			"10.0.0.2": {lastAccess: now},
		},
	}

	rl.prune(now.Add(-5 * time.Minute))

	if _, ok := rl.clients["10.0.0.1"]; ok {
		t.Error("idle client should be pruned")
	}
	if _, ok := rl.clients["10.0.0.2"]; !ok {
		t.Error("active client should be kept")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := &RateLimiter{
		maxRequests: 1,
		window:      time.Second,
		clients:     make(map[string]*clientWindow),
	}
	h := RequestID(rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	send := func(remote, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("10.0.0.1:5000", ""); code != http.StatusNoContent {
		t.Errorf("first request: %d", code)
	}
	if code := send("10.0.0.1:5001", ""); code != http.StatusTooManyRequests {
		t.Errorf("second request from same host: %d, want 429", code)
	}
	if code := send("10.0.0.1:5002", "203.0.113.9, 10.0.0.1"); code != http.StatusNoContent {
		t.Errorf("forwarded client should have its own window: %d", code)
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"remote addr", "192.0.2.1:1234", "", "192.0.2.1"},
		{"forwarded first hop", "10.0.0.1:1", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "192.0.2.1", "", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientAddr(req); got != tt.want {
				t.Errorf("ClientAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}

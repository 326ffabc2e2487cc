package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request tracing ID
	RequestIDKey ContextKey = "requestID"
	// ClientAddrKey is the context key for the caller's address
	ClientAddrKey ContextKey = "clientAddr"
)

// RequestID is HTTP middleware that propagates X-Request-ID or assigns a new
// one, and records the client address for rate limiting and logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		ctx = context.WithValue(ctx, ClientAddrKey, ClientAddr(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetClientAddr extracts the client address from context
func GetClientAddr(ctx context.Context) string {
	addr, _ := ctx.Value(ClientAddrKey).(string)
	return addr
}

// ClientAddr returns the caller's IP: the first X-Forwarded-For hop when
// present (the server runs behind a proxy in deployment), else RemoteAddr.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

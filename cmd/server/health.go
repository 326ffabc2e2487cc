package main

import (
	"encoding/json"
	"net/http"
	"time"

	"opencollective/server/internal/broker"
)

type healthStatus struct {
	Status         string `json:"status"`
	Instance       string `json:"instance"`
	Auth           string `json:"auth"`
	TokenExpiresAt string `json:"token_expires_at,omitempty"`
	TokenExpired   bool   `json:"token_expired,omitempty"`
}

// healthHandler reports liveness plus the authorization state and, when a
// token is stored, its expiry. A missing token is not a failure.
func healthHandler(instanceID string, tb *broker.TokenBroker, clients *clientCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := healthStatus{Status: "ok", Instance: instanceID}
		if c, err := clients.Get(r.Context()); err == nil {
			if exp, ok := c.Session().Expiry(); ok {
				out.TokenExpiresAt = exp.UTC().Format(time.RFC3339)
				out.TokenExpired = !time.Now().Before(exp)
			}
		}
		out.Auth = tb.State().String()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Instance-ID", instanceID)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(out)
	}
}

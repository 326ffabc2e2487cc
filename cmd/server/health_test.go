package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"opencollective/server/internal/broker"
	"opencollective/server/internal/tokenstore"
)

func TestHealth(t *testing.T) {
	future := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		rec         *tokenstore.Record
		wantAuth    string
		wantExpires string
		wantExpired bool
	}{
		{"no token", nil, "UNAUTHENTICATED", "", false},
		{"opaque token without expiry", &tokenstore.Record{AccessToken: "a"}, "AUTHENTICATED", "", false},
		{"valid token", &tokenstore.Record{AccessToken: "a", ExpiresAt: &future}, "AUTHENTICATED", "2099-01-01T00:00:00Z", false},
		{"expired token", &tokenstore.Record{AccessToken: "a", ExpiresAt: &past}, "AUTHENTICATED", "2000-01-01T00:00:00Z", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "token.json"))
			if tt.rec != nil {
				if err := store.Save(context.Background(), *tt.rec); err != nil {
					t.Fatal(err)
				}
			}
			tb := broker.NewTokenBroker(broker.Config{ClientID: "cid"}, store)
			clients := newClientCache(tb, "http://127.0.0.1:1/graphql", http.DefaultClient)

			rec := httptest.NewRecorder()
			healthHandler("i-1", tb, clients)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if rec.Header().Get("X-Instance-ID") != "i-1" {
				t.Errorf("X-Instance-ID = %q", rec.Header().Get("X-Instance-ID"))
			}
			var got healthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Status != "ok" || got.Instance != "i-1" {
				t.Errorf("got %+v", got)
			}
			if got.Auth != tt.wantAuth {
				t.Errorf("auth = %q, want %q", got.Auth, tt.wantAuth)
			}
			if got.TokenExpiresAt != tt.wantExpires {
				t.Errorf("token_expires_at = %q, want %q", got.TokenExpiresAt, tt.wantExpires)
			}
			if got.TokenExpired != tt.wantExpired {
				t.Errorf("token_expired = %v, want %v", got.TokenExpired, tt.wantExpired)
			}
		})
	}
}

package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"opencollective/server/internal/tokenstore"
)

// tokenServer is a fake OAuth2 token endpoint.
type tokenServer struct {
	*httptest.Server
	calls atomic.Int32

	mu    sync.Mutex
	forms []url.Values
}

func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		ts.mu.Lock()
		ts.forms = append(ts.forms, r.PostForm)
		ts.mu.Unlock()
		handler(w, r.PostForm)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.forms) == 0 {
		return nil
	}
	return ts.forms[len(ts.forms)-1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestBroker(t *testing.T, tokenURL string) (*TokenBroker, *tokenstore.FileStore) {
	t.Helper()
	store := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "token.json"))
	b := NewTokenBroker(Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8080/oauth/callback",
		TokenURL:     tokenURL,
	}, store)
	return b, store
}

// =============================================================================
// Authorization URL
// =============================================================================

func TestAuthorizationURL(t *testing.T) {
	b, _ := newTestBroker(t, "http://127.0.0.1:1/unused")

	tests := []struct {
		name      string
		scope     string
		state     string
		wantScope string
		wantState bool
	}{
		{"default scope", "", "", "expenses", false},
		{"explicit scope", "account", "", "account", false},
		{"with state", "", "xyz", "expenses", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := b.AuthorizationURL(tt.scope, tt.state)
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("parse %q: %v", raw, err)
			}
			if got := u.Scheme + "://" + u.Host + u.Path; got != DefaultAuthURL {
				t.Errorf("base = %q, want %q", got, DefaultAuthURL)
			}
			q := u.Query()
			if q.Get("response_type") != "code" {
				t.Errorf("response_type = %q", q.Get("response_type"))
			}
			if q.Get("client_id") != "cid" {
				t.Errorf("client_id = %q", q.Get("client_id"))
			}
			if q.Get("redirect_uri") != "http://localhost:8080/oauth/callback" {
				t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
			}
			if q.Get("scope") != tt.wantScope {
				t.Errorf("scope = %q, want %q", q.Get("scope"), tt.wantScope)
			}
			if q.Has("state") != tt.wantState {
				t.Errorf("state present = %v, want %v", q.Has("state"), tt.wantState)
			}
		})
	}

	if b.State() != StateUnauthenticated {
		t.Errorf("AuthorizationURL changed state to %v", b.State())
	}
}

func TestBeginAuthorization(t *testing.T) {
	b, _ := newTestBroker(t, "http://127.0.0.1:1/unused")

	authURL, state := b.BeginAuthorization("")
	if state == "" {
		t.Fatal("empty state")
	}
	if !strings.Contains(authURL, "state="+url.QueryEscape(state)) {
		t.Errorf("url %q does not carry state", authURL)
	}
	if b.State() != StateAwaitingCode {
		t.Errorf("state = %v, want AWAITING_CODE", b.State())
	}
	if b.VerifyState("other") {
		t.Error("foreign state verified")
	}
	if !b.VerifyState(state) {
		t.Error("issued state rejected")
	}
	if b.VerifyState(state) {
		t.Error("state verified twice")
	}
}

// =============================================================================
// Code exchange
// =============================================================================

func TestExchangeCode(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "acc-1",
			"refresh_token": "ref-1",
			"token_type":    "bearer",
			"expires_in":    3600,
			"scope":         "expenses",
		})
	})
	b, store := newTestBroker(t, ts.URL)

	rec, err := b.ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if ts.calls.Load() != 1 {
		t.Errorf("token endpoint called %d times, want 1", ts.calls.Load())
	}

	form := ts.lastForm()
	for k, want := range map[string]string{
		"grant_type":    "authorization_code",
		"code":          "the-code",
		"client_id":     "cid",
		"client_secret": "secret",
		"redirect_uri":  "http://localhost:8080/oauth/callback",
	} {
		if got := form.Get(k); got != want {
			t.Errorf("form %s = %q, want %q", k, got, want)
		}
	}

	if rec.AccessToken != "acc-1" || rec.RefreshToken != "ref-1" || rec.Scope != "expenses" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.ExpiresAt == nil || time.Until(*rec.ExpiresAt) < 59*time.Minute {
		t.Errorf("expires_at = %v", rec.ExpiresAt)
	}
	if b.State() != StateAuthenticated {
		t.Errorf("state = %v, want AUTHENTICATED", b.State())
	}

	stored, ok, err := store.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("stored token: ok=%v err=%v", ok, err)
	}
	if stored.AccessToken != "acc-1" || stored.RefreshToken != "ref-1" {
		t.Errorf("stored record %+v", stored)
	}
}

func TestExchangeCodeFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     map[string]any
		wantCode string
	}{
		{"invalid grant", http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "code expired"}, "invalid_grant"},
		{"server error", http.StatusInternalServerError, map[string]any{"message": "boom"}, ""},
		{"missing access token", http.StatusOK, map[string]any{"token_type": "bearer"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
				writeJSON(w, tt.status, tt.body)
			})
			b, store := newTestBroker(t, ts.URL)

			_, err := b.ExchangeCode(context.Background(), "code")
			var ae *AuthError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *AuthError, got %T: %v", err, err)
			}
			if ae.Op != "exchange" {
				t.Errorf("op = %q", ae.Op)
			}
			if ae.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", ae.Code, tt.wantCode)
			}
			if ts.calls.Load() != 1 {
				t.Errorf("token endpoint called %d times, want 1", ts.calls.Load())
			}
			if _, ok, _ := store.Load(context.Background()); ok {
				t.Error("failed exchange must not persist a token")
			}
		})
	}
}

func TestExchangeCodeEmpty(t *testing.T) {
	b, _ := newTestBroker(t, "http://127.0.0.1:1/unused")
	if _, err := b.ExchangeCode(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty code")
	}
}

// =============================================================================
// Refresh
// =============================================================================

func TestRefreshAccessToken(t *testing.T) {
	tests := []struct {
		name        string
		response    map[string]any
		wantRefresh string
	}{
		{"rotated refresh token", map[string]any{"access_token": "acc-2", "refresh_token": "ref-2", "expires_in": 60}, "ref-2"},
		{"refresh token omitted", map[string]any{"access_token": "acc-2", "expires_in": 60}, "ref-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
				if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "ref-1" {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
					return
				}
				writeJSON(w, http.StatusOK, tt.response)
			})
			b, store := newTestBroker(t, ts.URL)

			rec, err := b.RefreshAccessToken(context.Background(), "ref-1")
			if err != nil {
				t.Fatalf("RefreshAccessToken: %v", err)
			}
			if rec.AccessToken != "acc-2" || rec.RefreshToken != tt.wantRefresh {
				t.Errorf("record %+v, want access acc-2 refresh %s", rec, tt.wantRefresh)
			}
			stored, _, err := store.Load(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if stored.RefreshToken != tt.wantRefresh {
				t.Errorf("stored refresh = %q, want %q", stored.RefreshToken, tt.wantRefresh)
			}
		})
	}
}

func TestRefreshInvalidGrantIsTerminal(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	})
	b, _ := newTestBroker(t, ts.URL)

	_, err := b.RefreshAccessToken(context.Background(), "revoked")
	if !IsTerminal(err) {
		t.Fatalf("expected terminal AuthError, got %v", err)
	}
	if b.State() != StateUnauthenticated {
		t.Errorf("state = %v, want UNAUTHENTICATED", b.State())
	}
	if ts.calls.Load() != 1 {
		t.Errorf("token endpoint called %d times, want 1", ts.calls.Load())
	}
}

func TestRefreshServerErrorIsNotTerminal(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusBadGateway, map[string]any{})
	})
	b, _ := newTestBroker(t, ts.URL)

	_, err := b.RefreshAccessToken(context.Background(), "ref")
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if ae.Terminal {
		t.Error("5xx should not be terminal")
	}
	if ae.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", ae.StatusCode)
	}
}

func TestRefreshUnreachableEndpointIsTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	tokenURL := ts.URL
	ts.Close()
	b, _ := newTestBroker(t, tokenURL)

	_, err := b.RefreshAccessToken(context.Background(), "ref")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if te.StatusCode != 0 {
		t.Errorf("status = %d, want 0 for a connection failure", te.StatusCode)
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		t.Errorf("connection failure must not be an AuthError: %v", err)
	}
	if IsTerminal(err) {
		t.Error("connection failure must not be terminal")
	}
}

func TestExchangeCodeUnreachableEndpointIsTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	tokenURL := ts.URL
	ts.Close()
	b, store := newTestBroker(t, tokenURL)

	_, err := b.ExchangeCode(context.Background(), "code")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if _, ok, _ := store.Load(context.Background()); ok {
		t.Error("failed exchange must not persist a token")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	b, _ := newTestBroker(t, "http://127.0.0.1:1/unused")
	_, err := b.RefreshAccessToken(context.Background(), "")
	if !IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

// =============================================================================
// Session
// =============================================================================

func TestSessionRefreshSingleFlight(t *testing.T) {
	release := make(chan struct{})
	ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "fresh", "refresh_token": "ref-2"})
	})
	b, _ := newTestBroker(t, ts.URL)
	sess, err := NewSession(b, tokenstore.Record{AccessToken: "stale", RefreshToken: "ref-1"})
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = sess.Refresh(context.Background(), "stale")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if results[i] != "fresh" {
			t.Errorf("caller %d got %q", i, results[i])
		}
	}
	if got := ts.calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
	if sess.AccessToken() != "fresh" {
		t.Errorf("session token = %q", sess.AccessToken())
	}
}

func TestSessionRefreshKeepsTokenWhenSaveFails(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "fresh"})
	})
	// A path under a regular file cannot be created.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	store := tokenstore.NewFileStore(blocker)
	if err := store.Save(context.Background(), tokenstore.Record{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}
	b := NewTokenBroker(Config{ClientID: "cid", TokenURL: ts.URL}, tokenstore.NewFileStore(filepath.Join(blocker, "token.json")))

	sess, err := NewSession(b, tokenstore.Record{AccessToken: "stale", RefreshToken: "ref"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := sess.Refresh(context.Background(), "stale")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != "fresh" {
		t.Errorf("token = %q, want fresh", got)
	}
}

func TestSessionRefreshStateTransitions(t *testing.T) {
	var (
		current atomic.Pointer[TokenBroker]
		during  atomic.Int32
	)
	ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) {
		during.Store(int32(current.Load().State()))
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "fresh", "expires_in": 3600})
	})
	b, store := newTestBroker(t, ts.URL)
	current.Store(b)
	ctx := context.Background()
	if err := store.Save(ctx, tokenstore.Record{AccessToken: "stale", RefreshToken: "ref"}); err != nil {
		t.Fatal(err)
	}

	sess, err := b.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b.State() != StateAuthenticated {
		t.Fatalf("state after load = %v, want AUTHENTICATED", b.State())
	}

	if _, err := sess.Refresh(ctx, "stale"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := State(during.Load()); got != StateExpired {
		t.Errorf("state during refresh = %v, want EXPIRED", got)
	}
	if b.State() != StateAuthenticated {
		t.Errorf("state after refresh = %v, want AUTHENTICATED", b.State())
	}
	exp, ok := sess.Expiry()
	if !ok || time.Until(exp) <= 0 {
		t.Errorf("Expiry() = %v, %v; want a future expiry", exp, ok)
	}
}

func TestSessionRefreshStateOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		respond func(w http.ResponseWriter)
		want    State
	}{
		{"rejected refresh token", func(w http.ResponseWriter) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
		}, StateUnauthenticated},
		{"token endpoint error", func(w http.ResponseWriter) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{})
		}, StateExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, func(w http.ResponseWriter, _ url.Values) { tt.respond(w) })
			b, _ := newTestBroker(t, ts.URL)
			sess, err := NewSession(b, tokenstore.Record{AccessToken: "stale", RefreshToken: "ref"})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := sess.Refresh(context.Background(), "stale"); err == nil {
				t.Fatal("expected refresh error")
			}
			if b.State() != tt.want {
				t.Errorf("state = %v, want %v", b.State(), tt.want)
			}
			if sess.AccessToken() != "stale" {
				t.Errorf("failed refresh replaced the token with %q", sess.AccessToken())
			}
		})
	}
}

func TestNewSessionRequiresToken(t *testing.T) {
	b, _ := newTestBroker(t, "http://127.0.0.1:1/unused")
	if _, err := b.NewSession(context.Background()); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := NewSession(b, tokenstore.Record{}); err == nil {
		t.Error("expected error for empty record")
	}
}

// =============================================================================
// Expiry
// =============================================================================

func TestExpiry(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	stored := time.Date(2029, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		rec    tokenstore.Record
		want   time.Time
		wantOK bool
	}{
		{"stored expiry wins", tokenstore.Record{AccessToken: signed, ExpiresAt: &stored}, stored, true},
		{"jwt exp claim", tokenstore.Record{AccessToken: signed}, exp, true},
		{"opaque token", tokenstore.Record{AccessToken: "opaque"}, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Expiry(tt.rec)
			if ok != tt.wantOK || !got.Equal(tt.want) {
				t.Errorf("Expiry() = %v, %v; want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if !Expired(tokenstore.Record{AccessToken: signed}, exp.Add(time.Second)) {
		t.Error("expected expired after exp")
	}
	if Expired(tokenstore.Record{AccessToken: "opaque"}, exp) {
		t.Error("unknown expiry must not count as expired")
	}
}

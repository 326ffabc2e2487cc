package broker

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"opencollective/server/internal/observability"
	"opencollective/server/internal/tokenstore"
)

// OpenCollective OAuth2 endpoints.
const (
	DefaultAuthURL  = "https://opencollective.com/oauth/authorize"
	DefaultTokenURL = "https://opencollective.com/oauth/token"
	DefaultScope    = "expenses"
)

// Config holds the OAuth2 application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string // default DefaultAuthURL
	TokenURL     string // default DefaultTokenURL

	// HTTPClient is used for token endpoint calls. Deadlines belong here.
	HTTPClient *http.Client
}

// State is the authorization state of a TokenBroker.
type State int

const (
	StateUnauthenticated State = iota
	StateAwaitingCode
	StateAuthenticated
	// StateExpired is entered when an access token is rejected and held
	// while the refresh runs, or after a refresh that failed without the
	// grant being revoked.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAwaitingCode:
		return "AWAITING_CODE"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// TokenBroker owns the OAuth2 authorization-code flow for one set of
// credentials: authorization URLs, code exchange, refresh, and persistence
// through a tokenstore.Store. It never refreshes in the background.
type TokenBroker struct {
	oauth  oauth2.Config
	store  tokenstore.Store
	client *http.Client

	mu           sync.Mutex
	state        State
	pendingState string
}

// NewTokenBroker creates a broker persisting to store.
func NewTokenBroker(cfg Config, store tokenstore.Store) *TokenBroker {
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &TokenBroker{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
				// Credentials in the form body; also keeps every grant to a single POST
				// (auto-detection retries with a different auth style).
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:  store,
		client: client,
		state:  StateUnauthenticated,
	}
}

// State returns the current authorization state.
func (b *TokenBroker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *TokenBroker) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// AuthorizationURL builds the consent-screen URL. It performs no I/O and does
// not change state. An empty scope means DefaultScope; an empty state omits
// the state parameter.
func (b *TokenBroker) AuthorizationURL(scope, state string) string {
	if scope == "" {
		scope = DefaultScope
	}
	cfg := b.oauth
	cfg.Scopes = []string{scope}
	return cfg.AuthCodeURL(state)
}

// BeginAuthorization generates a random state value, moves the broker to
// AWAITING_CODE and returns the URL the user must visit.
func (b *TokenBroker) BeginAuthorization(scope string) (authURL, state string) {
	state = uuid.NewString()
	b.mu.Lock()
	b.pendingState = state
	b.state = StateAwaitingCode
	b.mu.Unlock()
	return b.AuthorizationURL(scope, state), state
}

// VerifyState reports whether state matches the value issued by
// BeginAuthorization. Each issued value verifies at most once.
func (b *TokenBroker) VerifyState(state string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingState == "" || state != b.pendingState {
		return false
	}
	b.pendingState = ""
	return true
}

func (b *TokenBroker) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.client)
}

// ExchangeCode trades an authorization code for a token, persists it and
// moves the broker to AUTHENTICATED. Rejections are returned as *AuthError
// and are not retried.
func (b *TokenBroker) ExchangeCode(ctx context.Context, code string) (tokenstore.Record, error) {
	if code == "" {
		return tokenstore.Record{}, &AuthError{Op: "exchange", Description: "authorization code is empty"}
	}

	tok, err := b.oauth.Exchange(b.oauthContext(ctx), code)
	if err != nil {
		err = classifyTokenError("exchange", err)
		log.Printf("[broker] Code exchange failed: %v", err)
		observability.LogTokenEvent("exchange_failed", map[string]any{"error": err.Error()})
		return tokenstore.Record{}, err
	}

	rec := b.recordFromToken(tok, tokenstore.Record{})
	if !rec.Valid() {
		return tokenstore.Record{}, &AuthError{Op: "exchange", Description: "token response missing access_token"}
	}
	if err := b.store.Save(ctx, rec); err != nil {
		return tokenstore.Record{}, errors.Wrap(err, "persist exchanged token")
	}

	b.setState(StateAuthenticated)
	log.Printf("[broker] Authorization code exchanged, scope=%q", rec.Scope)
	observability.LogTokenEvent("exchanged", map[string]any{"scope": rec.Scope})
	return rec, nil
}

// RefreshAccessToken obtains a new access token with refreshToken and
// replaces the stored record. The previous refresh token is kept when the
// response does not rotate it.
//
// A rejected refresh token yields a terminal *AuthError. If the new token was
// obtained but could not be persisted, the new record is returned together
// with the *tokenstore.Error.
func (b *TokenBroker) RefreshAccessToken(ctx context.Context, refreshToken string) (tokenstore.Record, error) {
	return b.refresh(ctx, tokenstore.Record{RefreshToken: refreshToken})
}

func (b *TokenBroker) refresh(ctx context.Context, prev tokenstore.Record) (tokenstore.Record, error) {
	if prev.RefreshToken == "" {
		b.setState(StateUnauthenticated)
		observability.RecordRefresh(ctx, "no_refresh_token")
		return tokenstore.Record{}, &AuthError{
			Op:          "refresh",
			Description: "no refresh token available",
			Terminal:    true,
		}
	}

	// An empty access token is never valid, so the source always hits the
	// token endpoint exactly once.
	src := b.oauth.TokenSource(b.oauthContext(ctx), &oauth2.Token{RefreshToken: prev.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		err = classifyTokenError("refresh", err)
		terminal := IsTerminal(err)
		if terminal {
			b.setState(StateUnauthenticated)
		}
		log.Printf("[broker] Token refresh failed: %v", err)
		observability.RecordRefresh(ctx, "error")
		observability.LogTokenEvent("refresh_failed", map[string]any{
			"error":    err.Error(),
			"terminal": terminal,
		})
		return tokenstore.Record{}, err
	}

	rec := b.recordFromToken(tok, prev)
	if !rec.Valid() {
		observability.RecordRefresh(ctx, "error")
		return tokenstore.Record{}, &AuthError{Op: "refresh", Description: "token response missing access_token", Terminal: true}
	}
	b.setState(StateAuthenticated)
	observability.RecordRefresh(ctx, "ok")

	if err := b.store.Save(ctx, rec); err != nil {
		log.Printf("[broker] Failed to save refreshed token: %v", err)
		observability.LogError("broker.refresh.save", err)
		return rec, err
	}
	log.Printf("[broker] Token refreshed successfully")
	observability.LogTokenEvent("refreshed", map[string]any{"rotated": tok.RefreshToken != prev.RefreshToken})
	return rec, nil
}

// recordFromToken converts an x/oauth2 token into a Record, carrying over
// fields from prev that the response omitted.
func (b *TokenBroker) recordFromToken(tok *oauth2.Token, prev tokenstore.Record) tokenstore.Record {
	rec := tokenstore.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        prev.Scope,
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = prev.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		rec.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		t := tok.Expiry.UTC().Truncate(time.Second)
		rec.ExpiresAt = &t
	}
	return rec.Normalize()
}

// LoadToken reads the stored record. Absent leaves the broker UNAUTHENTICATED.
func (b *TokenBroker) LoadToken(ctx context.Context) (tokenstore.Record, bool, error) {
	rec, ok, err := b.store.Load(ctx)
	if err != nil || !ok {
		return rec, ok, err
	}
	b.setState(StateAuthenticated)
	return rec, true, nil
}

// SaveToken persists rec through the store.
func (b *TokenBroker) SaveToken(ctx context.Context, rec tokenstore.Record) error {
	return b.store.Save(ctx, rec)
}

// NewSession loads the stored token and wraps it in a Session.
// A missing token yields an error wrapping tokenstore.ErrNotFound.
func (b *TokenBroker) NewSession(ctx context.Context) (*Session, error) {
	rec, ok, err := b.LoadToken(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(tokenstore.ErrNotFound, "load session token")
	}
	return NewSession(b, rec)
}

package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"opencollective/server/internal/tokenstore"
)

// Session holds the current token for one client and serializes refreshes.
// Concurrent callers that observed the same stale access token share a single
// refresh; later callers pick up the new token without contacting the
// token endpoint again.
type Session struct {
	broker *TokenBroker

	mu  sync.Mutex
	rec tokenstore.Record
}

// NewSession wraps rec. rec must carry an access token.
func NewSession(b *TokenBroker, rec tokenstore.Record) (*Session, error) {
	if !rec.Valid() {
		return nil, errors.Wrap(tokenstore.ErrInvalidRecord, "new session")
	}
	return &Session{broker: b, rec: rec.Normalize()}, nil
}

// Token returns the current record.
func (s *Session) Token() tokenstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() string {
	return s.Token().AccessToken
}

// Refresh replaces the access token. stale is the token the caller saw
// rejected; if the session already holds a different token, it is returned
// as is.
//
// Persistence failures are logged and the refreshed in-memory token is still
// used: the request can proceed, and the next process start falls back to
// the old refresh token.
func (s *Session) Refresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec.AccessToken != stale {
		return s.rec.AccessToken, nil
	}

	// The access token was rejected; refresh decides where the broker goes next.
	s.broker.setState(StateExpired)
	if exp, ok := Expiry(s.rec); ok {
		log.Printf("[broker] Access token rejected (expiry %s), refreshing", exp.Format(time.RFC3339))
	}

	rec, err := s.broker.refresh(ctx, s.rec)
	if err != nil {
		var se *tokenstore.Error
		if !errors.As(err, &se) || !rec.Valid() {
			return "", err
		}
		log.Printf("[broker] Continuing with unsaved refreshed token")
	}
	s.rec = rec
	return rec.AccessToken, nil
}

// Expiry reports when the current access token expires.
func (s *Session) Expiry() (time.Time, bool) {
	return Expiry(s.Token())
}

// Expiry reports when rec's access token expires. The stored expires_at wins;
// otherwise the exp claim is read from the token when it is a JWT.
// The signature is not verified: the value is informational only.
func Expiry(rec tokenstore.Record) (time.Time, bool) {
	if rec.ExpiresAt != nil {
		return *rec.ExpiresAt, true
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rec.AccessToken, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time.UTC(), true
}

// Expired reports whether rec is known to have expired at now.
func Expired(rec tokenstore.Record, now time.Time) bool {
	exp, ok := Expiry(rec)
	return ok && !now.Before(exp)
}

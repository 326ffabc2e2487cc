// Package tokenstore persists the OAuth2 token record used to authenticate
// against the OpenCollective API.
//
// The on-disk JSON object is the only state shared between authentication
// runs: {access_token, refresh_token?, expires_at?, scope?, token_type?}.
// Stores never talk to the network except the Redis-backed one, which only
// talks to Redis.
package tokenstore

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// DefaultTokenType is used when the token endpoint omits token_type.
const DefaultTokenType = "bearer"

// Record is a persisted OAuth2 token.
// A Record without AccessToken is invalid and must not authenticate requests.
// Records are replaced wholesale on refresh, never edited in place.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scope        string
	TokenType    string
}

// Valid reports whether the record can authenticate a request.
func (r Record) Valid() bool {
	return strings.TrimSpace(r.AccessToken) != ""
}

// Normalize fills defaults and moves ExpiresAt to UTC.
// Precision is kept; the wire format carries nanoseconds.
func (r Record) Normalize() Record {
	if r.TokenType == "" {
		r.TokenType = DefaultTokenType
	}
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC()
		r.ExpiresAt = &t
	}
	return r
}

// ExpiresIn builds an absolute expiry from a relative expires_in duration.
// Non-positive durations yield nil (unknown expiry).
func ExpiresIn(now time.Time, seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(seconds) * time.Second).UTC().Truncate(time.Second)
	return &t
}

// recordJSON is the wire shape of the token file.
type recordJSON struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	ExpiresAt    *FlexibleTime `json:"expires_at,omitempty"`
	Scope        string       `json:"scope,omitempty"`
	TokenType    string       `json:"token_type,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	r = r.Normalize()
	out := recordJSON{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Scope:        r.Scope,
		TokenType:    r.TokenType,
	}
	if r.ExpiresAt != nil {
		ft := FlexibleTime(*r.ExpiresAt)
		out.ExpiresAt = &ft
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		Scope:        in.Scope,
		TokenType:    in.TokenType,
	}
	// An empty string decodes to the zero time and means "no expiry".
	if in.ExpiresAt != nil && !in.ExpiresAt.Time().IsZero() {
		t := in.ExpiresAt.Time()
		r.ExpiresAt = &t
	}
	*r = r.Normalize()
	return nil
}

// Parse decodes a token file payload. It fails when the payload is not JSON
// or carries no access_token.
func Parse(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.Wrap(err, "decode token record")
	}
	if !rec.Valid() {
		return Record{}, errors.New("token record has no access_token")
	}
	return rec, nil
}

// FlexibleTime handles both Unix timestamp (number) and ISO string formats.
// It is always written as an RFC3339 string with nanosecond precision.
type FlexibleTime time.Time

// Time returns the instant in UTC.
func (ft FlexibleTime) Time() time.Time { return time.Time(ft).UTC() }

func (ft FlexibleTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(ft.Time().Format(time.RFC3339Nano))
}

func (ft *FlexibleTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		if sec, err := num.Int64(); err == nil {
			*ft = FlexibleTime(time.Unix(sec, 0).UTC())
			return nil
		}
		f, err := num.Float64()
		if err != nil {
			return errors.Wrap(err, "parse expires_at")
		}
		sec, frac := math.Modf(f)
		*ft = FlexibleTime(time.Unix(int64(sec), int64(frac*1e9)).UTC())
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str == "" {
			*ft = FlexibleTime{}
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			t, err = time.Parse("2006-01-02T15:04:05.999Z", str)
			if err != nil {
				return errors.Wrap(err, "parse expires_at")
			}
		}
		*ft = FlexibleTime(t.UTC())
		return nil
	}

	return errors.New("expires_at must be number or string")
}

// Store persists a single token record.
// Load returns ok=false with a nil error when nothing has been stored yet.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) (rec Record, ok bool, err error)
}

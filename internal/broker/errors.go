package broker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"golang.org/x/oauth2"
)

// AuthError reports that the OAuth2 service rejected an authorization code,
// a refresh token or an access token. Terminal errors end the session: the
// caller must run the authorization-code flow again.
type AuthError struct {
	Op          string // "exchange", "refresh" or "request"
	Code        string // OAuth2 error code, e.g. "invalid_grant"
	Description string
	StatusCode  int
	Terminal    bool
	Err         error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "oauth2 %s failed", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, ": %s", e.Description)
	}
	if e.Err != nil && e.Code == "" && e.Description == "" {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Terminal {
		b.WriteString(" (re-authorization required)")
	}
	return b.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a failed round trip to OpenCollective: the request
// never got a usable response, or the response was a non-2xx that is not an
// auth failure. It is shared by the token endpoint and the GraphQL API.
type TransportError struct {
	StatusCode int    // 0 when no response was received
	Body       string // truncated response body
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("opencollective: request failed: %v", e.Err)
	}
	msg := fmt.Sprintf("opencollective: unexpected status %d", e.StatusCode)
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTerminal reports whether err is an AuthError that requires a fresh
// authorization-code flow.
func IsTerminal(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Terminal
}

// classifyTokenError converts an x/oauth2 error into an *AuthError when the
// token endpoint answered, or a *TransportError when it could not be reached.
// The token endpoint rejecting the grant (400/401, invalid_grant) is terminal;
// server errors are not.
func classifyTokenError(op string, err error) error {
	ae := &AuthError{Op: op, Err: err}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ae.Code = re.ErrorCode
		ae.Description = re.ErrorDescription
		if re.Response != nil {
			ae.StatusCode = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_client", re.ErrorCode == "unauthorized_client":
			ae.Terminal = true
		case ae.StatusCode == http.StatusBadRequest, ae.StatusCode == http.StatusUnauthorized:
			ae.Terminal = true
		}
		if ae.Code == "" && ae.Description == "" && len(re.Body) > 0 {
			ae.Description = truncate(string(re.Body), 200)
		}
		return ae
	}

	// x/oauth2 reports "server response missing access_token" as a plain error.
	if strings.Contains(err.Error(), "missing access_token") {
		ae.Description = "token response missing access_token"
		ae.Terminal = op == "refresh"
		return ae
	}
	return &TransportError{Err: errors.Wrapf(err, "token %s", op)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

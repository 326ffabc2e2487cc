package main

import (
	"fmt"
	"html"
	"log"
	"net/http"

	"opencollective/server/internal/broker"
	"opencollective/server/internal/middleware"
	"opencollective/server/internal/observability"
)

// oauthRoutes runs the one-time authorization-code setup in a browser.
type oauthRoutes struct {
	broker  *broker.TokenBroker
	scope   string
	clients interface{ Reset() }
	enabled bool
}

// start redirects to the OpenCollective consent page.
func (o *oauthRoutes) start(w http.ResponseWriter, r *http.Request) {
	if !o.enabled {
		http.Error(w, "OAuth2 client credentials are not configured", http.StatusServiceUnavailable)
		return
	}
	authURL, _ := o.broker.BeginAuthorization(o.scope)
	log.Printf("[oauth] redirecting to authorization page")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// callback exchanges the authorization code and persists the token.
func (o *oauthRoutes) callback(w http.ResponseWriter, r *http.Request) {
	if !o.enabled {
		http.Error(w, "OAuth2 client credentials are not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Printf("[oauth] authorization denied: %s", e)
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	if !o.broker.VerifyState(q.Get("state")) {
		observability.LogSecurityEvent(middleware.GetRequestID(r.Context()), "oauth_state_mismatch", map[string]any{
			"client": middleware.ClientAddr(r),
		})
		http.Error(w, "invalid or expired state", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	rec, err := o.broker.ExchangeCode(r.Context(), code)
	if err != nil {
		log.Printf("[oauth] code exchange failed: %v", err)
		status := http.StatusBadGateway
		if broker.IsTerminal(err) {
			status = http.StatusBadRequest
		}
		http.Error(w, "code exchange failed: "+err.Error(), status)
		return
	}
	o.clients.Reset()

	log.Printf("[oauth] authorized (scope %q)", rec.Scope)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<p>Authorized with scope <code>%s</code>. You can close this window.</p>", html.EscapeString(rec.Scope))
}

// Package opencollectiveapi provides a typed OpenCollective GraphQL v2 client
// authenticated with an OAuth2 session.
package opencollectiveapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"opencollective/server/internal/broker"
	"opencollective/server/internal/tokenstore"
)

// Client exposes OpenCollective operations over one Session.
// It is safe for concurrent use.
type Client struct {
	session   *broker.Session
	transport *Transport
}

type options struct {
	endpoint   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*options)

// WithEndpoint overrides the GraphQL endpoint.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithHTTPClient sets the HTTP client used for API calls. Timeouts are the
// client's responsibility.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewClient creates a client over session.
func NewClient(session *broker.Session, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		session:   session,
		transport: NewTransport(o.endpoint, o.httpClient),
	}
}

// FromStore loads the token from store and builds a client whose session can
// refresh through the OAuth2 application in cfg.
// A missing token yields an error wrapping tokenstore.ErrNotFound.
func FromStore(ctx context.Context, store tokenstore.Store, cfg broker.Config, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = o.httpClient
	}
	sess, err := broker.NewTokenBroker(cfg, store).NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return NewClient(sess, opts...), nil
}

// FromTokenFile is FromStore over a token file (tokenstore.DefaultPath if
// path is empty).
func FromTokenFile(ctx context.Context, path string, cfg broker.Config, opts ...Option) (*Client, error) {
	return FromStore(ctx, tokenstore.NewFileStore(path), cfg, opts...)
}

// Session returns the client's session.
func (c *Client) Session() *broker.Session { return c.session }

// Execute runs an arbitrary GraphQL document and returns the raw data payload.
func (c *Client) Execute(ctx context.Context, env Envelope) (jx.Raw, error) {
	return c.transport.Execute(ctx, env, c.session)
}

// query executes env and decodes data[field] into v.
// It reports false when the field is absent or null.
func (c *Client) query(ctx context.Context, env Envelope, field string, v any) (bool, error) {
	data, err := c.Execute(ctx, env)
	if err != nil {
		return false, err
	}
	return decodeField(data, field, v)
}

func decodeField(data jx.Raw, field string, v any) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	var raw jx.Raw
	d := jx.DecodeBytes(data)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != field {
			return d.Skip()
		}
		if d.Next() == jx.Null {
			return d.Null()
		}
		r, err := d.Raw()
		raw = r
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "decode %s", field)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", field)
	}
	return true, nil
}

// =============================================================================
// Parameter checks
// =============================================================================

func requireString(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

// requireCanonicalID rejects empty ids and numeric legacy ids.
func requireCanonicalID(field, id string) error {
	if err := requireString(field, id); err != nil {
		return err
	}
	if isNumeric(id) {
		return &ValidationError{Field: field, Reason: "looks like a numeric legacy id; use the canonical expense id"}
	}
	return nil
}

func isNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

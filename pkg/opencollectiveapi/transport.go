package opencollectiveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opencollective/server/internal/broker"
	"opencollective/server/internal/observability"
)

// DefaultEndpoint is the OpenCollective GraphQL v2 API.
const DefaultEndpoint = "https://api.opencollective.com/graphql/v2"

const maxErrorBody = 512

// Envelope is one GraphQL request. Build a new one per call.
type Envelope struct {
	Query     string
	Variables map[string]any
	// Operation names the request in telemetry and is sent as operationName.
	Operation string
}

// Transport posts GraphQL envelopes with bearer authentication and recovers
// from one expired access token per call.
type Transport struct {
	endpoint string
	http     *http.Client
}

// NewTransport creates a transport for endpoint (DefaultEndpoint if empty).
func NewTransport(endpoint string, client *http.Client) *Transport {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Transport{endpoint: endpoint, http: client}
}

// Endpoint returns the GraphQL URL.
func (t *Transport) Endpoint() string { return t.endpoint }

// response is a decoded GraphQL reply.
type response struct {
	status int
	body   []byte
	data   jx.Raw
	errors []ErrorDetail

	// decodeErr is set when the body is not a GraphQL response object.
	decodeErr error
}

// Execute sends env and returns the raw "data" payload.
//
// An authentication failure triggers exactly one Session.Refresh and one
// replay. A second authentication failure is returned as *broker.AuthError.
func (t *Transport) Execute(ctx context.Context, env Envelope, sess *broker.Session) (jx.Raw, error) {
	if sess == nil {
		return nil, errors.New("opencollective: nil session")
	}
	op := env.Operation
	if op == "" {
		op = "anonymous"
	}

	ctx, span := observability.Tracer().Start(ctx, "opencollective.graphql "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("graphql.operation.name", op)),
	)
	defer span.End()

	start := time.Now()
	data, attempts, err := t.execute(ctx, env, sess)
	durationMs := time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int("opencollective.attempts", attempts))

	outcome := outcomeOf(err)
	observability.RecordRequest(ctx, op, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		log.Printf("[graphql] %s failed after %d attempt(s) in %dms: %v", op, attempts, durationMs, err)
		observability.LogGraphQLCall(op, attempts, durationMs, outcome, err.Error())
		return nil, err
	}
	observability.LogGraphQLCall(op, attempts, durationMs, outcome, "")
	return data, nil
}

func (t *Transport) execute(ctx context.Context, env Envelope, sess *broker.Session) (jx.Raw, int, error) {
	body, err := encodeEnvelope(env)
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode request")
	}

	const maxAttempts = 2
	for attempt := 1; ; attempt++ {
		token := sess.AccessToken()
		res, err := t.post(ctx, body, token)
		if err != nil {
			return nil, attempt, &TransportError{Err: err}
		}

		if ok, code, msg := res.authFailure(); ok {
			if attempt >= maxAttempts {
				return nil, attempt, &broker.AuthError{
					Op:          "request",
					Code:        code,
					Description: msg,
					StatusCode:  res.status,
					Terminal:    true,
				}
			}
			log.Printf("[graphql] Access token rejected (status %d), refreshing", res.status)
			if _, err := sess.Refresh(ctx, token); err != nil {
				return nil, attempt, err
			}
			continue
		}

		data, err := res.result()
		return data, attempt, err
	}
}

// result classifies a response that was not an auth failure.
// Success requires a 2xx status, a well-formed body and a data object.
func (r *response) result() (jx.Raw, error) {
	switch {
	case r.status < 200 || r.status >= 300:
		// Validation errors come back as 4xx with a regular errors array.
		if r.status < 500 && r.decodeErr == nil && len(r.errors) > 0 {
			ge := newGraphQLError(r.errors)
			ge.StatusCode = r.status
			return nil, ge
		}
		return nil, &TransportError{StatusCode: r.status, Body: truncateBody(r.body)}
	case r.decodeErr != nil:
		return nil, &TransportError{
			StatusCode: r.status,
			Body:       truncateBody(r.body),
			Err:        errors.Wrap(r.decodeErr, "decode response"),
		}
	case len(r.errors) > 0:
		return nil, newGraphQLError(r.errors)
	case r.data == nil:
		return nil, &TransportError{
			StatusCode: r.status,
			Body:       truncateBody(r.body),
			Err:        errors.New("response has neither data nor errors"),
		}
	default:
		return r.data, nil
	}
}

func (t *Transport) post(ctx context.Context, body []byte, token string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	res := &response{status: resp.StatusCode, body: raw}
	res.decodeErr = decodeResponse(raw, res)
	return res, nil
}

var authErrorCodes = map[string]bool{
	"UNAUTHENTICATED": true,
	"Unauthorized":    true,
	"UNAUTHORIZED":    true,
	"INVALID_TOKEN":   true,
	"TOKEN_EXPIRED":   true,
}

// authFailure reports whether the response rejected the access token.
func (r *response) authFailure() (bool, string, string) {
	if r.status == http.StatusUnauthorized {
		code, msg := "", ""
		if len(r.errors) > 0 {
			code, msg = r.errors[0].Code, r.errors[0].Message
		}
		return true, code, msg
	}
	for _, e := range r.errors {
		if authErrorCodes[e.Code] {
			return true, e.Code, e.Message
		}
		// Field-level errors are operation failures even when they mention a token.
		if len(e.Path) > 0 {
			continue
		}
		m := strings.ToLower(e.Message)
		if strings.Contains(m, "token") && (strings.Contains(m, "invalid") || strings.Contains(m, "expired")) {
			return true, e.Code, e.Message
		}
	}
	return false, "", ""
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		ae *broker.AuthError
		te *TransportError
		ge *GraphQLError
	)
	switch {
	case errors.As(err, &ae):
		return "auth_error"
	case errors.As(err, &te):
		return "transport_error"
	case errors.As(err, &ge):
		return "graphql_error"
	default:
		return "error"
	}
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

// =============================================================================
// Wire encoding
// =============================================================================

func encodeEnvelope(env Envelope) ([]byte, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("query")
	e.Str(env.Query)
	if env.Operation != "" {
		e.FieldStart("operationName")
		e.Str(env.Operation)
	}
	if len(env.Variables) > 0 {
		vars, err := json.Marshal(env.Variables)
		if err != nil {
			return nil, errors.Wrap(err, "encode variables")
		}
		e.FieldStart("variables")
		e.Raw(vars)
	}
	e.ObjEnd()

	out := make([]byte, len(e.Bytes()))
	copy(out, e.Bytes())
	return out, nil
}

func decodeResponse(raw []byte, res *response) error {
	d := jx.DecodeBytes(raw)
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "data":
			switch tt := d.Next(); tt {
			case jx.Null:
				return d.Null()
			case jx.Object:
				v, err := d.Raw()
				if err != nil {
					return err
				}
				res.data = append(jx.Raw(nil), v...)
				return nil
			default:
				return errors.Errorf("data is %s, want object", tt)
			}
		case "errors":
			if d.Next() != jx.Array {
				return d.Skip()
			}
			return d.Arr(func(d *jx.Decoder) error {
				detail, err := decodeErrorDetail(d)
				if err != nil {
					return err
				}
				res.errors = append(res.errors, detail)
				return nil
			})
		default:
			return d.Skip()
		}
	})
}

func decodeErrorDetail(d *jx.Decoder) (ErrorDetail, error) {
	var detail ErrorDetail
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "message":
			if d.Next() != jx.String {
				return d.Skip()
			}
			s, err := d.Str()
			detail.Message = s
			return err
		case "path":
			if d.Next() != jx.Array {
				return d.Skip()
			}
			return d.Arr(func(d *jx.Decoder) error {
				switch d.Next() {
				case jx.String:
					s, err := d.Str()
					detail.Path = append(detail.Path, s)
					return err
				case jx.Number:
					n, err := d.Int()
					detail.Path = append(detail.Path, strconv.Itoa(n))
					return err
				default:
					return d.Skip()
				}
			})
		case "extensions":
			if d.Next() != jx.Object {
				return d.Skip()
			}
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				if string(key) != "code" || d.Next() != jx.String {
					return d.Skip()
				}
				s, err := d.Str()
				detail.Code = s
				return err
			})
		default:
			return d.Skip()
		}
	})
	return detail, err
}

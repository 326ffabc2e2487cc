package opencollectiveapi

import (
	"fmt"
	"strings"

	"opencollective/server/internal/broker"
)

// TransportError reports a failed round trip: the request never got a usable
// response, or the response was a non-2xx that is not an auth failure.
// Token endpoint failures during refresh surface as the same type.
type TransportError = broker.TransportError

// ErrorDetail is one entry of a GraphQL "errors" array.
type ErrorDetail struct {
	Message string
	Path    []string
	Code    string // extensions.code
}

// GraphQLError reports a response that carried GraphQL errors.
// The first error is surfaced in Message, Path and Code.
type GraphQLError struct {
	Message    string
	Path       []string
	Code       string
	Errors     []ErrorDetail
	StatusCode int // set when the errors came with a non-2xx status
}

func newGraphQLError(details []ErrorDetail) *GraphQLError {
	e := &GraphQLError{Errors: details}
	if len(details) > 0 {
		e.Message = details[0].Message
		e.Path = details[0].Path
		e.Code = details[0].Code
	}
	return e
}

func (e *GraphQLError) Error() string {
	var b strings.Builder
	b.WriteString("opencollective: graphql error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, " at %s", strings.Join(e.Path, "."))
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if n := len(e.Errors); n > 1 {
		fmt.Fprintf(&b, " (and %d more)", n-1)
	}
	return b.String()
}

// NotFoundError reports that a lookup resolved to null.
type NotFoundError struct {
	Kind string // "collective", "expense", "account"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("opencollective: %s %q not found", e.Kind, e.Key)
}

// ValidationError rejects parameters before any request is sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("opencollective: invalid %s: %s", e.Field, e.Reason)
}

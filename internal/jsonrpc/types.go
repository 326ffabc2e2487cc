// Package jsonrpc holds the JSON-RPC 2.0 envelope shared by the MCP handler
// and the HTTP transport.
package jsonrpc

import "fmt"

// Version is the only protocol version accepted.
const Version = "2.0"

// Request is a JSON-RPC 2.0 Request. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// IsNotification reports whether the caller expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Validate checks the envelope. Method dispatch is the processor's job.
func (r *Request) Validate() *Error {
	if r.JSONRPC != Version {
		return NewError(InvalidRequest, fmt.Sprintf("jsonrpc must be %q", Version))
	}
	if r.Method == "" {
		return NewError(InvalidRequest, "method is required")
	}
	return nil
}

// Response is a JSON-RPC 2.0 Response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Reply builds the response to id: an error response when rpcErr is set,
// a result response otherwise.
func Reply(id, result interface{}, rpcErr *Error) Response {
	if rpcErr != nil {
		return Response{JSONRPC: Version, ID: id, Error: rpcErr}
	}
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// Error is a JSON-RPC 2.0 Error
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewError creates an Error with no data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC 2.0 standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server-defined error codes (-32000 ~ -32099)
const (
	ErrAuthorizationRequired = -32001 // No usable OpenCollective token; run the OAuth flow
	ErrUpstream              = -32002 // OpenCollective API unreachable or failing
)

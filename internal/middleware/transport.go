package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"opencollective/server/internal/jsonrpc"
	"opencollective/server/internal/observability"
)

const (
	// maxBodyBytes bounds a single JSON-RPC message.
	maxBodyBytes = 1 << 20
	// maxSessionsPerClient bounds open SSE streams per client address, the
	// same key the rate limiter uses.
	maxSessionsPerClient = 4
	// sessionBuffer is the number of undelivered messages a session holds.
	sessionBuffer = 100
)

// RequestProcessor processes JSON-RPC requests.
// Implemented by the MCP handler.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error)
}

// session is an open SSE stream. Only the client that opened it may post
// to it.
type session struct {
	id        string
	client    string
	requestID string // request that opened the stream
	messages  chan []byte
}

// transport serves MCP over HTTP: inline request/response POSTs, plus SSE
// streams for clients that use the older session protocol.
type transport struct {
	processor RequestProcessor
	endpoint  string

	mu       sync.RWMutex
	sessions map[string]*session
	perAddr  map[string]int
}

// Transport creates an http.Handler that manages SSE and Inline JSON-RPC transport.
// It delegates request processing to the given RequestProcessor. endpoint is
// the path clients POST session messages to (announced in the SSE stream).
func Transport(processor RequestProcessor, endpoint string) http.Handler {
	if endpoint == "" {
		endpoint = "/mcp"
	}
	return &transport{
		processor: processor,
		endpoint:  endpoint,
		sessions:  make(map[string]*session),
		perAddr:   make(map[string]int),
	}
}

func (t *transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.handleSSE(w, r)
	case http.MethodPost:
		t.handleMessage(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// =============================================================================
// SSE sessions
// =============================================================================

func (t *transport) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	s, err := t.open(clientKey(r), GetRequestID(r.Context()))
	if err != nil {
		observability.LogSecurityEvent(GetRequestID(r.Context()), "session_limit", map[string]any{
			"client": clientKey(r),
			"limit":  maxSessionsPerClient,
		})
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer t.close(s)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send endpoint event (MCP SSE protocol)
	fmt.Fprintf(w, "event: endpoint\ndata: %s?sessionId=%s\n\n", t.endpoint, s.id)
	flusher.Flush()
	log.Printf("[transport] SSE session opened, session=%s client=%s request_id=%s", s.id, s.client, s.requestID)

	for {
		select {
		case msg := <-s.messages:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			log.Printf("[transport] SSE session closed, session=%s", s.id)
			return
		}
	}
}

func (t *transport) open(client, requestID string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.perAddr[client] >= maxSessionsPerClient {
		return nil, errors.Errorf("too many open sessions for %s", client)
	}
	s := &session{
		id:        uuid.NewString(),
		client:    client,
		requestID: requestID,
		messages:  make(chan []byte, sessionBuffer),
	}
	t.sessions[s.id] = s
	t.perAddr[client]++
	return s, nil
}

func (t *transport) close(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s.id)
	if t.perAddr[s.client]--; t.perAddr[s.client] <= 0 {
		delete(t.perAddr, s.client)
	}
}

func (t *transport) lookup(id string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// =============================================================================
// Messages
// =============================================================================

func (t *transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		t.handleInlineMessage(w, r)
		return
	}

	s, ok := t.lookup(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if client := clientKey(r); client != s.client {
		observability.LogSecurityEvent(GetRequestID(r.Context()), "session_client_mismatch", map[string]any{
			"session": s.id,
			"owner":   s.client,
			"client":  client,
		})
		http.Error(w, "Session belongs to another client", http.StatusForbidden)
		return
	}

	req, rpcErr, ok := t.decode(w, r)
	if !ok {
		return
	}
	if rpcErr != nil {
		t.deliver(s, jsonrpc.Reply(req.ID, nil, rpcErr))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	log.Printf("[transport] Received request: method=%s id=%v session=%s request_id=%s", req.Method, req.ID, s.id, GetRequestID(r.Context()))

	result, rpcErr := t.processor.ProcessRequest(r.Context(), req)
	if rpcErr != nil || !req.IsNotification() {
		t.deliver(s, jsonrpc.Reply(req.ID, result, rpcErr))
	}
	w.WriteHeader(http.StatusAccepted)
}

func (t *transport) handleInlineMessage(w http.ResponseWriter, r *http.Request) {
	req, rpcErr, ok := t.decode(w, r)
	if !ok {
		return
	}
	if rpcErr != nil {
		writeJSON(w, jsonrpc.Reply(req.ID, nil, rpcErr))
		return
	}

	log.Printf("[transport] Received inline request: method=%s id=%v request_id=%s", req.Method, req.ID, GetRequestID(r.Context()))

	result, rpcErr := t.processor.ProcessRequest(r.Context(), req)
	if rpcErr == nil && req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, jsonrpc.Reply(req.ID, result, rpcErr))
}

// decode reads one JSON-RPC request. Envelope problems come back as an
// rpcErr for the caller to deliver; ok is false when an HTTP error was
// already written.
func (t *transport) decode(w http.ResponseWriter, r *http.Request) (req *jsonrpc.Request, rpcErr *jsonrpc.Error, ok bool) {
	req = &jsonrpc.Request{}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(req)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		observability.LogSecurityEvent(GetRequestID(r.Context()), "body_too_large", map[string]any{
			"client": clientKey(r),
			"limit":  tooLarge.Limit,
		})
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return nil, nil, false
	case err != nil:
		return &jsonrpc.Request{}, jsonrpc.NewError(jsonrpc.ParseError, "Parse error"), true
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		return req, rpcErr, true
	}
	return req, nil, true
}

func (t *transport) deliver(s *session, resp jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[transport] Failed to encode response, session=%s: %v", s.id, err)
		return
	}
	select {
	case s.messages <- data:
	default:
		log.Printf("[transport] Session message buffer full, session=%s", s.id)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[transport] Failed to write response: %v", err)
	}
}

// clientKey is the address sessions are bound to; it matches the rate
// limiter's key.
func clientKey(r *http.Request) string {
	if addr := GetClientAddr(r.Context()); addr != "" {
		return addr
	}
	return ClientAddr(r)
}

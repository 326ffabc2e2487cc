package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// LokiConfig configures the Loki push sink. The sink stays disabled unless
// URL, User and APIKey are all set.
type LokiConfig struct {
	URL      string
	User     string
	APIKey   string
	AppName  string
	Instance string
}

type LokiClient struct {
	url        string
	username   string
	apiKey     string
	httpClient *http.Client
	enabled    bool
	appName    string
	instanceID string
}

// Loki Push API format
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

var defaultClient *LokiClient

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func Init(cfg LokiConfig) {
	appName := firstNonEmpty(cfg.AppName, "opencollective")
	instanceID := firstNonEmpty(cfg.Instance, "local")

	if cfg.URL == "" || cfg.User == "" || cfg.APIKey == "" {
		log.Println("Loki not configured, event push disabled")
		defaultClient = &LokiClient{enabled: false, appName: appName, instanceID: instanceID}
		return
	}

	defaultClient = &LokiClient{
		url:        cfg.URL + "/loki/api/v1/push",
		username:   cfg.User,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		enabled:    true,
		appName:    appName,
		instanceID: instanceID,
	}
	log.Println("Loki client initialized")
}

func Push(labels map[string]string, data map[string]any) {
	if defaultClient == nil || !defaultClient.enabled {
		return
	}

	go defaultClient.push(labels, data)
}

func (c *LokiClient) push(labels map[string]string, data map[string]any) {
	if labels == nil {
		labels = make(map[string]string)
	}
	labels["app"] = c.appName
	labels["instance"] = c.instanceID

	dataJSON, err := json.Marshal(data)
	if err != nil {
		log.Printf("Loki: failed to marshal data: %v", err)
		return
	}

	req := lokiPushRequest{
		Streams: []lokiStream{
			{
				Stream: labels,
				Values: [][]string{
					{strconv.FormatInt(time.Now().UnixNano(), 10), string(dataJSON)},
				},
			},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		log.Printf("Loki: failed to marshal request: %v", err)
		return
	}

	httpReq, err := http.NewRequest("POST", c.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("Loki: failed to create request: %v", err)
		return
	}

	httpReq.SetBasicAuth(c.username, c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("Loki: failed to send: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Loki: unexpected status code: %d", resp.StatusCode)
	}
}

// LogGraphQLCall records one GraphQL round trip (including any replay).
func LogGraphQLCall(operation string, attempts int, durationMs int64, status string, errMsg string) {
	level := "info"
	if status != "ok" {
		level = "error"
	}
	labels := map[string]string{
		"type":   "graphql",
		"status": status,
		"level":  level,
	}

	data := map[string]any{
		"operation":   operation,
		"attempts":    attempts,
		"duration_ms": durationMs,
		"status":      status,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}

	Push(labels, data)
}

// LogToolCall records one MCP tool execution.
func LogToolCall(requestID, module, tool string, durationMs int64, status string, errMsg string) {
	level := "info"
	if status != "success" {
		level = "error"
	}
	labels := map[string]string{
		"type":   "tool_call",
		"module": module,
		"status": status,
		"level":  level,
	}

	data := map[string]any{
		"request_id":  requestID,
		"tool":        tool,
		"duration_ms": durationMs,
		"status":      status,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}

	Push(labels, data)
}

// LogTokenEvent records token lifecycle events (exchange, refresh, failures).
func LogTokenEvent(event string, details map[string]any) {
	labels := map[string]string{
		"type":  "token",
		"level": "info",
	}

	data := map[string]any{"event": event}
	for k, v := range details {
		data[k] = v
	}

	Push(labels, data)
}

// LogRequest logs an incoming HTTP request
func LogRequest(method, path string, statusCode int, durationMs int64) {
	labels := map[string]string{
		"type":   "request",
		"method": method,
		"level":  "info",
	}

	data := map[string]any{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": durationMs,
	}

	Push(labels, data)
}

// LogError logs an error
func LogError(context string, err error) {
	labels := map[string]string{
		"type":  "error",
		"level": "error",
	}

	data := map[string]any{
		"context": context,
		"error":   fmt.Sprintf("%v", err),
	}

	Push(labels, data)
}

// LogSecurityEvent logs a security-related event (bad OAuth state, panics, rate limiting).
func LogSecurityEvent(requestID, event string, details map[string]any) {
	labels := map[string]string{
		"type":  "security",
		"level": "warn",
	}

	data := map[string]any{
		"request_id": requestID,
		"event":      event,
	}
	for k, v := range details {
		data[k] = v
	}

	Push(labels, data)
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-faster/errors"

	"opencollective/server/internal/jsonrpc"
	"opencollective/server/internal/middleware"
	"opencollective/server/internal/modules"
	"opencollective/server/internal/observability"
)

const (
	protocolVersion = "2025-03-26"
	serverName      = "opencollective"
	serverVersion   = "0.1.0"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// ProcessRequest routes a JSON-RPC request to the appropriate handler.
// Called by the transport middleware.
func (h *Handler) ProcessRequest(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req), nil
	case "initialized", "notifications/initialized":
		return nil, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return h.handleToolsList(ctx)
	case "tools/call":
		return h.handleToolCall(ctx, req)
	default:
		return nil, jsonrpc.NewError(MethodNotFound, "Method not found")
	}
}

func (h *Handler) handleInitialize(req *jsonrpc.Request) *InitializeResult {
	return &InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    serverName,
			Version: serverVersion,
		},
	}
}

func (h *Handler) handleToolsList(ctx context.Context) (*ToolsListResult, *jsonrpc.Error) {
	return &ToolsListResult{Tools: modules.ListTools()}, nil
}

func (h *Handler) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*ToolCallResult, *jsonrpc.Error) {
	paramsBytes, err := json.Marshal(req.Params)
	if err != nil {
		return nil, jsonrpc.NewError(InvalidParams, "Invalid params")
	}

	var params ToolCallParams
	if err := json.Unmarshal(paramsBytes, &params); err != nil {
		return nil, jsonrpc.NewError(InvalidParams, "Invalid params structure")
	}
	if params.Name == "" {
		return nil, jsonrpc.NewError(InvalidParams, "name is required")
	}
	if params.Arguments == nil {
		params.Arguments = make(map[string]interface{})
	}

	m, _, ok := modules.FindTool(params.Name)
	if !ok {
		return nil, jsonrpc.NewError(InvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	result, err := modules.Run(ctx, m.Name(), params.Name, params.Arguments)
	if err != nil {
		return nil, toolErrorToRPC(middleware.GetRequestID(ctx), params.Name, err)
	}

	// Apply compact format unless format=json is explicitly requested
	if !result.IsError {
		if f, _ := params.Arguments["format"].(string); f != "json" {
			result.Content[0].Text = modules.ApplyCompact(m.Name(), params.Name, result.Content[0].Text)
		}
	}

	return result, nil
}

// toolErrorToRPC maps a modules.CodedError to its JSON-RPC error code.
func toolErrorToRPC(requestID, tool string, err error) *jsonrpc.Error {
	var coded modules.CodedError
	if !errors.As(err, &coded) {
		return jsonrpc.NewError(InternalError, err.Error())
	}
	if coded.RPCCode() == ErrAuthorizationRequired {
		log.Printf("[mcp] %s: authorization required: %v", tool, err)
		observability.LogSecurityEvent(requestID, "authorization_required", map[string]any{
			"tool":  tool,
			"error": err.Error(),
		})
	}
	return jsonrpc.NewError(coded.RPCCode(), coded.Error())
}

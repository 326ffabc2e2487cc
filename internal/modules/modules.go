package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"opencollective/server/internal/middleware"
	"opencollective/server/internal/observability"
)

// =============================================================================
// Registry
// =============================================================================

var (
	registryMu sync.RWMutex
	// registry holds all registered modules
	registry = make(map[string]Module)
)

// RegisterModule adds a module to the registry
func RegisterModule(m Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[m.Name()] = m
}

// GetModule returns a module by name
func GetModule(name string) (Module, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	return m, ok
}

// ListModules returns all registered module names, sorted
func ListModules() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Tool Listing
// =============================================================================

// ListTools returns every registered tool with its description resolved to
// DefaultLanguage, in module then definition order.
func ListTools() []Tool {
	var out []Tool
	for _, name := range ListModules() {
		m, ok := GetModule(name)
		if !ok {
			continue
		}
		for _, t := range m.Tools() {
			out = append(out, localize(t))
		}
	}
	if out == nil {
		out = []Tool{}
	}
	return out
}

func localize(t Tool) Tool {
	if d, ok := t.Descriptions[DefaultLanguage]; ok && d != "" {
		t.Description = d
	}
	t.Descriptions = nil // Don't expose all languages to client
	return t
}

// FindTool returns the module that owns toolName. Tool names are unique
// across modules.
func FindTool(toolName string) (Module, Tool, bool) {
	for _, name := range ListModules() {
		m, ok := GetModule(name)
		if !ok {
			continue
		}
		if t, found := findTool(m.Tools(), toolName); found {
			return m, t, true
		}
	}
	return nil, Tool{}, false
}

// =============================================================================
// Tool Execution
// =============================================================================

// toolTimeout is the maximum duration for a single tool execution.
const toolTimeout = 30 * time.Second

// Call executes a tool by its bare name.
func Call(ctx context.Context, toolName string, params map[string]any) (*ToolCallResult, error) {
	m, _, ok := FindTool(toolName)
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown tool: %s", toolName)), nil
	}
	return Run(ctx, m.Name(), toolName, params)
}

// Run executes a single tool in a module.
// Tool failures become isError results; only CodedError values are returned
// as errors.
func Run(ctx context.Context, moduleName, toolName string, params map[string]any) (*ToolCallResult, error) {
	start := time.Now()

	m, ok := GetModule(moduleName)
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown module: %s", moduleName)), nil
	}

	// Validate params against tool's InputSchema
	if tool, found := findTool(m.Tools(), toolName); found {
		validated, err := ValidateParams(tool.InputSchema, params)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		params = validated
	}

	// Apply timeout to prevent external API calls from hanging indefinitely
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	result, err := m.ExecuteTool(ctx, toolName, params)
	durationMs := time.Since(start).Milliseconds()
	requestID := middleware.GetRequestID(ctx)

	if err != nil {
		errMsg := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("Request to %s timed out after %s. The external service did not respond in time.", moduleName, toolTimeout)
		}
		observability.LogToolCall(requestID, moduleName, toolName, durationMs, "error", errMsg)

		var coded CodedError
		if errors.As(err, &coded) {
			return nil, coded
		}
		return ErrorResult(errMsg), nil
	}

	observability.LogToolCall(requestID, moduleName, toolName, durationMs, "success", "")
	return TextResult(result), nil
}

// ApplyCompact converts a JSON result to compact format (Markdown) for a given module and tool.
// Returns the original JSON if the module has no CompactConverter.
func ApplyCompact(moduleName, toolName, jsonResult string) string {
	m, ok := GetModule(moduleName)
	if !ok {
		return jsonResult
	}
	if converter, ok := m.(CompactConverter); ok {
		return converter.ToCompact(toolName, jsonResult)
	}
	return jsonResult
}

// TextResult wraps text in a successful tool result.
func TextResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult wraps a message in an isError tool result.
func ErrorResult(msg string) *ToolCallResult {
	return &ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: msg}},
		IsError: true,
	}
}

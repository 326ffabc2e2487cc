package modules

import "context"

// =============================================================================
// Localization
// =============================================================================

// LocalizedText holds multilingual text.
// key: BCP47 language code (en-US)
type LocalizedText map[string]string

// DefaultLanguage is the language exposed to MCP clients.
const DefaultLanguage = "en-US"

// =============================================================================
// Module Interface
// =============================================================================

// Module defines the interface that all modules must implement.
// Each module provides Tools (the only MCP primitive this server exposes).
type Module interface {
	// Metadata
	Name() string
	Description() string         // English description (for MCP schema)
	Descriptions() LocalizedText // Multilingual descriptions
	APIVersion() string

	// Tools - LLM executes, has side effects
	Tools() []Tool
	ExecuteTool(ctx context.Context, name string, params map[string]any) (string, error)
}

// CompactConverter provides optional compact format conversion (Markdown).
// Modules that implement this can convert their JSON output to token-efficient formats.
type CompactConverter interface {
	// ToCompact converts a JSON result to Markdown.
	// toolName selects the format for each tool.
	ToCompact(toolName string, jsonResult string) string
}

// CodedError is a tool failure that surfaces as a JSON-RPC error instead of
// an isError tool result (e.g. the server has no usable token).
type CodedError interface {
	error
	RPCCode() int
}

// =============================================================================
// Tool Definition
// =============================================================================

// ToolAnnotations describes the tool's behavior hints per MCP spec (2025-11-25).
type ToolAnnotations struct {
	ReadOnlyHint    *bool `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool `json:"openWorldHint,omitempty"`
}

// Helper to create *bool for annotation fields
func boolPtr(v bool) *bool { return &v }

// Pre-built annotation sets. Every tool talks to OpenCollective, so all of
// them are open-world.
var (
	// AnnotateReadOnly: get and list tools
	AnnotateReadOnly = &ToolAnnotations{
		ReadOnlyHint:  boolPtr(true),
		OpenWorldHint: boolPtr(true),
	}
	// AnnotateCreate: create tools (non-idempotent write)
	AnnotateCreate = &ToolAnnotations{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(false),
		IdempotentHint:  boolPtr(false),
		OpenWorldHint:   boolPtr(true),
	}
	// AnnotateUpdate: approve and reject (state transition, idempotent)
	AnnotateUpdate = &ToolAnnotations{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(false),
		IdempotentHint:  boolPtr(true),
		OpenWorldHint:   boolPtr(true),
	}
	// AnnotateDelete: delete tools (destructive, idempotent)
	AnnotateDelete = &ToolAnnotations{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
		IdempotentHint:  boolPtr(true),
		OpenWorldHint:   boolPtr(true),
	}
)

// Tool represents an MCP tool definition
type Tool struct {
	ID           string           `json:"id,omitempty"`            // Stable ID (e.g., "opencollective:get_expenses")
	Name         string           `json:"name"`                    // Display name / execution key
	Description  string           `json:"description"`             // Runtime description (after language selection)
	Descriptions LocalizedText    `json:"descriptions,omitempty"`  // Multilingual descriptions (for export)
	InputSchema  InputSchema      `json:"inputSchema"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
}

// InputSchema defines the input parameters for a tool
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single property in the input schema.
// Properties and Required describe the fields of "object" items.
type Property struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

// =============================================================================
// Result Types
// =============================================================================

// ToolCallResult represents the result of a tool call
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock represents a content block in the result
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

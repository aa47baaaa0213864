// internal/tools/tools.go
package tools

import (
	"context"
	"encoding/json"
)

// Tool describes one registered tool by its name/arguments contract. The
// implementations themselves live with the agent engine, not here.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// LLMTool is the provider-facing projection of a Tool.
type LLMTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolResult is the uniform outcome of a tool execution. Tool-reported
// failures come back as IsError/UserCancelled, not as Go errors; a non-nil
// error from Execute means the dispatch itself broke.
type ToolResult struct {
	Content       string
	IsError       bool
	ErrorMessage  string
	UserCancelled bool
}

// Dispatcher is the tool-dispatch boundary. The session interceptor
// implements it as a transparent decorator over the real dispatcher.
type Dispatcher interface {
	GetTools() []Tool
	GetTool(name string) (Tool, bool)
	GetLLMTools() []LLMTool
	Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

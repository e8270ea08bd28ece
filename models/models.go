package models

import (
	"encoding/json"
	"errors"
)

// ErrTimeout is returned when a query exceeds its turn or wall-clock budget.
var ErrTimeout = errors.New("query budget exceeded")

// Role selects which routed model a chat call should use.
type Role string

const (
	// RoleReasoning handles tool-calling turns.
	RoleReasoning Role = "reasoning"
	// RoleFormatting handles the final citation-formatting pass.
	RoleFormatting Role = "formatting"
)

// Message is one turn in a conversation, including tool results fed back to
// the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ChatRequest is one chat turn: the accumulated messages plus the tools the
// model may call.
type ChatRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDef
}

// ChatResponse is the model's reply: either content, tool calls, or both.
type ChatResponse struct {
	Content          string
	ToolCalls        []ToolCall
	PromptTokens     int
	CompletionTokens int
}

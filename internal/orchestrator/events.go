package orchestrator

import (
	"github.com/askbridge/askbridge/internal/citation"
)

// Event types streamed to clients while a query runs.
const (
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventContent           = "content"
	EventFinalResponse     = "final_response"
	EventConversationSaved = "conversation_saved"
	EventComplete          = "complete"
	EventError             = "error"
)

// Event is one item on a query's event stream. Only the fields relevant to
// the event type are set.
type Event struct {
	Type string `json:"type"`

	// tool_call / tool_result
	ToolName  string                 `json:"tool_name,omitempty"`
	SourceID  string                 `json:"source_id,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    *ToolResult            `json:"result,omitempty"`

	// content / final_response / error
	Content string              `json:"content,omitempty"`
	Sources []citation.Citation `json:"sources,omitempty"`
	Error   string              `json:"error,omitempty"`

	// conversation_saved
	ConversationID string `json:"conversation_id,omitempty"`

	// complete
	Timing *Timing `json:"timing,omitempty"`
}

// ToolResult is the result object on a tool_result event.
type ToolResult struct {
	Output     string          `json:"output,omitempty"`
	Truncation *TruncationInfo `json:"truncation_info,omitempty"`
}

// Timing summarizes a finished query on the complete event.
type Timing struct {
	Turns     int   `json:"turns"`
	ToolCalls int   `json:"tool_calls"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// TruncationInfo tells the client a tool result was cut before being fed to
// the model.
type TruncationInfo struct {
	OriginalBytes int `json:"original_bytes"`
	KeptBytes     int `json:"kept_bytes"`
}

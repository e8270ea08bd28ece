package bridge

import (
	"encoding/json"
	"errors"
	"time"
)

// DiscoveryToolName is the pseudo-tool an agent executes to enumerate the
// tools behind one of its capabilities.
const DiscoveryToolName = "__discovery__"

// TaskState tracks the lifecycle of a bridge task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskDispatched TaskState = "dispatched"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskExpired    TaskState = "expired"
)

// Task is one unit of work queued for an agent serving a capability.
type Task struct {
	ID           string                 `json:"task_id"`
	Capability   string                 `json:"capability"`
	ToolName     string                 `json:"tool_name"`
	Arguments    map[string]interface{} `json:"arguments,omitempty"`
	State        TaskState              `json:"state"`
	CreatedAt    time.Time              `json:"created_at"`
	DispatchedAt time.Time              `json:"dispatched_at,omitempty"`
	Deadline     time.Time              `json:"deadline"`
	AgentID      string                 `json:"agent_id,omitempty"`
}

// Result is what an agent submits back for a dispatched task. State is the
// terminal TaskState, stamped by the broker when the result is delivered.
type Result struct {
	TaskID  string          `json:"task_id"`
	State   TaskState       `json:"state,omitempty"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Registration is the ephemeral record of a live agent. It is held in memory
// only; agents re-register after a server restart.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"last_seen"`
}

var (
	// ErrUnavailable means no live agent serves the requested capability.
	// It is retryable: callers back off and retry before surfacing it.
	ErrUnavailable = errors.New("bridge: no agent available for capability")

	// ErrTaskExpired means a task hit its deadline before an agent finished it.
	ErrTaskExpired = errors.New("bridge: task expired")

	// ErrUnknownAgent means a poll arrived for an agent id the broker does not
	// know. The agent treats this as a cue to re-register.
	ErrUnknownAgent = errors.New("bridge: unknown agent")

	// ErrUnknownTask means a result arrived for a task the broker is not tracking.
	ErrUnknownTask = errors.New("bridge: unknown task")

	// ErrQueueFull means the broker's pending queue hit its capacity limit.
	ErrQueueFull = errors.New("bridge: task queue full")
)

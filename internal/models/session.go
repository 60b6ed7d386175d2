package models

import "time"

// SessionStatus represents the lifecycle state of a sandbox session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is one of the three final states.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// FailureKind classifies why a session failed. Stored as a prefix of the
// session's LastError so callers can branch on it without a second column.
type FailureKind string

const (
	FailureProvisioning    FailureKind = "provisioning_failure"
	FailureServerStartup   FailureKind = "server_startup_timeout"
	FailureAuthConfig      FailureKind = "auth_config_failure"
	FailureSessionCreation FailureKind = "session_creation_failure"
	FailurePromptDispatch  FailureKind = "prompt_dispatch_failure"
	FailurePollTransport   FailureKind = "poll_transport_failure"
	FailureAgentReported   FailureKind = "agent_reported_error"
	FailureTimeout         FailureKind = "timeout"
)

// Session represents one agent run inside an ephemeral sandbox.
type Session struct {
	ID              string
	Scope           string
	Status          SessionStatus
	SandboxID       string
	SandboxEndpoint string
	RemoteSessionID string
	Config          string // JSON blob, opaque to the store
	Output          string // JSON SessionOutput, set when terminal
	LastError       string
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// SessionOutput is the structured result captured when a session completes.
type SessionOutput struct {
	Response     string       `json:"response"`
	Thinking     []string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Todos        []TodoItem   `json:"todos,omitempty"`
	ChangedFiles []string     `json:"changed_files,omitempty"`
	Timings      *StepTimings `json:"timings,omitempty"`
}

// ToolCall is one structured tool invocation recorded for audit.
type ToolCall struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Args   string `json:"args,omitempty"`
	Result string `json:"result,omitempty"` // truncated
}

// TodoItem is one entry of the agent's todo list at completion.
type TodoItem struct {
	Text   string `json:"text"`
	Status string `json:"status"`
}

// StepTimings records per-step spawn latency. Threaded through explicitly
// so concurrent sessions never share accumulators.
type StepTimings struct {
	AcquireMs    int64 `json:"acquire_ms"`
	RestoreMs    int64 `json:"restore_ms,omitempty"`
	StartupMs    int64 `json:"startup_ms"`
	AuthMs       int64 `json:"auth_ms"`
	DispatchMs   int64 `json:"dispatch_ms"`
	TotalMs      int64 `json:"total_ms"`
	FromWarmPool bool  `json:"from_warm_pool"`
}

// LogEntry is one operational log line for a session, append-only.
type LogEntry struct {
	ID        int64
	SessionID string
	Message   string
	CreatedAt time.Time
}

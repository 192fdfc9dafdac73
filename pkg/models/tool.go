package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrChecksumMismatch indicates a persisted record failed its integrity check.
var ErrChecksumMismatch = errors.New("record checksum mismatch")

// RiskLevel classifies how dangerous a tool's side effects are.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ToolDescriptor is the immutable catalog entry for one tool version.
// Exactly one version per name is enabled at any moment; tool calls reference
// the name only.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"` // semver
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	// OutputSchema is advisory; outputs are not validated on the hot path.
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`
	Category         string          `json:"category,omitempty"`
	Risk             RiskLevel       `json:"risk"`
	Idempotent       bool            `json:"idempotent"`
	AllowByDefault   bool            `json:"allow_by_default"`
	ConcurrencyClass string          `json:"concurrency_class,omitempty"`
}

// InvocationOutcome is the terminal state of a tool invocation.
// It is set exactly once.
type InvocationOutcome string

const (
	OutcomeOK      InvocationOutcome = "ok"
	OutcomeBlocked InvocationOutcome = "blocked"
	OutcomeTimeout InvocationOutcome = "timeout"
	OutcomeError   InvocationOutcome = "error"
)

// ToolInvocation records one tool execution for observability and recovery.
// Records are append-only; FinishedAt is zero while the call is in flight.
type ToolInvocation struct {
	CorrelationID string            `json:"correlation_id"`
	ToolName      string            `json:"tool_name"`
	ToolVersion   string            `json:"tool_version,omitempty"`
	ToolCallID    string            `json:"tool_call_id"`
	UserID        string            `json:"user_id"`
	Input         json.RawMessage   `json:"input,omitempty"`
	Outcome       InvocationOutcome `json:"outcome,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`
}

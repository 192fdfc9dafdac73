package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies a messaging transport.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
)

// Role identifies the producer of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ResultKind names the outcome class of a tool result so the model (and the
// invocation log) can distinguish real output from synthesized failures.
type ResultKind string

const (
	ResultOK          ResultKind = "ok"
	ResultValidation  ResultKind = "validation"
	ResultUnknownTool ResultKind = "unknown-tool"
	ResultBlocked     ResultKind = "blocked"
	ResultTimeout     ResultKind = "timeout"
	ResultError       ResultKind = "error"
	ResultCancelled   ResultKind = "cancelled"
)

// Turn is one append-only unit of conversation. A user Turn carries text,
// an assistant Turn carries text and/or tool calls, and a tool Turn carries
// the results correlated to the preceding assistant Turn's tool calls.
type Turn struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall is an assistant's request to execute a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult supplies the outcome of a previously requested tool call.
type ToolResult struct {
	ToolCallID string     `json:"tool_call_id"`
	Content    string     `json:"content"`
	Kind       ResultKind `json:"kind,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// Clone returns a deep copy of the Turn.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	clone := *t
	if len(t.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(t.ToolCalls))
		for i, tc := range t.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Input != nil {
				clone.ToolCalls[i].Input = append(json.RawMessage(nil), tc.Input...)
			}
		}
	}
	if len(t.ToolResults) > 0 {
		clone.ToolResults = append([]ToolResult(nil), t.ToolResults...)
	}
	return &clone
}

package models

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEnd     StopReason = "end"
	StopToolUse StopReason = "tool_use"
	StopLength  StopReason = "length"
	StopError   StopReason = "error"
)

// CompletionMessage is one conversation message in provider-neutral form.
// The Turn history is projected into these before a provider call.
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// CompletionRequest carries everything a provider needs for one generation.
type CompletionRequest struct {
	// Provider pins a specific provider, skipping router selection.
	Provider string `json:"provider,omitempty"`
	// Model pins a specific model within the selected provider.
	Model       string              `json:"model,omitempty"`
	System      string              `json:"system,omitempty"`
	Messages    []CompletionMessage `json:"messages"`
	Tools       []ToolDescriptor    `json:"tools,omitempty"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`

	// QualityFloor excludes providers whose quality tier is below it (0-10).
	QualityFloor int `json:"quality_floor,omitempty"`
	// CostCeilingUSD excludes providers whose estimated cost exceeds it.
	CostCeilingUSD float64 `json:"cost_ceiling_usd,omitempty"`
	// SkipCache bypasses the response cache for this request.
	SkipCache bool `json:"skip_cache,omitempty"`
}

// CompletionResponse is a fully reassembled provider reply. Streaming
// deltas are joined inside the provider so the cache maps one fingerprint
// to one payload.
type CompletionResponse struct {
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	StopReason   StopReason `json:"stop_reason"`
	InputTokens  int        `json:"input_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
	CostUSD      float64    `json:"cost_usd,omitempty"`
}

// Package routing selects a provider and model per request: task
// classification, ranked selection under quality and cost constraints, cache
// consultation, and fallback on provider failure.
package routing

import (
	"regexp"
	"strings"

	"github.com/stratumlabs/stratum/pkg/models"
)

// Task is the classified workload of one request.
type Task string

const (
	TaskTrivial      Task = "trivial"
	TaskChat         Task = "chat"
	TaskCode         Task = "code"
	TaskReasoning    Task = "reasoning"
	TaskToolUse      Task = "tool-use"
	TaskLargeContext Task = "large-context"
)

var (
	codeRegex    = regexp.MustCompile(`(?i)\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE|compile|debug|stack trace)\b`)
	reasonRegex  = regexp.MustCompile(`(?i)\b(analyze|reason|think through|derive|prove|why|tradeoff|step by step|compare)\b`)
	trivialRegex = regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|yes|no|ping)\b`)
	markdownCode = regexp.MustCompile("```")
)

// largeContextChars approximates the history size beyond which long-context
// models are preferred.
const largeContextChars = 48_000

// Classify tags a request with its task using simple content heuristics.
// Tool-bearing requests always classify as tool-use so selection is
// restricted to tool-capable providers.
func Classify(req *models.CompletionRequest) Task {
	if len(req.Tools) > 0 {
		return TaskToolUse
	}

	total := len(req.System)
	for _, msg := range req.Messages {
		total += len(msg.Content)
	}
	if total > largeContextChars {
		return TaskLargeContext
	}

	content := strings.TrimSpace(lastUserContent(req))
	if content == "" {
		return TaskChat
	}
	switch {
	case markdownCode.MatchString(content) || codeRegex.MatchString(content):
		return TaskCode
	case reasonRegex.MatchString(content):
		return TaskReasoning
	case trivialRegex.MatchString(content) && len(content) < 40:
		return TaskTrivial
	default:
		return TaskChat
	}
}

func lastUserContent(req *models.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" && req.Messages[i].Content != "" {
			return req.Messages[i].Content
		}
	}
	return ""
}

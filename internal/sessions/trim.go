package sessions

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/stratumlabs/stratum/pkg/models"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// countTokens estimates the token count of a text. The cl100k_base encoding
// is close enough for every model we route to; when it cannot be loaded the
// fallback is the usual four-characters-per-token estimate.
func countTokens(text string) int {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

func turnTokens(t *models.Turn) int {
	n := countTokens(t.Content)
	for _, tc := range t.ToolCalls {
		n += countTokens(tc.Name) + countTokens(string(tc.Input))
	}
	for _, tr := range t.ToolResults {
		n += countTokens(tr.Content)
	}
	return n
}

// trimTurns returns the most recent turns that fit the turn cap and token
// budget, never splitting a tool call from its result: the window only starts
// on a turn that does not begin with an unpaired tool result.
func trimTurns(turns []models.Turn, maxTurns, tokenBudget int) []models.Turn {
	if len(turns) == 0 {
		return turns
	}

	start := 0
	if maxTurns > 0 && len(turns) > maxTurns {
		start = len(turns) - maxTurns
	}

	if tokenBudget > 0 {
		total := 0
		for i := len(turns) - 1; i >= start; i-- {
			total += turnTokens(&turns[i])
			if total > tokenBudget {
				start = i + 1
				break
			}
		}
	}

	// Do not open the window on a dangling tool result.
	for start > 0 && start < len(turns) && beginsWithResult(&turns[start]) {
		start++
	}
	if start >= len(turns) {
		// Keep at least the final turn.
		start = len(turns) - 1
	}
	return turns[start:]
}

func beginsWithResult(t *models.Turn) bool {
	return t.Role == models.RoleTool && len(t.ToolResults) > 0
}

package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/stratumlabs/stratum/pkg/models"
)

// RepairReport summarizes what repairTranscript changed.
type RepairReport struct {
	// Synthesized lists the tool call ids that received a synthetic timeout
	// result.
	Synthesized []string
	// DroppedOrphans counts tool results that matched no tool call.
	DroppedOrphans int
}

// repairTranscript restores the tool-call pairing invariant after a crash or
// partial write: every tool call must have exactly one result. Unresolved
// calls get a synthetic timeout result; orphan results are dropped.
func repairTranscript(s *models.Session) RepairReport {
	var report RepairReport

	calls := make(map[string]bool)
	resolved := make(map[string]bool)
	for _, turn := range s.Turns {
		for _, tc := range turn.ToolCalls {
			calls[tc.ID] = true
		}
		for _, tr := range turn.ToolResults {
			resolved[tr.ToolCallID] = true
		}
	}

	// Drop results that match no call.
	for i := range s.Turns {
		turn := &s.Turns[i]
		if len(turn.ToolResults) == 0 {
			continue
		}
		kept := turn.ToolResults[:0]
		for _, tr := range turn.ToolResults {
			if calls[tr.ToolCallID] {
				kept = append(kept, tr)
			} else {
				report.DroppedOrphans++
			}
		}
		turn.ToolResults = kept
	}

	// Synthesize timeout results for unresolved calls, in transcript order.
	var synthetic []models.ToolResult
	for _, turn := range s.Turns {
		for _, tc := range turn.ToolCalls {
			if resolved[tc.ID] {
				continue
			}
			resolved[tc.ID] = true
			report.Synthesized = append(report.Synthesized, tc.ID)
			synthetic = append(synthetic, models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool execution was interrupted and timed out",
				Kind:       models.ResultTimeout,
				IsError:    true,
			})
		}
	}
	if len(synthetic) > 0 {
		s.Turns = append(s.Turns, models.Turn{
			ID:          uuid.NewString(),
			Role:        models.RoleTool,
			ToolResults: synthetic,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return report
}

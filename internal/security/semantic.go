package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratumlabs/stratum/pkg/models"
)

// Completer is the minimal LLM surface the semantic vetter needs. The router
// satisfies it.
type Completer interface {
	Generate(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

const vetterSystemPrompt = `You are a security reviewer for an automated agent.
Given a tool call, answer with exactly one word on the first line: low, medium, or high,
describing the risk of executing it. Follow with a one-sentence rationale on the second line.`

// SemanticVetter asks a small model for a risk verdict on a tool call. A
// "high" verdict blocks. A vetting failure also blocks; the pipeline is fail
// closed.
type SemanticVetter struct {
	completer Completer
	provider  string
	model     string
}

func NewSemanticVetter(completer Completer, provider, model string) *SemanticVetter {
	return &SemanticVetter{completer: completer, provider: provider, model: model}
}

func (v *SemanticVetter) Name() string { return "semantic_vetter" }

func (v *SemanticVetter) Check(ctx context.Context, req *ToolRequest) error {
	prompt := fmt.Sprintf("Tool: %s\nDescription: %s\nDeclared risk: %s\nInput: %s",
		req.Call.Name, req.Descriptor.Description, req.Descriptor.Risk, string(req.Call.Input))

	resp, err := v.completer.Generate(ctx, &models.CompletionRequest{
		Provider:  v.provider,
		Model:     v.model,
		System:    vetterSystemPrompt,
		MaxTokens: 100,
		SkipCache: true,
		Messages: []models.CompletionMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("risk verdict unavailable: %w", err)
	}

	verdict, rationale := parseVerdict(resp.Content)
	if verdict == "high" {
		reason := "high risk verdict"
		if rationale != "" {
			reason += ": " + rationale
		}
		return &BlockError{Filter: v.Name(), Reason: reason}
	}
	if verdict == "" {
		return fmt.Errorf("unparseable verdict %q", resp.Content)
	}
	return nil
}

func parseVerdict(content string) (verdict, rationale string) {
	lines := strings.SplitN(strings.TrimSpace(content), "\n", 2)
	first := strings.ToLower(strings.TrimSpace(strings.Trim(lines[0], ".:!")))
	switch first {
	case "low", "medium", "high":
		verdict = first
	}
	if len(lines) > 1 {
		rationale = strings.TrimSpace(lines[1])
	}
	return verdict, rationale
}

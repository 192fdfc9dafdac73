package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stratumlabs/stratum/pkg/models"
)

// Fingerprint derives a stable cache key from a completion request. Two
// semantically identical requests must produce identical fingerprints, so the
// canonical form excludes every non-deterministic field: turn ids, tool call
// ids, and timestamps. Message order is preserved, role tokens are
// lowercased, and generation options that change the output (model,
// temperature, max tokens, system prompt) are included.
func Fingerprint(req *models.CompletionRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "model=%s\n", strings.ToLower(req.Model))
	fmt.Fprintf(&b, "provider=%s\n", strings.ToLower(req.Provider))
	fmt.Fprintf(&b, "system=%s\n", req.System)
	fmt.Fprintf(&b, "temperature=%g\n", req.Temperature)
	fmt.Fprintf(&b, "max_tokens=%d\n", req.MaxTokens)

	for _, msg := range req.Messages {
		fmt.Fprintf(&b, "role=%s\n", strings.ToLower(msg.Role))
		if msg.Content != "" {
			fmt.Fprintf(&b, "content=%s\n", msg.Content)
		}
		// Tool call ids are generated per request; only name and input are
		// semantic.
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "tool_call=%s:%s\n", tc.Name, string(tc.Input))
		}
		for _, tr := range msg.ToolResults {
			fmt.Fprintf(&b, "tool_result=%s:%v\n", tr.Content, tr.IsError)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

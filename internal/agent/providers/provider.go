// Package providers wraps each inference backend behind a uniform blocking
// generate interface for the router.
package providers

import (
	"context"

	"github.com/stratumlabs/stratum/pkg/models"
)

// Provider is one inference backend. Generate blocks until the full response
// is assembled; streaming backends reassemble internally.
type Provider interface {
	// Name is the stable identifier used in config and routing.
	Name() string
	// Generate performs one completion. Errors are *ProviderError.
	Generate(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
	// SupportsTools reports whether the backend handles native tool calls.
	SupportsTools() bool
	// Models lists the model ids the backend is known to serve.
	Models() []string
	// CostEstimate returns the approximate USD cost for a request of the
	// given input and output token counts on the named model.
	CostEstimate(model string, inputTokens, outputTokens int) float64
}

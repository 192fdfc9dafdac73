// Package security implements the ordered filter pipeline that every user
// message and tool call passes before reaching a model or an executor.
package security

import (
	"context"
	"fmt"

	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/pkg/models"
)

// BlockError reports which filter blocked a request and why. The pipeline is
// fail-closed: filter errors are wrapped in a BlockError too.
type BlockError struct {
	Filter string
	Reason string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("blocked by %s: %s", e.Filter, e.Reason)
}

// ToolRequest is the unit the tool filters inspect.
type ToolRequest struct {
	UserID     string
	Call       *models.ToolCall
	Descriptor *models.ToolDescriptor
}

// ToolFilter vets a single tool call. A nil return passes; a *BlockError
// blocks; any other error also blocks.
type ToolFilter interface {
	Name() string
	Check(ctx context.Context, req *ToolRequest) error
}

// Pipeline runs the sanitizer over inbound text and the ordered tool filters
// over each tool call, short-circuiting on the first block.
type Pipeline struct {
	sanitizer *Sanitizer
	filters   []ToolFilter
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewPipeline assembles the pipeline in filter order: tool gate, pattern
// vetter, then the optional semantic vetter.
func NewPipeline(sanitizer *Sanitizer, filters []ToolFilter, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Pipeline{
		sanitizer: sanitizer,
		filters:   filters,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckMessage vets raw user text before it enters a session.
func (p *Pipeline) CheckMessage(ctx context.Context, text string) error {
	if p.sanitizer == nil {
		return nil
	}
	if err := p.sanitizer.Scan(text); err != nil {
		return p.block(ctx, p.sanitizer.Name(), err)
	}
	return nil
}

// CheckToolCall vets a tool call against every filter in order.
func (p *Pipeline) CheckToolCall(ctx context.Context, req *ToolRequest) error {
	for _, f := range p.filters {
		if err := f.Check(ctx, req); err != nil {
			return p.block(ctx, f.Name(), err)
		}
	}
	return nil
}

func (p *Pipeline) block(ctx context.Context, filter string, err error) error {
	if p.metrics != nil {
		p.metrics.SecurityBlocks.WithLabelValues(filter).Inc()
	}
	if be, ok := err.(*BlockError); ok {
		p.logger.Warn(ctx, "security block", "filter", be.Filter, "reason", be.Reason)
		return be
	}
	// Filter failure: fail closed.
	p.logger.Warn(ctx, "security filter error, blocking", "filter", filter, "error", err)
	return &BlockError{Filter: filter, Reason: "filter error: " + err.Error()}
}

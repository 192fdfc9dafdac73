// Package agent orchestrates the bounded model/tool iteration cycle for one
// user turn.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/internal/security"
	"github.com/stratumlabs/stratum/internal/sessions"
	"github.com/stratumlabs/stratum/internal/tools"
	"github.com/stratumlabs/stratum/pkg/models"
)

// Executor runs the tool calls of one assistant turn: security vetting,
// guarded execution, and invocation logging.
type Executor struct {
	registry *tools.Registry
	pipeline *security.Pipeline
	guard    *security.Guard
	manager  *sessions.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics
}

func NewExecutor(registry *tools.Registry, pipeline *security.Pipeline, guard *security.Guard, manager *sessions.Manager, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Executor{
		registry: registry,
		pipeline: pipeline,
		guard:    guard,
		manager:  manager,
		logger:   logger,
		metrics:  metrics,
	}
}

// ExecuteAll runs every tool call and returns one result per call, in input
// order. Calls run in parallel only when all are idempotent with pairwise
// distinct concurrency classes; otherwise they run sequentially.
func (e *Executor) ExecuteAll(ctx context.Context, userID string, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	if e.canParallelize(calls) {
		var wg sync.WaitGroup
		for i := range calls {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.executeOne(ctx, userID, &calls[i])
			}(i)
		}
		wg.Wait()
		return results
	}

	for i := range calls {
		results[i] = e.executeOne(ctx, userID, &calls[i])
		if ctx.Err() != nil {
			// Mark the rest cancelled without running them.
			for j := i + 1; j < len(calls); j++ {
				results[j] = models.ToolResult{
					ToolCallID: calls[j].ID,
					Content:    "tool execution cancelled",
					Kind:       models.ResultCancelled,
					IsError:    true,
				}
			}
			break
		}
	}
	return results
}

// canParallelize requires every call idempotent and every concurrency class
// distinct and known.
func (e *Executor) canParallelize(calls []models.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	classes := make(map[string]struct{}, len(calls))
	for i := range calls {
		desc, ok := e.registry.Resolve(calls[i].Name)
		if !ok || !desc.Idempotent || desc.ConcurrencyClass == "" {
			return false
		}
		if _, dup := classes[desc.ConcurrencyClass]; dup {
			return false
		}
		classes[desc.ConcurrencyClass] = struct{}{}
	}
	return true
}

func (e *Executor) executeOne(ctx context.Context, userID string, call *models.ToolCall) models.ToolResult {
	started := time.Now()

	desc, ok := e.registry.Resolve(call.Name)
	if !ok {
		res := models.ToolResult{
			ToolCallID: call.ID,
			Content:    "unknown tool: " + call.Name,
			Kind:       models.ResultUnknownTool,
			IsError:    true,
		}
		e.record(ctx, userID, call, "", models.OutcomeError, res.Content, started)
		return res
	}

	if e.pipeline != nil {
		err := e.pipeline.CheckToolCall(ctx, &security.ToolRequest{
			UserID:     userID,
			Call:       call,
			Descriptor: desc,
		})
		if err != nil {
			res := models.ToolResult{
				ToolCallID: call.ID,
				Content:    err.Error(),
				Kind:       models.ResultBlocked,
				IsError:    true,
			}
			e.record(ctx, userID, call, desc.Version, models.OutcomeBlocked, err.Error(), started)
			e.observe(call.Name, "blocked", started)
			return res
		}
	}

	release, err := e.guard.Acquire(ctx, userID)
	if err != nil {
		res := models.ToolResult{
			ToolCallID: call.ID,
			Content:    "tool execution cancelled",
			Kind:       models.ResultCancelled,
			IsError:    true,
		}
		e.record(ctx, userID, call, desc.Version, models.OutcomeError, "guard: "+err.Error(), started)
		return res
	}
	defer release()

	output, execErr := e.run(ctx, call)
	if execErr != nil && desc.Idempotent && retryableToolError(execErr) && ctx.Err() == nil {
		output, execErr = e.run(ctx, call)
	}

	if execErr != nil {
		kind := models.ResultError
		outcome := models.OutcomeError
		var te *tools.ToolError
		if errors.As(execErr, &te) {
			kind = te.Kind
			if kind == models.ResultTimeout {
				outcome = models.OutcomeTimeout
			}
		}
		res := models.ToolResult{
			ToolCallID: call.ID,
			Content:    execErr.Error(),
			Kind:       kind,
			IsError:    true,
		}
		e.record(ctx, userID, call, desc.Version, outcome, execErr.Error(), started)
		e.observe(call.Name, string(kind), started)
		return res
	}

	e.record(ctx, userID, call, desc.Version, models.OutcomeOK, "", started)
	e.observe(call.Name, "ok", started)
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    output,
		Kind:       models.ResultOK,
	}
}

// run applies the per-tool timeout around one registry execution.
func (e *Executor) run(ctx context.Context, call *models.ToolCall) (string, error) {
	tctx, cancel := e.guard.WithTimeout(ctx)
	defer cancel()
	return e.registry.Execute(tctx, call)
}

// retryableToolError limits the single retry to transport-style failures.
// Validation, unknown-tool, and timeout errors never retry.
func retryableToolError(err error) bool {
	var te *tools.ToolError
	if errors.As(err, &te) {
		return te.Kind == models.ResultError
	}
	return false
}

func (e *Executor) record(ctx context.Context, userID string, call *models.ToolCall, version string, outcome models.InvocationOutcome, reason string, started time.Time) {
	if e.manager == nil {
		return
	}
	e.manager.RecordInvocation(ctx, &models.ToolInvocation{
		CorrelationID: uuid.NewString(),
		ToolName:      call.Name,
		ToolVersion:   version,
		ToolCallID:    call.ID,
		UserID:        userID,
		Input:         call.Input,
		Outcome:       outcome,
		Reason:        reason,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	})
}

func (e *Executor) observe(tool, outcome string, started time.Time) {
	if e.metrics != nil {
		e.metrics.RecordToolExecution(tool, outcome, time.Since(started).Seconds())
	}
}

package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stratumlabs/stratum/internal/agent/providers"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/internal/sessions"
	"github.com/stratumlabs/stratum/internal/tools"
	"github.com/stratumlabs/stratum/pkg/models"
)

// Generator is the router surface the loop depends on.
type Generator interface {
	Generate(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

// User-visible terminal messages. Raw error text is never echoed.
const (
	apologyUnavailable = "Sorry, I can't reach my language model right now. Please try again in a moment."
	apologyDeadline    = "Sorry, that took too long to process. Please try again."
	noticeCancelled    = "This request was cancelled."
	noticeIterationCap = "I reached my tool iteration limit for this request. Here is what I have so far; please rephrase or break the task into smaller steps."
)

// Loop drives the bounded model/tool cycle for one user turn.
type Loop struct {
	router   Generator
	registry *tools.Registry
	executor *Executor
	manager  *sessions.Manager
	cfg      config.AgentConfig
	logger   *observability.Logger
}

func NewLoop(router Generator, registry *tools.Registry, executor *Executor, manager *sessions.Manager, cfg config.AgentConfig, logger *observability.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Loop{
		router:   router,
		registry: registry,
		executor: executor,
		manager:  manager,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run processes one user message to a final assistant text. It always
// terminates: iterations are capped, the whole run is bounded by the user
// turn deadline, and every terminal path appends an assistant turn so the
// transcript stays self-explanatory.
func (l *Loop) Run(ctx context.Context, h *sessions.Handle, userText string) (string, error) {
	if l.cfg.UserTurnDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.UserTurnDeadline)
		defer cancel()
	}

	if err := l.manager.Append(ctx, h, models.Turn{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   userText,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", err
	}

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		resp, err := l.router.Generate(ctx, l.buildRequest(h))
		if err != nil {
			return l.abort(ctx, h, err), nil
		}

		assistant := models.Turn{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			CreatedAt: time.Now().UTC(),
		}
		if err := l.manager.Append(ctx, h, assistant); err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		results := l.executor.ExecuteAll(ctx, h.UserID, resp.ToolCalls)
		for _, res := range results {
			if err := l.manager.Append(ctx, h, models.Turn{
				ID:          uuid.NewString(),
				Role:        models.RoleTool,
				ToolResults: []models.ToolResult{res},
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				return "", err
			}
		}

		if ctx.Err() != nil {
			return l.abort(ctx, h, ctx.Err()), nil
		}
	}

	// Cap reached: close the transcript with a terminal assistant turn.
	l.appendTerminal(ctx, h, noticeIterationCap)
	return noticeIterationCap, nil
}

// buildRequest assembles the completion request from trimmed history, the
// system prompt, and the advertised tool descriptors.
func (l *Loop) buildRequest(h *sessions.Handle) *models.CompletionRequest {
	history := l.manager.TrimmedHistory(h)
	messages := make([]models.CompletionMessage, 0, len(history))
	for i := range history {
		turn := &history[i]
		messages = append(messages, models.CompletionMessage{
			Role:        string(turn.Role),
			Content:     turn.Content,
			ToolCalls:   turn.ToolCalls,
			ToolResults: turn.ToolResults,
		})
	}
	return &models.CompletionRequest{
		System:      l.cfg.SystemPrompt,
		Messages:    messages,
		Tools:       l.registry.Descriptors(),
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	}
}

// abort maps a terminal failure to a short user-visible message and records
// it as the closing assistant turn.
func (l *Loop) abort(ctx context.Context, h *sessions.Handle, cause error) string {
	var msg string
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		msg = apologyDeadline
	case errors.Is(cause, context.Canceled):
		msg = noticeCancelled
	default:
		msg = apologyUnavailable
	}

	reason := providers.Classify(cause)
	l.logger.Error(ctx, "user turn aborted",
		"user_id", h.UserID, "reason", string(reason), "error", cause)

	l.appendTerminal(ctx, h, msg)
	return msg
}

func (l *Loop) appendTerminal(ctx context.Context, h *sessions.Handle, text string) {
	// The append context may already be done; persist the terminal turn
	// regardless.
	if err := l.manager.Append(context.WithoutCancel(ctx), h, models.Turn{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		l.logger.Error(ctx, "terminal turn append failed", "user_id", h.UserID, "error", err)
	}
}

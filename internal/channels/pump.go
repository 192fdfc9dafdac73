package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/internal/ratelimit"
	"github.com/stratumlabs/stratum/internal/security"
	"github.com/stratumlabs/stratum/internal/sessions"
)

// rate limit route for inbound messages.
const routeMessage = "message"

const (
	replyRateLimited = "You're sending messages too quickly. Please wait %s and try again."
	replyRejected    = "Sorry, I can't process that message."
	replyBusy        = "I'm handling too many requests right now. Please try again shortly."
)

// typingInterval re-signals activity while a run is in flight.
const typingInterval = 4 * time.Second

// Runner is the agent loop surface the pump depends on.
type Runner interface {
	Run(ctx context.Context, h *sessions.Handle, userText string) (string, error)
}

// Pump drives one transport: it admits inbound events through the rate
// limiter and sanitizer, fans out to the agent loop under in-flight caps,
// and emits replies.
type Pump struct {
	adapter  Adapter
	limiter  *ratelimit.Limiter
	pipeline *security.Pipeline
	manager  *sessions.Manager
	runner   Runner
	cfg      config.PumpConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	queue chan *InboundMessage

	mu       sync.Mutex
	inflight map[string]int // per user

	wg         sync.WaitGroup
	cancel     context.CancelFunc // stops ingestion
	cancelRuns context.CancelFunc // aborts in-flight runs once the drain deadline expires
}

func NewPump(adapter Adapter, limiter *ratelimit.Limiter, pipeline *security.Pipeline, manager *sessions.Manager, runner Runner, cfg config.PumpConfig, logger *observability.Logger, metrics *observability.Metrics) *Pump {
	if cfg.MaxInflightPerTransport <= 0 {
		cfg.MaxInflightPerTransport = 32
	}
	if cfg.MaxInflightPerUser <= 0 {
		cfg.MaxInflightPerUser = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Pump{
		adapter:  adapter,
		limiter:  limiter,
		pipeline: pipeline,
		manager:  manager,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan *InboundMessage, cfg.QueueSize),
		inflight: make(map[string]int),
	}
}

// Start connects the adapter and begins processing. Workers equal the
// per-transport in-flight cap. Runs are detached from the accept context so
// that shutdown can drain them instead of aborting them mid-turn.
func (p *Pump) Start(ctx context.Context) error {
	ingestCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelRuns = cancelRuns

	if err := p.adapter.Start(ingestCtx); err != nil {
		cancelRuns()
		return fmt.Errorf("start %s adapter: %w", p.adapter.Type(), err)
	}

	for i := 0; i < p.cfg.MaxInflightPerTransport; i++ {
		p.wg.Add(1)
		go p.worker(runCtx)
	}

	p.wg.Add(1)
	go p.ingest(ingestCtx)
	return nil
}

// Stop drains: ingestion halts immediately, queued and in-flight runs finish
// up to the context deadline, and only past the deadline are runs cancelled.
func (p *Pump) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	err := p.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if p.cancelRuns != nil {
			p.cancelRuns()
		}
		return ctx.Err()
	}
	if p.cancelRuns != nil {
		p.cancelRuns()
	}
	return err
}

// ingest admits events and enqueues them for the workers. Admission gates
// run here so denials are immediate and never mutate a session. Ingest is the
// sole writer to the queue; closing it on exit releases the workers once the
// backlog drains.
func (p *Pump) ingest(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.queue)
	channel := string(p.adapter.Type())

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.adapter.Messages():
			if !ok {
				return
			}
			if msg.FromSelf || msg.Subtype != "" || msg.Text == "" {
				continue
			}
			if p.metrics != nil {
				p.metrics.MessageReceived(channel)
			}

			lctx := observability.WithUserID(observability.WithChannel(ctx, channel), msg.UserID)

			decision := p.limiter.Admit(msg.UserID, routeMessage, 1)
			if !decision.Allowed {
				wait := decision.RetryAfter.Round(time.Second)
				if wait < time.Second {
					wait = time.Second
				}
				p.reply(lctx, msg.ChatID, fmt.Sprintf(replyRateLimited, wait))
				continue
			}

			if err := p.pipeline.CheckMessage(lctx, msg.Text); err != nil {
				p.logger.Warn(lctx, "inbound message rejected", "error", err)
				p.reply(lctx, msg.ChatID, replyRejected)
				continue
			}

			select {
			case p.queue <- msg:
			default:
				p.reply(lctx, msg.ChatID, replyBusy)
			}
		}
	}
}

func (p *Pump) worker(ctx context.Context) {
	defer p.wg.Done()
	for msg := range p.queue {
		p.process(ctx, msg)
	}
}

func (p *Pump) process(ctx context.Context, msg *InboundMessage) {
	if !p.acquireUser(msg.UserID) {
		p.reply(ctx, msg.ChatID, replyBusy)
		return
	}
	defer p.releaseUser(msg.UserID)

	ctx = observability.WithUserID(observability.WithChannel(ctx, string(p.adapter.Type())), msg.UserID)

	h, err := p.manager.Open(ctx, p.sessionKey(msg.UserID), p.adapter.Type())
	if err != nil {
		p.logger.Error(ctx, "session open failed", "error", err)
		p.reply(ctx, msg.ChatID, replyBusy)
		return
	}
	defer p.manager.Close(h)

	stopTyping := p.startTyping(ctx, msg.ChatID)
	reply, err := p.runner.Run(ctx, h, msg.Text)
	stopTyping()
	if err != nil {
		p.logger.Error(ctx, "agent run failed", "error", err)
		return
	}
	if reply != "" {
		p.reply(ctx, msg.ChatID, reply)
	}
}

// sessionKey scopes sessions per transport so the same numeric id on two
// platforms never collides.
func (p *Pump) sessionKey(userID string) string {
	return string(p.adapter.Type()) + ":" + userID
}

func (p *Pump) acquireUser(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[userID] >= p.cfg.MaxInflightPerUser {
		return false
	}
	p.inflight[userID]++
	return true
}

func (p *Pump) releaseUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[userID] <= 1 {
		delete(p.inflight, userID)
	} else {
		p.inflight[userID]--
	}
}

func (p *Pump) reply(ctx context.Context, chatID, text string) {
	for _, chunk := range SplitMessage(text, p.adapter.MaxMessageLen()) {
		if err := p.adapter.Send(ctx, chatID, chunk); err != nil {
			p.logger.Error(ctx, "send failed", "chat_id", chatID, "error", err)
			return
		}
		if p.metrics != nil {
			p.metrics.MessageSent(string(p.adapter.Type()))
		}
	}
}

func (p *Pump) startTyping(ctx context.Context, chatID string) func() {
	tctx, cancel := context.WithCancel(ctx)
	go func() {
		p.adapter.Typing(tctx, chatID)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				p.adapter.Typing(tctx, chatID)
			}
		}
	}()
	return cancel
}

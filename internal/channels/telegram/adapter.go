// Package telegram connects the pump to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/stratumlabs/stratum/internal/channels"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/pkg/models"
)

// Telegram rejects messages over 4096 characters.
const maxMessageLen = 4096

// Telegram allows roughly 30 outbound messages per second per bot.
const sendRatePerSecond = 30

type Adapter struct {
	cfg      config.TelegramConfig
	logger   *observability.Logger
	bot      *bot.Bot
	messages chan *channels.InboundMessage
	limiter  *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAdapter(cfg config.TelegramConfig, logger *observability.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot_token is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan *channels.InboundMessage, 100),
		limiter:  rate.NewLimiter(rate.Limit(sendRatePerSecond), sendRatePerSecond),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }
func (a *Adapter) MaxMessageLen() int       { return maxMessageLen }

func (a *Adapter) Messages() <-chan *channels.InboundMessage { return a.messages }

func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	b, err := bot.New(a.cfg.BotToken, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.messages)
		a.logger.Info(ctx, "telegram adapter started")
		a.bot.Start(ctx)
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}

	inbound := &channels.InboundMessage{
		UserID:   strconv.FormatInt(msg.From.ID, 10),
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		Text:     msg.Text,
		FromSelf: msg.From.IsBot,
	}

	select {
	case a.messages <- inbound:
	case <-ctx.Done():
	default:
		a.logger.Warn(ctx, "telegram inbound queue full, dropping message",
			"chat_id", inbound.ChatID)
	}
}

func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: id,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func (a *Adapter) Typing(ctx context.Context, chatID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	_, _ = a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: id,
		Action: tgmodels.ChatActionTyping,
	})
}

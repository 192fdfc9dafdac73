// Package discord connects the pump to the Discord gateway.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/stratumlabs/stratum/internal/channels"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/pkg/models"
)

// Discord caps message content at 2000 characters.
const maxMessageLen = 2000

// Conservative outbound pace; discordgo also retries on 429 internally.
const sendRatePerSecond = 5

type Adapter struct {
	cfg      config.DiscordConfig
	logger   *observability.Logger
	session  *discordgo.Session
	messages chan *channels.InboundMessage
	limiter  *rate.Limiter

	removeHandler func()
	closeOnce     sync.Once
}

func NewAdapter(cfg config.DiscordConfig, logger *observability.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord: bot_token is required")
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

func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }
func (a *Adapter) MaxMessageLen() int       { return maxMessageLen }

func (a *Adapter) Messages() <-chan *channels.InboundMessage { return a.messages }

func (a *Adapter) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	a.removeHandler = dg.AddHandler(a.handleMessageCreate)
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.session = dg
	a.logger.Info(ctx, "discord adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.removeHandler != nil {
			a.removeHandler()
		}
		if a.session != nil {
			err = a.session.Close()
		}
		close(a.messages)
	})
	return err
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Content == "" {
		return
	}

	fromSelf := m.Author.Bot
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		fromSelf = true
	}

	inbound := &channels.InboundMessage{
		UserID:   m.Author.ID,
		ChatID:   m.ChannelID,
		Text:     m.Content,
		FromSelf: fromSelf,
	}

	select {
	case a.messages <- inbound:
	default:
		a.logger.Warn(context.Background(), "discord inbound queue full, dropping message",
			"chat_id", m.ChannelID)
	}
}

func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.session.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}

func (a *Adapter) Typing(ctx context.Context, chatID string) {
	_ = a.session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}

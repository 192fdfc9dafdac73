// Package slack connects the pump to Slack over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/stratumlabs/stratum/internal/channels"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/pkg/models"
)

// Slack truncates around 4000 characters of message text.
const maxMessageLen = 4000

// chat.postMessage is tier 3, roughly one message per second per channel.
const sendRatePerSecond = 1

type Adapter struct {
	cfg      config.SlackConfig
	logger   *observability.Logger
	client   *slack.Client
	socket   *socketmode.Client
	messages chan *channels.InboundMessage
	limiter  *rate.Limiter

	botUserID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAdapter(cfg config.SlackConfig, logger *observability.Logger) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are required")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack: app_token must be an xapp- token")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		socket:   socketmode.New(client),
		messages: make(chan *channels.InboundMessage, 100),
		limiter:  rate.NewLimiter(rate.Limit(sendRatePerSecond), 4),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelSlack }
func (a *Adapter) MaxMessageLen() int       { return maxMessageLen }

func (a *Adapter) Messages() <-chan *channels.InboundMessage { return a.messages }

func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error(ctx, "slack socket mode stopped", "error", err)
		}
	}()

	a.wg.Add(1)
	go a.handleEvents(ctx)

	a.logger.Info(ctx, "slack adapter started", "bot_user_id", a.botUserID)
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

func (a *Adapter) handleEvents(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.messages)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnectionError:
				a.logger.Warn(ctx, "slack connection error", "data", fmt.Sprint(event.Data))
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if event.Request != nil {
					a.socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.deliver(ctx, &channels.InboundMessage{
			UserID:   ev.User,
			ChatID:   ev.Channel,
			Text:     ev.Text,
			FromSelf: ev.BotID != "" || ev.User == a.botUserID,
			Subtype:  ev.SubType,
		})
	case *slackevents.AppMentionEvent:
		a.deliver(ctx, &channels.InboundMessage{
			UserID:   ev.User,
			ChatID:   ev.Channel,
			Text:     stripMention(ev.Text, a.botUserID),
			FromSelf: ev.User == a.botUserID,
		})
	}
}

func (a *Adapter) deliver(ctx context.Context, msg *channels.InboundMessage) {
	select {
	case a.messages <- msg:
	case <-ctx.Done():
	default:
		a.logger.Warn(ctx, "slack inbound queue full, dropping message",
			"chat_id", msg.ChatID)
	}
}

func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := a.client.PostMessageContext(ctx, chatID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Typing is a no-op: typing indicators require the legacy RTM API, which
// Socket Mode apps do not use.
func (a *Adapter) Typing(ctx context.Context, chatID string) {}

// stripMention removes the leading <@bot> tag from an app mention so the
// agent sees only the user's request.
func stripMention(text, botUserID string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, fmt.Sprintf("<@%s>", botUserID), ""))
}

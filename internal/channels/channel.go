// Package channels connects the agent core to messaging transports. Each
// transport implements Adapter; the Pump drives the shared inbound pipeline.
package channels

import (
	"context"

	"github.com/stratumlabs/stratum/pkg/models"
)

// InboundMessage is a normalized transport event.
type InboundMessage struct {
	// UserID is the transport-scoped sender id.
	UserID string
	// ChatID addresses the conversation for replies.
	ChatID string
	// Text is the message body.
	Text string
	// FromSelf marks events authored by the bot itself.
	FromSelf bool
	// Subtype carries transport-specific event subtypes (edits, joins);
	// non-empty subtypes are dropped by the pump.
	Subtype string
}

// Adapter is one messaging transport.
type Adapter interface {
	// Start connects and begins delivering events on Messages.
	Start(ctx context.Context) error
	// Stop disconnects. Messages is closed after Stop returns.
	Stop(ctx context.Context) error
	// Send delivers one reply. Implementations pace their own sends.
	Send(ctx context.Context, chatID, text string) error
	// Messages is the inbound event stream.
	Messages() <-chan *InboundMessage
	// Type identifies the transport.
	Type() models.ChannelType
	// MaxMessageLen is the transport's outbound size limit in runes.
	MaxMessageLen() int
	// Typing signals activity on a conversation, where supported.
	Typing(ctx context.Context, chatID string)
}

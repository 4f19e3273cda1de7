// Package dispatch sends outbound notifications through the configured
// channels. The pipeline treats a send failure as "not sent"; dedup and
// at-most-once guarantees live with the callers' notification records,
// not here.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Message is one outbound notification handed to a sender. TemplateID
// names the content template; Payload carries the template variables.
type Message struct {
	ID         uuid.UUID       `json:"id"`
	FamilyID   uuid.UUID       `json:"family_id"`
	Channel    string          `json:"channel"`
	Recipient  string          `json:"recipient"`
	TemplateID string          `json:"template_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Sender is the unified interface for all outbound channels.
// Implementations: email (SES), SMS (SNS), webhooks. Send returns the
// provider's message id on success.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
	SupportsChannel(channel string) bool
}

// EmailPayload is the template payload for email messages.
type EmailPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SMSPayload is the template payload for SMS messages.
type SMSPayload struct {
	Message string `json:"message"`
}

// WebhookPayload is the template payload for webhook messages. The
// recipient field of the Message is the target URL.
type WebhookPayload struct {
	Method  string            `json:"method"`  // defaults to POST
	Headers map[string]string `json:"headers"` // custom headers
	Body    json.RawMessage   `json:"body"`
}

// MultiSender routes messages to the first sender supporting their
// channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given channel senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel.
func (m *MultiSender) Send(ctx context.Context, msg *Message) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("message_id", msg.ID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return "", fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSender logs messages instead of sending them. Used in development
// and when DISPATCH_DRY_RUN is set; accepts every channel.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and fabricates a provider message id.
func (s *LogSender) Send(ctx context.Context, msg *Message) (string, error) {
	s.logger.Info("dry-run dispatch",
		zap.String("message_id", msg.ID.String()),
		zap.String("channel", msg.Channel),
		zap.String("recipient", msg.Recipient),
		zap.String("template_id", msg.TemplateID),
	)
	return "dry-run-" + uuid.NewString(), nil
}

// SupportsChannel accepts all channels in dry-run mode.
func (s *LogSender) SupportsChannel(channel string) bool {
	return true
}

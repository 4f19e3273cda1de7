package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESSender sends email messages via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESSender creates a new SES email sender.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends an email message via AWS SES and returns the SES message id.
func (s *SESSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel != ChannelEmail {
		return "", fmt.Errorf("SES sender only supports email, got: %s", msg.Channel)
	}

	var payload EmailPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", fmt.Errorf("invalid email payload: %w", err)
	}

	if msg.Recipient == "" {
		return "", fmt.Errorf("email message missing recipient")
	}
	if payload.Subject == "" {
		return "", fmt.Errorf("email payload missing 'subject' field")
	}
	if payload.Body == "" {
		return "", fmt.Errorf("email payload missing 'body' field")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(payload.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(payload.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("message_id", msg.ID.String()),
		zap.String("ses_message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}

// SupportsChannel reports whether this sender handles the channel.
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSSender sends SMS messages via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS messages.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends an SMS message via AWS SNS. The message recipient is the
// destination phone number in E.164 format.
func (s *SNSSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel != ChannelSMS {
		return "", fmt.Errorf("SNS sender only supports SMS, got: %s", msg.Channel)
	}

	var payload SMSPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", fmt.Errorf("invalid SMS payload: %w", err)
	}

	if msg.Recipient == "" {
		return "", fmt.Errorf("SMS message missing recipient phone number")
	}
	if payload.Message == "" {
		return "", fmt.Errorf("SMS payload missing message")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(payload.Message),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("sms sent via SNS",
		zap.String("message_id", msg.ID.String()),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}

// SupportsChannel reports whether this sender handles the channel.
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == ChannelSMS
}

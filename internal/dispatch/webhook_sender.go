package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSender delivers messages as HTTP requests to a partner
// endpoint. The message recipient is the target URL.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	DefaultTimeout time.Duration
}

// NewWebhookSender creates a new webhook sender.
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send delivers the message over HTTP. Any 2xx response counts as sent;
// the returned id is synthesized from the message id since webhooks have
// no provider-side id.
func (s *WebhookSender) Send(ctx context.Context, msg *Message) (string, error) {
	if msg.Channel != ChannelWebhook {
		return "", fmt.Errorf("webhook sender only supports webhooks, got: %s", msg.Channel)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", fmt.Errorf("invalid webhook payload: %w", err)
	}

	if msg.Recipient == "" {
		return "", fmt.Errorf("webhook message missing target url")
	}

	method := payload.Method
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return "", fmt.Errorf("webhook method not supported: %s (only POST, PUT, PATCH)", method)
	}

	req, err := http.NewRequestWithContext(ctx, method, msg.Recipient, bytes.NewReader(payload.Body))
	if err != nil {
		return "", fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CampWatch/1.0")
	req.Header.Set("X-CampWatch-Message-ID", msg.ID.String())
	req.Header.Set("X-CampWatch-Template", msg.TemplateID)
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.logger.Info("webhook delivered",
		zap.String("message_id", msg.ID.String()),
		zap.Int("status", resp.StatusCode),
	)

	return "webhook-" + msg.ID.String(), nil
}

// SupportsChannel reports whether this sender handles the channel.
func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == ChannelWebhook
}

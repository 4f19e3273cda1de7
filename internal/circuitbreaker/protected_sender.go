package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/dispatch"
)

// ProtectedSender wraps a dispatch.Sender with a CircuitBreaker. When
// the downstream channel starts failing, sends fail fast instead of
// piling up against a dead service.
type ProtectedSender struct {
	sender  dispatch.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender dispatch.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a send through the circuit breaker. If the circuit is
// open it returns ErrCircuitOpen immediately; otherwise the outcome is
// recorded on the breaker.
func (p *ProtectedSender) Send(ctx context.Context, msg *dispatch.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", msg.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	providerID, err := p.sender.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return providerID, nil
}

// SupportsChannel delegates to the wrapped sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Package triage collects operational alerts and orders them for human
// review: highest severity first, newest first within a severity.
package triage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
	"github.com/campwatch/campwatch/internal/metrics"
)

// Store is the alert persistence the service needs.
// *db.AlertRepository satisfies this.
type Store interface {
	InsertAlert(ctx context.Context, alert *db.Alert) error
	AcknowledgeAlert(ctx context.Context, id uuid.UUID, at time.Time) (time.Time, error)
	UnacknowledgedSince(ctx context.Context, since time.Time) ([]*db.Alert, error)
}

// Service implements alert triage.
type Service struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// New creates the triage service.
func New(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		clock:  time.Now,
		logger: logger,
	}
}

// Raise records a new operational alert and returns its id.
func (s *Service) Raise(ctx context.Context, message, severity, alertType string) (uuid.UUID, error) {
	if message == "" {
		return uuid.Nil, db.NewValidationError("alert message is required")
	}
	if !db.ValidSeverity(severity) {
		return uuid.Nil, db.NewValidationError(fmt.Sprintf("unknown severity %q", severity))
	}

	alert := &db.Alert{
		ID:        uuid.New(),
		Message:   message,
		Severity:  severity,
		AlertType: alertType,
	}
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		return uuid.Nil, err
	}

	metrics.RecordAlertRaised(severity)
	s.logger.Warn("alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("severity", severity),
		zap.String("alert_type", alertType),
		zap.String("message", message),
	)

	return alert.ID, nil
}

// Acknowledge sets the alert's acknowledged_at if unset and returns the
// effective timestamp. Acknowledging twice returns the first call's
// timestamp; it is never overwritten.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID) (time.Time, error) {
	return s.store.AcknowledgeAlert(ctx, id, s.clock())
}

// ListUnacknowledged returns unacknowledged alerts created at or after
// since, sorted by severity rank ascending then created_at descending.
// This ordering determines what an operator sees first and is part of
// the contract.
func (s *Service) ListUnacknowledged(ctx context.Context, since time.Time) ([]*db.Alert, error) {
	alerts, err := s.store.UnacknowledgedSince(ctx, since)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := db.SeverityRank(alerts[i].Severity), db.SeverityRank(alerts[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})

	return alerts, nil
}

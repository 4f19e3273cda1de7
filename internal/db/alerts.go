package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AlertRepository persists operational alerts. Alerts are never
// deleted; the only mutation is acknowledgement.
type AlertRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

// InsertAlert persists a new alert.
func (r *AlertRepository) InsertAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO alerts (id, message, severity, alert_type)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, alert.ID, alert.Message, alert.Severity, alert.AlertType).Scan(&alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	return nil
}

// AcknowledgeAlert sets acknowledged_at if unset and returns the
// effective acknowledgement time. Acknowledging twice is not an error;
// the second call returns the first call's timestamp untouched.
func (r *AlertRepository) AcknowledgeAlert(ctx context.Context, id uuid.UUID, at time.Time) (time.Time, error) {
	var ackedAt time.Time
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE alerts
		SET acknowledged_at = COALESCE(acknowledged_at, $1)
		WHERE id = $2
		RETURNING acknowledged_at
	`, at, id).Scan(&ackedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("acknowledge alert: %w", err)
	}

	return ackedAt, nil
}

// UnacknowledgedSince returns unacknowledged alerts created at or after
// the given time. Row order is unspecified here; the triage service owns
// the severity-then-recency ordering contract.
func (r *AlertRepository) UnacknowledgedSince(ctx context.Context, since time.Time) ([]*Alert, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, message, severity, alert_type, created_at, acknowledged_at
		FROM alerts
		WHERE acknowledged_at IS NULL AND created_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query unacknowledged alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var alert Alert
		err := rows.Scan(
			&alert.ID,
			&alert.Message,
			&alert.Severity,
			&alert.AlertType,
			&alert.CreatedAt,
			&alert.AcknowledgedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return alerts, nil
}

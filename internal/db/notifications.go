package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationRepository handles dispatch records and session
// subscriptions. Records are immutable once written apart from the
// provider message id attached after a successful send.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

// RecordDispatch writes the notification record before the outbound
// send happens. The UNIQUE constraint on (family_id, session_id,
// change_type, snapshot_id) makes the check-and-write atomic under
// concurrency; a violation means the notification was already recorded
// and surfaces as ErrAlreadyRecorded, which dispatch paths treat as
// "already sent, skip".
func (r *NotificationRepository) RecordDispatch(ctx context.Context, rec *NotificationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_records (
			id, family_id, session_id, snapshot_id, change_type
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING dispatched_at
	`,
		rec.ID,
		rec.FamilyID,
		rec.SessionID,
		rec.SnapshotID,
		rec.ChangeType,
	).Scan(&rec.DispatchedAt)
	if IsUniqueViolation(err) {
		return ErrAlreadyRecorded
	}
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}

	return nil
}

// SetProviderMessageID attaches the dispatch service's message id to a
// record after a successful send.
func (r *NotificationRepository) SetProviderMessageID(ctx context.Context, recordID uuid.UUID, messageID string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_records SET provider_message_id = $1 WHERE id = $2
	`, messageID, recordID)
	if err != nil {
		return fmt.Errorf("set provider message id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSubscribers lists families subscribed to a session with the
// delivery details the dispatcher needs. Unsubscribed families are
// excluded.
func (r *NotificationRepository) ActiveSubscribers(ctx context.Context, sessionID uuid.UUID) ([]*Subscriber, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT f.id, f.email, f.phone, f.preferred_channel
		FROM session_subscriptions s
		JOIN families f ON f.id = s.family_id
		WHERE s.session_id = $1 AND s.unsubscribed_at IS NULL
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.FamilyID, &sub.Email, &sub.Phone, &sub.Channel); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// FamilySubscribed reports whether a family holds any active session
// subscription. The sequence runner's winback abandon check re-evaluates
// this before every step.
func (r *NotificationRepository) FamilySubscribed(ctx context.Context, familyID uuid.UUID) (bool, error) {
	var subscribed bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM session_subscriptions
			WHERE family_id = $1 AND unsubscribed_at IS NULL
		)
	`, familyID).Scan(&subscribed)
	if err != nil {
		return false, fmt.Errorf("query family subscription: %w", err)
	}
	return subscribed, nil
}

// RecentlyUnsubscribedFamilies lists families whose last remaining
// subscription ended at or after since and who currently hold no active
// subscription. The scheduler seeds winback runs from this set; the
// run-level partial unique index makes repeated seeding a no-op.
func (r *NotificationRepository) RecentlyUnsubscribedFamilies(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT family_id
		FROM session_subscriptions
		GROUP BY family_id
		HAVING bool_and(unsubscribed_at IS NOT NULL)
		   AND max(unsubscribed_at) >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query unsubscribed families: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan family id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// FamilyContact returns the delivery details for one family.
func (r *NotificationRepository) FamilyContact(ctx context.Context, familyID uuid.UUID) (*Subscriber, error) {
	var sub Subscriber
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, email, phone, preferred_channel
		FROM families
		WHERE id = $1
	`, familyID).Scan(&sub.FamilyID, &sub.Email, &sub.Phone, &sub.Channel)
	if err != nil {
		return nil, fmt.Errorf("query family contact: %w", err)
	}
	return &sub, nil
}

// Package detect decides, from a freshly written availability snapshot,
// whether a change-worthy event occurred, and dispatches each event at
// most once per subscribed family.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
	"github.com/campwatch/campwatch/internal/dispatch"
	"github.com/campwatch/campwatch/internal/metrics"
)

// SubscriberStore lists families subscribed to a session.
// *db.NotificationRepository satisfies this.
type SubscriberStore interface {
	ActiveSubscribers(ctx context.Context, sessionID uuid.UUID) ([]*db.Subscriber, error)
}

// RecordStore persists dispatch records. RecordDispatch returns
// db.ErrAlreadyRecorded when the (family, session, change type,
// snapshot) key already exists.
type RecordStore interface {
	RecordDispatch(ctx context.Context, rec *db.NotificationRecord) error
	SetProviderMessageID(ctx context.Context, recordID uuid.UUID, messageID string) error
}

// Config holds detection thresholds.
type Config struct {
	// LowAvailabilityThreshold is the spots-remaining level below which
	// the low_availability event fires. The crossing is directional.
	LowAvailabilityThreshold int
}

// Detector evaluates snapshot transitions and fans notifications out to
// subscribed families.
type Detector struct {
	subscribers SubscriberStore
	records     RecordStore
	sender      dispatch.Sender
	config      Config
	logger      *zap.Logger
}

// New creates a change detector.
func New(subscribers SubscriberStore, records RecordStore, sender dispatch.Sender, cfg Config, logger *zap.Logger) *Detector {
	if cfg.LowAvailabilityThreshold <= 0 {
		cfg.LowAvailabilityThreshold = 3
	}
	return &Detector{
		subscribers: subscribers,
		records:     records,
		sender:      sender,
		config:      cfg,
		logger:      logger,
	}
}

// Events returns the change types triggered by the transition from prev
// to cur. prev is nil when cur is the session's first snapshot;
// newlyDiscovered marks a session first seen by this job as already
// open, which counts as an opening event despite the missing prev.
func (d *Detector) Events(prev, cur *db.AvailabilitySnapshot, newlyDiscovered bool) []string {
	var events []string

	// registration_opened: not-open -> open. Each close -> open cycle is
	// a distinct event; the snapshot id in the dedup key keeps re-checks
	// of the same transition silent without suppressing later openings.
	if cur.RegistrationOpen {
		switch {
		case prev == nil && newlyDiscovered:
			events = append(events, db.ChangeRegistrationOpened)
		case prev != nil && !prev.RegistrationOpen:
			events = append(events, db.ChangeRegistrationOpened)
		}
	}

	// low_availability: crossing from at-or-above the threshold to below
	// it. Dropping further while already below does not re-fire; rising
	// back above re-arms.
	if prev != nil &&
		prev.SpotsRemaining >= d.config.LowAvailabilityThreshold &&
		cur.SpotsRemaining < d.config.LowAvailabilityThreshold {
		events = append(events, db.ChangeLowAvailability)
	}

	return events
}

// Evaluate runs detection for a new snapshot and dispatches any events.
// Dispatch is record-then-send: the notification record is written
// first, so a send failure after the record exists is accepted as a
// missed notification rather than risking a duplicate.
func (d *Detector) Evaluate(ctx context.Context, prev, cur *db.AvailabilitySnapshot, newlyDiscovered bool) error {
	events := d.Events(prev, cur, newlyDiscovered)
	if len(events) == 0 {
		return nil
	}

	subs, err := d.subscribers.ActiveSubscribers(ctx, cur.SessionID)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	for _, changeType := range events {
		metrics.RecordChangeEvent(changeType)
		for _, sub := range subs {
			if err := d.notify(ctx, changeType, cur, sub); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *Detector) notify(ctx context.Context, changeType string, snap *db.AvailabilitySnapshot, sub *db.Subscriber) error {
	rec := &db.NotificationRecord{
		ID:         uuid.New(),
		FamilyID:   sub.FamilyID,
		SessionID:  snap.SessionID,
		SnapshotID: snap.ID,
		ChangeType: changeType,
	}

	err := d.records.RecordDispatch(ctx, rec)
	if errors.Is(err, db.ErrAlreadyRecorded) {
		metrics.RecordNotificationDeduped(changeType)
		d.logger.Debug("notification already recorded, skipping",
			zap.String("family_id", sub.FamilyID.String()),
			zap.String("session_id", snap.SessionID.String()),
			zap.String("change_type", changeType),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}

	msg, err := buildMessage(changeType, snap, sub)
	if err != nil {
		return err
	}

	providerID, err := d.sender.Send(ctx, msg)
	if err != nil {
		// At-most-once: the record stands, the send is not retried.
		metrics.RecordNotificationDispatched(changeType, "failed")
		d.logger.Warn("notification send failed after record written",
			zap.Error(err),
			zap.String("family_id", sub.FamilyID.String()),
			zap.String("change_type", changeType),
		)
		return nil
	}

	metrics.RecordNotificationDispatched(changeType, "sent")
	if err := d.records.SetProviderMessageID(ctx, rec.ID, providerID); err != nil {
		d.logger.Warn("failed to attach provider message id",
			zap.Error(err),
			zap.String("record_id", rec.ID.String()),
		)
	}

	return nil
}

func buildMessage(changeType string, snap *db.AvailabilitySnapshot, sub *db.Subscriber) (*dispatch.Message, error) {
	var subject, body string
	switch changeType {
	case db.ChangeRegistrationOpened:
		subject = "Registration just opened"
		body = fmt.Sprintf("Registration is now open for a session you follow. %d of %d spots are available.",
			snap.SpotsRemaining, snap.Capacity)
	case db.ChangeLowAvailability:
		subject = "Spots are running out"
		body = fmt.Sprintf("A session you follow is almost full: only %d of %d spots left.",
			snap.SpotsRemaining, snap.Capacity)
	default:
		return nil, fmt.Errorf("unknown change type: %s", changeType)
	}

	recipient := sub.Email
	var payload any = dispatch.EmailPayload{Subject: subject, Body: body}
	switch sub.Channel {
	case dispatch.ChannelSMS:
		if sub.Phone != nil {
			recipient = *sub.Phone
		}
		payload = dispatch.SMSPayload{Message: subject + ": " + body}
	case dispatch.ChannelWebhook:
		detail, err := json.Marshal(map[string]any{
			"change_type":     changeType,
			"session_id":      snap.SessionID.String(),
			"spots_remaining": snap.SpotsRemaining,
			"capacity":        snap.Capacity,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal webhook body: %w", err)
		}
		payload = dispatch.WebhookPayload{Body: detail}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal notification payload: %w", err)
	}

	return &dispatch.Message{
		ID:         uuid.New(),
		FamilyID:   sub.FamilyID,
		Channel:    sub.Channel,
		Recipient:  recipient,
		TemplateID: changeType,
		Payload:    raw,
	}, nil
}

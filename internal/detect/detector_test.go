package detect

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
	"github.com/campwatch/campwatch/internal/dispatch"
)

type fakeSubscriberStore struct {
	subs []*db.Subscriber
	err  error
}

func (f *fakeSubscriberStore) ActiveSubscribers(ctx context.Context, sessionID uuid.UUID) ([]*db.Subscriber, error) {
	return f.subs, f.err
}

type fakeRecordStore struct {
	recorded   []*db.NotificationRecord
	providerID map[uuid.UUID]string
	// keys already present; RecordDispatch returns ErrAlreadyRecorded
	// for these.
	existing map[string]bool
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		providerID: make(map[uuid.UUID]string),
		existing:   make(map[string]bool),
	}
}

func dedupKey(rec *db.NotificationRecord) string {
	return rec.FamilyID.String() + "|" + rec.SessionID.String() + "|" + rec.ChangeType + "|" + rec.SnapshotID.String()
}

func (f *fakeRecordStore) RecordDispatch(ctx context.Context, rec *db.NotificationRecord) error {
	key := dedupKey(rec)
	if f.existing[key] {
		return db.ErrAlreadyRecorded
	}
	f.existing[key] = true
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *fakeRecordStore) SetProviderMessageID(ctx context.Context, recordID uuid.UUID, messageID string) error {
	f.providerID[recordID] = messageID
	return nil
}

type captureSender struct {
	sent    []*dispatch.Message
	sendErr error
}

func (c *captureSender) Send(ctx context.Context, msg *dispatch.Message) (string, error) {
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, msg)
	return "msg-" + msg.ID.String()[:8], nil
}

func (c *captureSender) SupportsChannel(channel string) bool { return true }

func snapshot(spots, capacity int, open bool) *db.AvailabilitySnapshot {
	return &db.AvailabilitySnapshot{
		ID:               uuid.New(),
		SessionID:        uuid.New(),
		EnrolledCount:    capacity - spots,
		Capacity:         capacity,
		SpotsRemaining:   spots,
		RegistrationOpen: open,
	}
}

func newTestDetector(subs *fakeSubscriberStore, recs *fakeRecordStore, sender *captureSender) *Detector {
	return New(subs, recs, sender, Config{LowAvailabilityThreshold: 3}, zap.NewNop())
}

func TestEvents_RegistrationOpened(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	prev := snapshot(10, 20, false)
	cur := snapshot(10, 20, true)
	cur.SessionID = prev.SessionID

	events := d.Events(prev, cur, false)
	if len(events) != 1 || events[0] != db.ChangeRegistrationOpened {
		t.Fatalf("expected [registration_opened], got %v", events)
	}
}

func TestEvents_NewlyDiscoveredOpenSession(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	cur := snapshot(10, 20, true)

	events := d.Events(nil, cur, true)
	if len(events) != 1 || events[0] != db.ChangeRegistrationOpened {
		t.Fatalf("expected [registration_opened], got %v", events)
	}
}

func TestEvents_FirstSnapshotNotNewlyDiscovered(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	// First observed snapshot of a pre-existing session: no opening
	// event without the newly-discovered flag.
	cur := snapshot(10, 20, true)

	if events := d.Events(nil, cur, false); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestEvents_OpenToOpenIsSilent(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	prev := snapshot(10, 20, true)
	cur := snapshot(9, 20, true)

	if events := d.Events(prev, cur, false); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestEvents_LowAvailabilityCrossing(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	prev := snapshot(3, 20, true)
	cur := snapshot(2, 20, true)

	events := d.Events(prev, cur, false)
	if len(events) != 1 || events[0] != db.ChangeLowAvailability {
		t.Fatalf("expected [low_availability], got %v", events)
	}
}

func TestEvents_LowAvailabilityNoRefireBelowThreshold(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	// Already below threshold and dropping further: no event.
	prev := snapshot(2, 20, true)
	cur := snapshot(1, 20, true)

	if events := d.Events(prev, cur, false); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestEvents_LowAvailabilityRearmsAfterRisingBack(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	// Rose back above the threshold, then crossed down again: fires.
	prev := snapshot(5, 20, true)
	cur := snapshot(2, 20, true)

	events := d.Events(prev, cur, false)
	if len(events) != 1 || events[0] != db.ChangeLowAvailability {
		t.Fatalf("expected [low_availability], got %v", events)
	}
}

func TestEvents_BothEventsAtOnce(t *testing.T) {
	d := newTestDetector(&fakeSubscriberStore{}, newFakeRecordStore(), &captureSender{})

	prev := snapshot(5, 20, false)
	cur := snapshot(2, 20, true)

	events := d.Events(prev, cur, false)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %v", events)
	}
}

func TestEvaluate_FansOutPerSubscriber(t *testing.T) {
	familyA := uuid.New()
	familyB := uuid.New()
	subs := &fakeSubscriberStore{subs: []*db.Subscriber{
		{FamilyID: familyA, Email: "a@example.com", Channel: dispatch.ChannelEmail},
		{FamilyID: familyB, Email: "b@example.com", Channel: dispatch.ChannelEmail},
	}}
	recs := newFakeRecordStore()
	sender := &captureSender{}
	d := newTestDetector(subs, recs, sender)

	prev := snapshot(10, 20, false)
	cur := snapshot(10, 20, true)
	cur.SessionID = prev.SessionID

	if err := d.Evaluate(context.Background(), prev, cur, false); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if len(recs.recorded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs.recorded))
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sender.sent))
	}
	for _, rec := range recs.recorded {
		if _, ok := recs.providerID[rec.ID]; !ok {
			t.Errorf("record %s missing provider message id", rec.ID)
		}
	}
}

func TestEvaluate_DuplicateSnapshotSendsNothing(t *testing.T) {
	subs := &fakeSubscriberStore{subs: []*db.Subscriber{
		{FamilyID: uuid.New(), Email: "a@example.com", Channel: dispatch.ChannelEmail},
	}}
	recs := newFakeRecordStore()
	sender := &captureSender{}
	d := newTestDetector(subs, recs, sender)

	prev := snapshot(10, 20, false)
	cur := snapshot(10, 20, true)
	cur.SessionID = prev.SessionID

	if err := d.Evaluate(context.Background(), prev, cur, false); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if err := d.Evaluate(context.Background(), prev, cur, false); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("re-evaluating the same snapshot must not re-send, got %d sends", len(sender.sent))
	}
	if len(recs.recorded) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs.recorded))
	}
}

func TestEvaluate_SendFailureIsAcceptedAsMissed(t *testing.T) {
	subs := &fakeSubscriberStore{subs: []*db.Subscriber{
		{FamilyID: uuid.New(), Email: "a@example.com", Channel: dispatch.ChannelEmail},
	}}
	recs := newFakeRecordStore()
	sender := &captureSender{sendErr: context.DeadlineExceeded}
	d := newTestDetector(subs, recs, sender)

	prev := snapshot(10, 20, false)
	cur := snapshot(10, 20, true)
	cur.SessionID = prev.SessionID

	// Send fails after the record is written: no error, no retry.
	if err := d.Evaluate(context.Background(), prev, cur, false); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(recs.recorded) != 1 {
		t.Fatalf("record should still be written, got %d", len(recs.recorded))
	}

	// A retry of the same snapshot stays silent: at-most-once wins.
	sender.sendErr = nil
	if err := d.Evaluate(context.Background(), prev, cur, false); err != nil {
		t.Fatalf("retry evaluate: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("missed notification must not be re-sent, got %d sends", len(sender.sent))
	}
}

func TestEvaluate_NoSubscribersNoRecords(t *testing.T) {
	recs := newFakeRecordStore()
	sender := &captureSender{}
	d := newTestDetector(&fakeSubscriberStore{}, recs, sender)

	prev := snapshot(10, 20, false)
	cur := snapshot(10, 20, true)

	if err := d.Evaluate(context.Background(), prev, cur, false); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(recs.recorded) != 0 || len(sender.sent) != 0 {
		t.Fatal("no subscribers should mean no records and no sends")
	}
}

func TestEvaluate_SMSChannelUsesPhone(t *testing.T) {
	phone := "+15551234567"
	subs := &fakeSubscriberStore{subs: []*db.Subscriber{
		{FamilyID: uuid.New(), Email: "a@example.com", Phone: &phone, Channel: dispatch.ChannelSMS},
	}}
	sender := &captureSender{}
	d := newTestDetector(subs, newFakeRecordStore(), sender)

	prev := snapshot(10, 20, false)
	cur := snapshot(10, 20, true)
	cur.SessionID = prev.SessionID

	if err := d.Evaluate(context.Background(), prev, cur, false); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sent))
	}
	if sender.sent[0].Recipient != phone {
		t.Errorf("recipient = %q, want %q", sender.sent[0].Recipient, phone)
	}
	if sender.sent[0].Channel != dispatch.ChannelSMS {
		t.Errorf("channel = %q", sender.sent[0].Channel)
	}
}

package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
)

type fakeAlertStore struct {
	alerts map[uuid.UUID]*db.Alert
	order  []*db.Alert
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: make(map[uuid.UUID]*db.Alert)}
}

func (f *fakeAlertStore) InsertAlert(ctx context.Context, alert *db.Alert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	f.alerts[alert.ID] = alert
	f.order = append(f.order, alert)
	return nil
}

func (f *fakeAlertStore) AcknowledgeAlert(ctx context.Context, id uuid.UUID, at time.Time) (time.Time, error) {
	alert, ok := f.alerts[id]
	if !ok {
		return time.Time{}, db.ErrNotFound
	}
	if alert.AcknowledgedAt != nil {
		return *alert.AcknowledgedAt, nil
	}
	alert.AcknowledgedAt = &at
	return at, nil
}

func (f *fakeAlertStore) UnacknowledgedSince(ctx context.Context, since time.Time) ([]*db.Alert, error) {
	var out []*db.Alert
	for _, alert := range f.order {
		if alert.AcknowledgedAt == nil && !alert.CreatedAt.Before(since) {
			out = append(out, alert)
		}
	}
	return out, nil
}

func seedAlert(store *fakeAlertStore, severity string, createdAt time.Time) *db.Alert {
	alert := &db.Alert{
		ID:        uuid.New(),
		Message:   "scrape failures above threshold",
		Severity:  severity,
		AlertType: "scrape_failures",
		CreatedAt: createdAt,
	}
	store.alerts[alert.ID] = alert
	store.order = append(store.order, alert)
	return alert
}

func TestRaise_RejectsInvalidInput(t *testing.T) {
	svc := New(newFakeAlertStore(), zap.NewNop())

	var verr *db.ValidationError
	if _, err := svc.Raise(context.Background(), "", db.SeverityError, "x"); !errors.As(err, &verr) {
		t.Fatalf("empty message: expected validation error, got %v", err)
	}
	if _, err := svc.Raise(context.Background(), "msg", "urgent", "x"); !errors.As(err, &verr) {
		t.Fatalf("unknown severity: expected validation error, got %v", err)
	}
}

func TestListUnacknowledged_Ordering(t *testing.T) {
	store := newFakeAlertStore()
	base := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	oldWarning := seedAlert(store, db.SeverityWarning, base)
	newWarning := seedAlert(store, db.SeverityWarning, base.Add(2*time.Hour))
	critical := seedAlert(store, db.SeverityCritical, base.Add(time.Hour))
	info := seedAlert(store, db.SeverityInfo, base.Add(3*time.Hour))
	errAlert := seedAlert(store, db.SeverityError, base.Add(30*time.Minute))

	svc := New(store, zap.NewNop())
	got, err := svc.ListUnacknowledged(context.Background(), base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	want := []uuid.UUID{critical.ID, errAlert.ID, newWarning.ID, oldWarning.ID, info.ID}
	if len(got) != len(want) {
		t.Fatalf("got %d alerts, want %d", len(got), len(want))
	}
	for i, alert := range got {
		if alert.ID != want[i] {
			t.Fatalf("position %d: got %s severity %s", i, alert.ID, alert.Severity)
		}
	}
}

func TestListUnacknowledged_ExcludesAcknowledgedAndOld(t *testing.T) {
	store := newFakeAlertStore()
	base := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	tooOld := seedAlert(store, db.SeverityCritical, base.Add(-48*time.Hour))
	acked := seedAlert(store, db.SeverityCritical, base)
	ackedAt := base.Add(time.Minute)
	acked.AcknowledgedAt = &ackedAt
	live := seedAlert(store, db.SeverityWarning, base)

	svc := New(store, zap.NewNop())
	got, err := svc.ListUnacknowledged(context.Background(), base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("got %d alerts, want only the live one (excluding %s, %s)", len(got), tooOld.ID, acked.ID)
	}
}

func TestAcknowledge_Idempotent(t *testing.T) {
	store := newFakeAlertStore()
	svc := New(store, zap.NewNop())

	id, err := svc.Raise(context.Background(), "report generation failed", db.SeverityError, "report")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}

	first, err := svc.Acknowledge(context.Background(), id)
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	second, err := svc.Acknowledge(context.Background(), id)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if !second.Equal(first) {
		t.Fatalf("second ack returned %v, want first timestamp %v", second, first)
	}
}

func TestAcknowledge_UnknownAlert(t *testing.T) {
	svc := New(newFakeAlertStore(), zap.NewNop())
	if _, err := svc.Acknowledge(context.Background(), uuid.New()); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/v1/jobs", 200, 100*time.Millisecond)
	RecordRequest("POST", "/v1/requests", 202, 50*time.Millisecond)
	RecordRequest("GET", "/v1/requests/{id}", 404, 10*time.Millisecond)
}

func TestRecordJobProcessed(t *testing.T) {
	RecordJobProcessed("completed", 500*time.Millisecond)
	RecordJobProcessed("failed", 200*time.Millisecond)
}

func TestRecordSnapshot(t *testing.T) {
	RecordSnapshot()
	RecordSnapshot()
}

func TestRecordChangeEvent(t *testing.T) {
	RecordChangeEvent("registration_opened")
	RecordChangeEvent("low_availability")
}

func TestRecordNotificationDispatched(t *testing.T) {
	RecordNotificationDispatched("registration_opened", "sent")
	RecordNotificationDispatched("low_availability", "failed")
}

func TestRecordNotificationDeduped(t *testing.T) {
	RecordNotificationDeduped("registration_opened")
}

func TestRecordSequenceStep(t *testing.T) {
	RecordSequenceStep("winback")
}

func TestRecordAlertRaised(t *testing.T) {
	RecordAlertRaised("error")
	RecordAlertRaised("critical")
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("ip:1.2.3.4")
	RecordRateLimitRejection("ip:5.6.7.8")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics output should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	wrapped := Middleware(inner)

	req := httptest.NewRequest("GET", "/v1/cities", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("middleware must pass the status through, got %d", rec.Code)
	}
}

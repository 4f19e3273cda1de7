package sqs

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestSourceAnnouncement_Marshal(t *testing.T) {
	msg := SourceAnnouncement{
		SourceID:   uuid.New().String(),
		Domain:     "sunnycamp.org",
		JobID:      uuid.New().String(),
		EnqueuedAt: 1234567890,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded SourceAnnouncement
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.SourceID != msg.SourceID {
		t.Errorf("source id mismatch: got %s, want %s", decoded.SourceID, msg.SourceID)
	}
	if decoded.Domain != msg.Domain {
		t.Errorf("domain mismatch: got %s, want %s", decoded.Domain, msg.Domain)
	}
	if decoded.JobID != msg.JobID {
		t.Errorf("job id mismatch: got %s, want %s", decoded.JobID, msg.JobID)
	}
	if decoded.EnqueuedAt != msg.EnqueuedAt {
		t.Errorf("enqueued_at mismatch: got %d, want %d", decoded.EnqueuedAt, msg.EnqueuedAt)
	}
}

package db

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a camp provider owning one or more scrape sources.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Website   *string   `json:"website,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ScrapeSource identifies one external provider domain to monitor.
// Domain is normalized (lowercase, no www. prefix) and unique across
// all sources.
type ScrapeSource struct {
	ID             uuid.UUID  `json:"id"`
	Domain         string     `json:"domain"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CampRequest status constants
const (
	RequestPending   = "pending"
	RequestScraping  = "scraping"
	RequestCompleted = "completed"
	RequestDuplicate = "duplicate"
	RequestFailed    = "failed"
)

// CampRequest is an end-user ask to add a camp. Terminal once in
// completed/duplicate/failed; never re-processed automatically.
type CampRequest struct {
	ID             uuid.UUID  `json:"id"`
	CityID         uuid.UUID  `json:"city_id"`
	WebsiteURL     *string    `json:"website_url,omitempty"`
	OrgNameHint    *string    `json:"org_name_hint,omitempty"`
	CampNameHint   *string    `json:"camp_name_hint,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	Status         string     `json:"status"`
	SourceID       *uuid.UUID `json:"source_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RequestTerminal reports whether a camp request status is terminal.
func RequestTerminal(status string) bool {
	return status == RequestCompleted || status == RequestDuplicate || status == RequestFailed
}

// ScrapeJob status constants
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// ScrapeJob is one ingestion attempt against a source. Immutable once
// in a terminal state; completed_at is set exactly once.
type ScrapeJob struct {
	ID              uuid.UUID  `json:"id"`
	SourceID        uuid.UUID  `json:"source_id"`
	Status          string     `json:"status"`
	SessionsFound   int        `json:"sessions_found"`
	SessionsCreated int        `json:"sessions_created"`
	SessionsUpdated int        `json:"sessions_updated"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// JobTerminal reports whether a job status is terminal.
func JobTerminal(status string) bool {
	return status == JobCompleted || status == JobFailed
}

// CampSession is one offered session at a source.
type CampSession struct {
	ID           uuid.UUID `json:"id"`
	SourceID     uuid.UUID `json:"source_id"`
	Name         string    `json:"name"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	TimeText     *string   `json:"time_text,omitempty"`
	PriceText    *string   `json:"price_text,omitempty"`
	AgeGradeText *string   `json:"age_grade_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AvailabilitySnapshot is a point-in-time observation of one session's
// enrollment. Append-only; ordering per session is recorded_at ascending.
type AvailabilitySnapshot struct {
	ID               uuid.UUID `json:"id"`
	SessionID        uuid.UUID `json:"session_id"`
	EnrolledCount    int       `json:"enrolled_count"`
	Capacity         int       `json:"capacity"`
	SpotsRemaining   int       `json:"spots_remaining"`
	RegistrationOpen bool      `json:"registration_open"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Change type constants
const (
	ChangeRegistrationOpened = "registration_opened"
	ChangeLowAvailability    = "low_availability"
)

// NotificationRecord is proof that a specific (family, session, change
// type, triggering snapshot) notification was dispatched. Keying by the
// triggering snapshot is what lets a later, distinct opening event
// notify again without ever double-sending for the same transition.
type NotificationRecord struct {
	ID                uuid.UUID `json:"id"`
	FamilyID          uuid.UUID `json:"family_id"`
	SessionID         uuid.UUID `json:"session_id"`
	SnapshotID        uuid.UUID `json:"snapshot_id"`
	ChangeType        string    `json:"change_type"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	DispatchedAt      time.Time `json:"dispatched_at"`
}

// Subscriber is the delivery view of a family subscribed to a session.
type Subscriber struct {
	FamilyID uuid.UUID `json:"family_id"`
	Email    string    `json:"email"`
	Phone    *string   `json:"phone,omitempty"`
	Channel  string    `json:"channel"`
}

// Alert severity constants, in display priority order.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// SeverityRank maps a severity to its triage sort rank. Lower ranks
// surface first. Unknown severities sort last.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 0
	case SeverityError:
		return 1
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 3
	default:
		return 4
	}
}

// ValidSeverity reports whether severity is one of the known levels.
func ValidSeverity(severity string) bool {
	return SeverityRank(severity) < 4
}

// Alert is an operator-facing operational signal. Mutated only by
// acknowledgement, which sets acknowledged_at once.
type Alert struct {
	ID             uuid.UUID  `json:"id"`
	Message        string     `json:"message"`
	Severity       string     `json:"severity"`
	AlertType      string     `json:"alert_type"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// SequenceRun is the durable state of one multi-step delayed outbound
// sequence for one subject. Progress is derived from persisted step
// completions, never from this row alone.
type SequenceRun struct {
	ID         uuid.UUID  `json:"id"`
	SubjectID  uuid.UUID  `json:"subject_id"`
	Definition string     `json:"definition"`
	TotalSteps int        `json:"total_steps"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Abandoned  bool       `json:"abandoned"`
}

// StepCompletion records that one step of a sequence run finished.
type StepCompletion struct {
	RunID       uuid.UUID `json:"run_id"`
	StepIndex   int       `json:"step_index"`
	CompletedAt time.Time `json:"completed_at"`
}

package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminalState indicates an attempted transition out of a
	// terminal state. This is a programming-level fault and must be
	// surfaced, never swallowed.
	ErrTerminalState = errors.New("entity is in a terminal state")

	// ErrRunActive indicates a sequence run is already active for the
	// subject. Callers treat this as a no-op.
	ErrRunActive = errors.New("sequence run already active for subject")

	// ErrAlreadyRecorded indicates a notification record with the same
	// dedup key exists. Dispatch paths treat this as "already sent".
	ErrAlreadyRecorded = errors.New("notification already recorded")
)

// ValidationError is a user-actionable input failure. Its message is
// meant for direct display and is never retried automatically.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// NewValidationError builds a ValidationError with the given message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Msg: msg}
}

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation. Check-then-create paths rely on the constraint, not the
// check, and resolve a violation to the canonical existing row.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

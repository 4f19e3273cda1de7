package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SessionRepository handles camp sessions and their availability
// snapshots. Snapshots are append-only: inserted on observation, never
// mutated or deleted.
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{db: db, logger: logger}
}

// UpsertSession inserts or updates a session keyed by
// (source_id, name, start_date). The returned flag reports whether the
// row was newly created, which feeds the job's created/updated counts
// and the detector's newly-discovered flag.
func (r *SessionRepository) UpsertSession(ctx context.Context, sess *CampSession) (bool, error) {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}

	// xmax = 0 only for freshly inserted rows, so one round trip tells
	// us whether the upsert created or updated.
	query := `
		INSERT INTO camp_sessions (
			id, source_id, name, start_date, end_date,
			time_text, price_text, age_grade_text
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_id, name, start_date) DO UPDATE
		SET end_date = EXCLUDED.end_date,
		    time_text = EXCLUDED.time_text,
		    price_text = EXCLUDED.price_text,
		    age_grade_text = EXCLUDED.age_grade_text,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.Pool().QueryRow(ctx, query,
		sess.ID,
		sess.SourceID,
		sess.Name,
		sess.StartDate,
		sess.EndDate,
		sess.TimeText,
		sess.PriceText,
		sess.AgeGradeText,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert session: %w", err)
	}

	return inserted, nil
}

// LatestSnapshot returns the most recent snapshot for a session, or
// ErrNotFound when the session has never been observed.
func (r *SessionRepository) LatestSnapshot(ctx context.Context, sessionID uuid.UUID) (*AvailabilitySnapshot, error) {
	query := `
		SELECT id, session_id, enrolled_count, capacity,
		       spots_remaining, registration_open, recorded_at
		FROM availability_snapshots
		WHERE session_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var snap AvailabilitySnapshot
	err := r.db.Pool().QueryRow(ctx, query, sessionID).Scan(
		&snap.ID,
		&snap.SessionID,
		&snap.EnrolledCount,
		&snap.Capacity,
		&snap.SpotsRemaining,
		&snap.RegistrationOpen,
		&snap.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}

	return &snap, nil
}

// InsertSnapshot appends a new availability observation.
func (r *SessionRepository) InsertSnapshot(ctx context.Context, snap *AvailabilitySnapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	snap.SpotsRemaining = snap.Capacity - snap.EnrolledCount

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO availability_snapshots (
			id, session_id, enrolled_count, capacity,
			spots_remaining, registration_open
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING recorded_at
	`,
		snap.ID,
		snap.SessionID,
		snap.EnrolledCount,
		snap.Capacity,
		snap.SpotsRemaining,
		snap.RegistrationOpen,
	).Scan(&snap.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	return nil
}

// SnapshotHistory returns all snapshots for a session ordered by
// recorded_at ascending.
func (r *SessionRepository) SnapshotHistory(ctx context.Context, sessionID uuid.UUID) ([]*AvailabilitySnapshot, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, session_id, enrolled_count, capacity,
		       spots_remaining, registration_open, recorded_at
		FROM availability_snapshots
		WHERE session_id = $1
		ORDER BY recorded_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	defer rows.Close()

	var snaps []*AvailabilitySnapshot
	for rows.Next() {
		var snap AvailabilitySnapshot
		err := rows.Scan(
			&snap.ID,
			&snap.SessionID,
			&snap.EnrolledCount,
			&snap.Capacity,
			&snap.SpotsRemaining,
			&snap.RegistrationOpen,
			&snap.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return snaps, nil
}

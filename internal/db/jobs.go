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

// JobRepository handles the scrape job lifecycle. Jobs move
// queued -> running -> {completed, failed}; terminal rows are immutable
// and completed_at is set exactly once, on entering a terminal state.
type JobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRepository creates a new scrape job repository.
func NewJobRepository(db *DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

// EnqueueJob inserts a new queued job for a source.
func (r *JobRepository) EnqueueJob(ctx context.Context, sourceID uuid.UUID) (*ScrapeJob, error) {
	job := &ScrapeJob{
		ID:       uuid.New(),
		SourceID: sourceID,
		Status:   JobQueued,
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO scrape_jobs (id, source_id, status)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, job.ID, job.SourceID, job.Status).Scan(&job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert scrape job: %w", err)
	}

	r.logger.Info("scrape job queued",
		zap.String("job_id", job.ID.String()),
		zap.String("source_id", sourceID.String()),
	)

	return job, nil
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*ScrapeJob, error) {
	var job ScrapeJob
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, source_id, status,
		       sessions_found, sessions_created, sessions_updated,
		       error_message, started_at, completed_at, created_at
		FROM scrape_jobs
		WHERE id = $1
	`, id).Scan(
		&job.ID,
		&job.SourceID,
		&job.Status,
		&job.SessionsFound,
		&job.SessionsCreated,
		&job.SessionsUpdated,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scrape job: %w", err)
	}

	return &job, nil
}

// QueuedJobs fetches queued jobs for the worker, oldest first.
func (r *JobRepository) QueuedJobs(ctx context.Context, limit int) ([]*ScrapeJob, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, source_id, status,
		       sessions_found, sessions_created, sessions_updated,
		       error_message, started_at, completed_at, created_at
		FROM scrape_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// TerminalJobsSince fetches jobs that reached a terminal state inside
// the window. Read-only; consumed by daily reporting.
func (r *JobRepository) TerminalJobsSince(ctx context.Context, since time.Time) ([]*ScrapeJob, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, source_id, status,
		       sessions_found, sessions_created, sessions_updated,
		       error_message, started_at, completed_at, created_at
		FROM scrape_jobs
		WHERE status IN ('completed', 'failed') AND completed_at >= $1
		ORDER BY completed_at DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query terminal jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]*ScrapeJob, error) {
	var jobs []*ScrapeJob
	for rows.Next() {
		var job ScrapeJob
		err := rows.Scan(
			&job.ID,
			&job.SourceID,
			&job.Status,
			&job.SessionsFound,
			&job.SessionsCreated,
			&job.SessionsUpdated,
			&job.ErrorMessage,
			&job.StartedAt,
			&job.CompletedAt,
			&job.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan scrape job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// MarkRunning transitions a queued job to running and stamps started_at.
// A job already terminal (or already claimed) surfaces ErrTerminalState.
func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scrape_jobs
		SET status = 'running', started_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, getErr := r.GetJob(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("job %s: %w", id, ErrTerminalState)
	}
	return nil
}

// MarkCompleted finishes a job with its session counts. The guard on
// non-terminal status makes the terminal transition happen at most once.
func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, found, created, updated int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scrape_jobs
		SET status = 'completed',
		    sessions_found = $1,
		    sessions_created = $2,
		    sessions_updated = $3,
		    completed_at = NOW()
		WHERE id = $4 AND status NOT IN ('completed', 'failed')
	`, found, created, updated, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrTerminalState)
	}

	r.logger.Info("scrape job completed",
		zap.String("job_id", id.String()),
		zap.Int("sessions_found", found),
		zap.Int("sessions_created", created),
		zap.Int("sessions_updated", updated),
	)
	return nil
}

// MarkFailed finishes a job with the dependency failure's error text
// preserved verbatim for operator diagnosis.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scrape_jobs
		SET status = 'failed', error_message = $1, completed_at = NOW()
		WHERE id = $2 AND status NOT IN ('completed', 'failed')
	`, errorMsg, id)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrTerminalState)
	}

	r.logger.Warn("scrape job failed",
		zap.String("job_id", id.String()),
		zap.String("error_message", errorMsg),
	)
	return nil
}

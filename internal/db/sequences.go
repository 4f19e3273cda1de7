package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SequenceRepository persists durable sequence runs, their per-step
// completion records, and the per-step dispatch guard. Everything the
// runner needs to resume after a restart lives in these tables.
type SequenceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSequenceRepository creates a new sequence repository.
func NewSequenceRepository(db *DB, logger *zap.Logger) *SequenceRepository {
	return &SequenceRepository{db: db, logger: logger}
}

// StartRun inserts a new run. A partial UNIQUE index on
// (subject_id, definition) WHERE finished_at IS NULL rejects a second
// start while one run is active; that surfaces as ErrRunActive and
// callers treat it as a no-op rather than interleaving a second run.
func (r *SequenceRepository) StartRun(ctx context.Context, run *SequenceRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO sequence_runs (id, subject_id, definition, total_steps)
		VALUES ($1, $2, $3, $4)
		RETURNING started_at
	`, run.ID, run.SubjectID, run.Definition, run.TotalSteps).Scan(&run.StartedAt)
	if IsUniqueViolation(err) {
		return ErrRunActive
	}
	if err != nil {
		return fmt.Errorf("insert sequence run: %w", err)
	}

	r.logger.Info("sequence run started",
		zap.String("run_id", run.ID.String()),
		zap.String("subject_id", run.SubjectID.String()),
		zap.String("definition", run.Definition),
	)

	return nil
}

// ActiveRuns returns all unfinished runs.
func (r *SequenceRepository) ActiveRuns(ctx context.Context) ([]*SequenceRun, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, subject_id, definition, total_steps, started_at, finished_at, abandoned
		FROM sequence_runs
		WHERE finished_at IS NULL
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer rows.Close()

	var runs []*SequenceRun
	for rows.Next() {
		var run SequenceRun
		err := rows.Scan(
			&run.ID,
			&run.SubjectID,
			&run.Definition,
			&run.TotalSteps,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Abandoned,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sequence run: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return runs, nil
}

// Completions returns a run's step completions ordered by step index.
// The number of rows here, not any in-memory counter, is the run's
// authoritative progress.
func (r *SequenceRepository) Completions(ctx context.Context, runID uuid.UUID) ([]StepCompletion, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT run_id, step_index, completed_at
		FROM sequence_step_completions
		WHERE run_id = $1
		ORDER BY step_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query step completions: %w", err)
	}
	defer rows.Close()

	var comps []StepCompletion
	for rows.Next() {
		var c StepCompletion
		if err := rows.Scan(&c.RunID, &c.StepIndex, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan step completion: %w", err)
		}
		comps = append(comps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return comps, nil
}

// RecordCompletion marks one step done. The UNIQUE (run_id, step_index)
// constraint makes a re-run after a crash between "step ran" and
// "completion recorded" converge instead of double-counting.
func (r *SequenceRepository) RecordCompletion(ctx context.Context, runID uuid.UUID, stepIndex int, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO sequence_step_completions (run_id, step_index, completed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, step_index) DO NOTHING
	`, runID, stepIndex, at)
	if err != nil {
		return fmt.Errorf("record step completion: %w", err)
	}
	return nil
}

// FinishRun marks a run finished, optionally as abandoned. Finishing an
// already-finished run is a no-op.
func (r *SequenceRepository) FinishRun(ctx context.Context, runID uuid.UUID, abandoned bool, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE sequence_runs
		SET finished_at = COALESCE(finished_at, $1), abandoned = $2
		WHERE id = $3 AND finished_at IS NULL
	`, at, abandoned, runID)
	if err != nil {
		return fmt.Errorf("finish sequence run: %w", err)
	}
	return nil
}

// RecordStepDispatch is the guard layered inside side-effecting step
// actions: the dispatch row is written before the send, so an
// at-least-once re-invocation of the action finds the row and skips the
// send. A unique violation surfaces as ErrAlreadyRecorded.
func (r *SequenceRepository) RecordStepDispatch(ctx context.Context, runID uuid.UUID, stepIndex int) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO sequence_step_dispatches (run_id, step_index)
		VALUES ($1, $2)
	`, runID, stepIndex)
	if IsUniqueViolation(err) {
		return ErrAlreadyRecorded
	}
	if err != nil {
		return fmt.Errorf("record step dispatch: %w", err)
	}
	return nil
}

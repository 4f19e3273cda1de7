// Package sequence executes ordered, delay-spaced outbound steps with
// durable progress. Delays are wall-clock and can span days, so no
// goroutine ever sleeps across a step: the scheduler re-enters Tick,
// and a fresh process after a crash resumes from the persisted
// completion records.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
	"github.com/campwatch/campwatch/internal/metrics"
)

// Action is one step's side effect. Actions run at-least-once: a crash
// between the action and its completion record causes a re-invocation,
// so side-effecting actions must carry their own dispatch guard (see
// db.SequenceRepository.RecordStepDispatch).
type Action func(ctx context.Context, run *db.SequenceRun, stepIndex int) error

// AbandonCheck reports whether the subject's condition has changed such
// that the sequence should stop. Re-evaluated before every step, not
// only at start.
type AbandonCheck func(ctx context.Context, subjectID uuid.UUID) (bool, error)

// Step is one entry in a definition. Delay is measured from the
// completion of the previous step (for step 0, from the run's start).
type Step struct {
	Name   string
	Delay  time.Duration
	Action Action
}

// Definition is an ordered list of steps plus the abandon condition.
type Definition struct {
	Name    string
	Steps   []Step
	Abandon AbandonCheck
}

// RunStore is the durable state the runner needs.
// *db.SequenceRepository satisfies this.
type RunStore interface {
	StartRun(ctx context.Context, run *db.SequenceRun) error
	ActiveRuns(ctx context.Context) ([]*db.SequenceRun, error)
	Completions(ctx context.Context, runID uuid.UUID) ([]db.StepCompletion, error)
	RecordCompletion(ctx context.Context, runID uuid.UUID, stepIndex int, at time.Time) error
	FinishRun(ctx context.Context, runID uuid.UUID, abandoned bool, at time.Time) error
}

// Runner drives every registered definition's active runs.
type Runner struct {
	store  RunStore
	defs   map[string]Definition
	clock  func() time.Time
	logger *zap.Logger
}

// NewRunner creates a runner over the given definitions.
func NewRunner(store RunStore, logger *zap.Logger, defs ...Definition) *Runner {
	m := make(map[string]Definition, len(defs))
	for _, def := range defs {
		m[def.Name] = def
	}
	return &Runner{
		store:  store,
		defs:   m,
		clock:  time.Now,
		logger: logger,
	}
}

// Start begins a sequence for a subject. A run already active for the
// same (subject, definition) makes this a no-op; the storage layer's
// partial unique index is what prevents two interleaved runs.
func (r *Runner) Start(ctx context.Context, subjectID uuid.UUID, definition string) (*db.SequenceRun, error) {
	def, ok := r.defs[definition]
	if !ok {
		return nil, fmt.Errorf("unknown sequence definition: %s", definition)
	}

	run := &db.SequenceRun{
		ID:         uuid.New(),
		SubjectID:  subjectID,
		Definition: definition,
		TotalSteps: len(def.Steps),
	}

	err := r.store.StartRun(ctx, run)
	if errors.Is(err, db.ErrRunActive) {
		r.logger.Debug("sequence already active for subject, ignoring start",
			zap.String("subject_id", subjectID.String()),
			zap.String("definition", definition),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

// Tick advances every active run that is due. It is safe to call from
// any process at any time; progress is re-derived from the persisted
// completion records on every call.
func (r *Runner) Tick(ctx context.Context) error {
	runs, err := r.store.ActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("load active runs: %w", err)
	}

	for _, run := range runs {
		if err := r.advance(ctx, run); err != nil {
			// One stuck subject must not block the others.
			r.logger.Error("sequence advance failed",
				zap.Error(err),
				zap.String("run_id", run.ID.String()),
				zap.String("definition", run.Definition),
			)
		}
	}

	return nil
}

// advance runs at most one step of one run.
func (r *Runner) advance(ctx context.Context, run *db.SequenceRun) error {
	def, ok := r.defs[run.Definition]
	if !ok {
		// Definition removed from the binary; nothing sensible to run.
		r.logger.Warn("active run references unknown definition, finishing",
			zap.String("run_id", run.ID.String()),
			zap.String("definition", run.Definition),
		)
		return r.store.FinishRun(ctx, run.ID, true, r.clock())
	}

	comps, err := r.store.Completions(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load completions: %w", err)
	}

	next := len(comps)
	if next >= len(def.Steps) {
		return r.store.FinishRun(ctx, run.ID, false, r.clock())
	}

	// Delay from the previous step's completion (run start for step 0).
	anchor := run.StartedAt
	if next > 0 {
		anchor = comps[next-1].CompletedAt
	}
	if r.clock().Before(anchor.Add(def.Steps[next].Delay)) {
		return nil
	}

	if def.Abandon != nil {
		abandoned, err := def.Abandon(ctx, run.SubjectID)
		if err != nil {
			return fmt.Errorf("abandon check: %w", err)
		}
		if abandoned {
			r.logger.Info("sequence abandoned, subject condition changed",
				zap.String("run_id", run.ID.String()),
				zap.String("subject_id", run.SubjectID.String()),
				zap.String("definition", run.Definition),
			)
			return r.store.FinishRun(ctx, run.ID, true, r.clock())
		}
	}

	step := def.Steps[next]
	if err := step.Action(ctx, run, next); err != nil {
		return fmt.Errorf("step %d (%s): %w", next, step.Name, err)
	}

	// Completion is recorded only after the action returns; a crash in
	// between re-runs the action, which must tolerate that.
	if err := r.store.RecordCompletion(ctx, run.ID, next, r.clock()); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	metrics.RecordSequenceStep(run.Definition)

	r.logger.Info("sequence step executed",
		zap.String("run_id", run.ID.String()),
		zap.String("definition", run.Definition),
		zap.Int("step", next),
		zap.String("step_name", step.Name),
	)

	if next+1 >= len(def.Steps) {
		return r.store.FinishRun(ctx, run.ID, false, r.clock())
	}

	return nil
}

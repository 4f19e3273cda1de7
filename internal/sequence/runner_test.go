package sequence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
)

type fakeRunStore struct {
	mu          sync.Mutex
	runs        map[uuid.UUID]*db.SequenceRun
	completions map[uuid.UUID][]db.StepCompletion
	dispatches  map[string]bool
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:        make(map[uuid.UUID]*db.SequenceRun),
		completions: make(map[uuid.UUID][]db.StepCompletion),
		dispatches:  make(map[string]bool),
	}
}

func (f *fakeRunStore) StartRun(ctx context.Context, run *db.SequenceRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.runs {
		if existing.SubjectID == run.SubjectID && existing.Definition == run.Definition && existing.FinishedAt == nil {
			return db.ErrRunActive
		}
	}
	run.StartedAt = time.Now()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRunStore) ActiveRuns(ctx context.Context) ([]*db.SequenceRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.SequenceRun
	for _, run := range f.runs {
		if run.FinishedAt == nil {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeRunStore) Completions(ctx context.Context, runID uuid.UUID) ([]db.StepCompletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completions[runID], nil
}

func (f *fakeRunStore) RecordCompletion(ctx context.Context, runID uuid.UUID, stepIndex int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[runID] = append(f.completions[runID], db.StepCompletion{
		RunID: runID, StepIndex: stepIndex, CompletedAt: at,
	})
	return nil
}

func (f *fakeRunStore) FinishRun(ctx context.Context, runID uuid.UUID, abandoned bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return db.ErrNotFound
	}
	run.FinishedAt = &at
	run.Abandoned = abandoned
	return nil
}

func (f *fakeRunStore) RecordStepDispatch(ctx context.Context, runID uuid.UUID, stepIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%d", runID, stepIndex)
	if f.dispatches[key] {
		return db.ErrAlreadyRecorded
	}
	f.dispatches[key] = true
	return nil
}

// fakeClock lets tests jump wall-clock time across multi-day delays.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countingStep(name string, delay time.Duration, counter *int) Step {
	return Step{
		Name:  name,
		Delay: delay,
		Action: func(ctx context.Context, run *db.SequenceRun, stepIndex int) error {
			*counter++
			return nil
		},
	}
}

func TestRunner_DuplicateStartIsNoOp(t *testing.T) {
	store := newFakeRunStore()
	var ran int
	def := Definition{Name: "nudge", Steps: []Step{countingStep("only", 0, &ran)}}
	runner := NewRunner(store, zap.NewNop(), def)

	subject := uuid.New()
	first, err := runner.Start(context.Background(), subject, "nudge")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first == nil {
		t.Fatal("first start should create a run")
	}

	second, err := runner.Start(context.Background(), subject, "nudge")
	if err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
	if second != nil {
		t.Fatal("duplicate start must be a no-op")
	}
	if len(store.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(store.runs))
	}
}

func TestRunner_UnknownDefinitionRejected(t *testing.T) {
	runner := NewRunner(newFakeRunStore(), zap.NewNop())
	if _, err := runner.Start(context.Background(), uuid.New(), "ghost"); err == nil {
		t.Fatal("unknown definition must be rejected")
	}
}

func TestRunner_DelayGatesSteps(t *testing.T) {
	store := newFakeRunStore()
	clock := newFakeClock()
	var step1, step2 int
	def := Definition{Name: "nudge", Steps: []Step{
		countingStep("now", 0, &step1),
		countingStep("later", 24*time.Hour, &step2),
	}}
	runner := NewRunner(store, zap.NewNop(), def)
	runner.clock = clock.Now

	run, err := runner.Start(context.Background(), uuid.New(), "nudge")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run.StartedAt = clock.Now()

	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if step1 != 1 || step2 != 0 {
		t.Fatalf("after tick 1: steps ran %d/%d, want 1/0", step1, step2)
	}

	// Not yet due.
	clock.Advance(12 * time.Hour)
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if step2 != 0 {
		t.Fatal("step 2 ran before its delay elapsed")
	}

	clock.Advance(13 * time.Hour)
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if step2 != 1 {
		t.Fatal("step 2 should run once its delay elapsed")
	}
	if store.runs[run.ID].FinishedAt == nil || store.runs[run.ID].Abandoned {
		t.Fatal("run should finish cleanly after the last step")
	}
}

func TestRunner_ResumesFromPersistedCompletions(t *testing.T) {
	store := newFakeRunStore()
	clock := newFakeClock()
	var step1, step2 int
	def := Definition{Name: "nudge", Steps: []Step{
		countingStep("one", 0, &step1),
		countingStep("two", time.Hour, &step2),
	}}

	runner := NewRunner(store, zap.NewNop(), def)
	runner.clock = clock.Now
	run, _ := runner.Start(context.Background(), uuid.New(), "nudge")
	run.StartedAt = clock.Now()
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// A fresh runner over the same store models a process restart.
	restarted := NewRunner(store, zap.NewNop(), def)
	restarted.clock = clock.Now
	clock.Advance(2 * time.Hour)
	if err := restarted.Tick(context.Background()); err != nil {
		t.Fatalf("tick after restart: %v", err)
	}
	if step1 != 1 {
		t.Fatalf("step 1 ran %d times, want exactly 1", step1)
	}
	if step2 != 1 {
		t.Fatalf("step 2 ran %d times, want 1", step2)
	}
}

func TestRunner_AbandonCheckedBeforeEachStep(t *testing.T) {
	store := newFakeRunStore()
	clock := newFakeClock()
	var step2 int
	abandoned := false
	def := Definition{
		Name: "nudge",
		Steps: []Step{
			countingStep("one", 0, new(int)),
			countingStep("two", time.Hour, &step2),
		},
		Abandon: func(ctx context.Context, subjectID uuid.UUID) (bool, error) {
			return abandoned, nil
		},
	}
	runner := NewRunner(store, zap.NewNop(), def)
	runner.clock = clock.Now

	run, _ := runner.Start(context.Background(), uuid.New(), "nudge")
	run.StartedAt = clock.Now()
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Condition changes mid-run, before step 2 is due.
	abandoned = true
	clock.Advance(2 * time.Hour)
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if step2 != 0 {
		t.Fatal("abandoned run must not execute further steps")
	}
	if store.runs[run.ID].FinishedAt == nil || !store.runs[run.ID].Abandoned {
		t.Fatal("run should finish as abandoned")
	}
}

func TestRunner_UnknownDefinitionRunFinishedAbandoned(t *testing.T) {
	store := newFakeRunStore()
	run := &db.SequenceRun{ID: uuid.New(), SubjectID: uuid.New(), Definition: "retired", TotalSteps: 1}
	if err := store.StartRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	runner := NewRunner(store, zap.NewNop())
	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if store.runs[run.ID].FinishedAt == nil || !store.runs[run.ID].Abandoned {
		t.Fatal("run for a retired definition should finish abandoned")
	}
}

func TestRunner_OneFailingRunDoesNotBlockOthers(t *testing.T) {
	store := newFakeRunStore()
	var healthyRan int
	failing := Definition{Name: "failing", Steps: []Step{{
		Name:  "boom",
		Delay: 0,
		Action: func(ctx context.Context, run *db.SequenceRun, stepIndex int) error {
			return fmt.Errorf("smtp down")
		},
	}}}
	healthy := Definition{Name: "healthy", Steps: []Step{countingStep("ok", 0, &healthyRan)}}

	runner := NewRunner(store, zap.NewNop(), failing, healthy)
	clock := newFakeClock()
	runner.clock = clock.Now

	r1, _ := runner.Start(context.Background(), uuid.New(), "failing")
	r1.StartedAt = clock.Now()
	r2, _ := runner.Start(context.Background(), uuid.New(), "healthy")
	r2.StartedAt = clock.Now()

	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if healthyRan != 1 {
		t.Fatal("a failing run must not block the healthy one")
	}
	if len(store.completions[r1.ID]) != 0 {
		t.Fatal("a failed step must not record a completion")
	}
}

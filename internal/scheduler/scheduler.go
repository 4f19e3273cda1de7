package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
)

// RequestStore lists pending camp requests for processing.
type RequestStore interface {
	PendingRequests(ctx context.Context, limit int) ([]*db.CampRequest, error)
}

// JobStore lists queued and recently finished scrape jobs.
type JobStore interface {
	QueuedJobs(ctx context.Context, limit int) ([]*db.ScrapeJob, error)
	TerminalJobsSince(ctx context.Context, since time.Time) ([]*db.ScrapeJob, error)
}

// RequestProcessor runs the intake flow for a submitted request.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, id uuid.UUID) error
}

// JobExecutor runs a queued scrape job to completion.
type JobExecutor interface {
	Execute(ctx context.Context, jobID uuid.UUID) error
}

// SequenceTicker advances durable sequence runs and starts new ones.
type SequenceTicker interface {
	Start(ctx context.Context, subjectID uuid.UUID, definition string) (*db.SequenceRun, error)
	Tick(ctx context.Context) error
}

// WinbackSource lists families eligible for a winback run.
type WinbackSource interface {
	RecentlyUnsubscribedFamilies(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// AlertRaiser records operational alerts for triage.
type AlertRaiser interface {
	Raise(ctx context.Context, message, severity, alertType string) (uuid.UUID, error)
}

// Config holds polling intervals and thresholds.
type Config struct {
	RequestPollInterval   time.Duration
	JobPollInterval       time.Duration
	SequenceTickInterval  time.Duration
	FailureWatchInterval  time.Duration
	FailureAlertThreshold int
	JobBatchSize          int
}

// Scheduler drives the pipeline's background loops: request intake,
// scrape job execution, sequence advancement, and failure watching.
type Scheduler struct {
	requests  RequestStore
	jobs      JobStore
	intake    RequestProcessor
	engine    JobExecutor
	sequences SequenceTicker
	alerts    AlertRaiser
	config    Config
	logger    *zap.Logger

	winback    WinbackSource // nil when winback seeding is disabled
	winbackDef string

	mu         sync.Mutex
	lastRaised time.Time
}

// New creates a scheduler. The sequences ticker may be nil when no
// sequence definitions are registered.
func New(
	requests RequestStore,
	jobs JobStore,
	intake RequestProcessor,
	engine JobExecutor,
	sequences SequenceTicker,
	alerts AlertRaiser,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.RequestPollInterval == 0 {
		cfg.RequestPollInterval = 5 * time.Second
	}
	if cfg.JobPollInterval == 0 {
		cfg.JobPollInterval = 15 * time.Second
	}
	if cfg.SequenceTickInterval == 0 {
		cfg.SequenceTickInterval = time.Minute
	}
	if cfg.FailureWatchInterval == 0 {
		cfg.FailureWatchInterval = 5 * time.Minute
	}
	if cfg.FailureAlertThreshold == 0 {
		cfg.FailureAlertThreshold = 3
	}
	if cfg.JobBatchSize == 0 {
		cfg.JobBatchSize = 5
	}

	return &Scheduler{
		requests:  requests,
		jobs:      jobs,
		intake:    intake,
		engine:    engine,
		sequences: sequences,
		alerts:    alerts,
		config:    cfg,
		logger:    logger,
	}
}

// Start runs all background loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loop(ctx, s.config.RequestPollInterval, s.processRequests)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loop(ctx, s.config.JobPollInterval, s.processJobs)
	}()

	if s.sequences != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, s.config.SequenceTickInterval, s.tickSequences)
		}()
	}

	if s.alerts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, s.config.FailureWatchInterval, s.watchFailures)
		}()
	}

	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) processRequests(ctx context.Context) {
	pending, err := s.requests.PendingRequests(ctx, s.config.JobBatchSize)
	if err != nil {
		s.logger.Error("failed to list pending requests", zap.Error(err))
		return
	}

	for _, req := range pending {
		if err := s.intake.ProcessRequest(ctx, req.ID); err != nil {
			s.logger.Error("request processing failed",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
		}
	}
}

func (s *Scheduler) processJobs(ctx context.Context) {
	queued, err := s.jobs.QueuedJobs(ctx, s.config.JobBatchSize)
	if err != nil {
		s.logger.Error("failed to list queued jobs", zap.Error(err))
		return
	}

	for _, job := range queued {
		if err := s.engine.Execute(ctx, job.ID); err != nil {
			s.logger.Error("job execution failed",
				zap.Error(err),
				zap.String("job_id", job.ID.String()),
			)
		}
	}
}

// EnableWinbackSeeding makes every sequence tick also start winback
// runs for families that dropped their last subscription. Duplicate
// seeding is harmless: Start is a no-op for an active run.
func (s *Scheduler) EnableWinbackSeeding(source WinbackSource, definition string) {
	s.winback = source
	s.winbackDef = definition
}

func (s *Scheduler) tickSequences(ctx context.Context) {
	if s.winback != nil {
		s.seedWinbackRuns(ctx)
	}

	if err := s.sequences.Tick(ctx); err != nil {
		s.logger.Error("sequence tick failed", zap.Error(err))
	}
}

func (s *Scheduler) seedWinbackRuns(ctx context.Context) {
	// Look back two intervals so a slow tick can't skip anyone.
	since := time.Now().Add(-2 * s.config.SequenceTickInterval)

	families, err := s.winback.RecentlyUnsubscribedFamilies(ctx, since)
	if err != nil {
		s.logger.Error("failed to list unsubscribed families", zap.Error(err))
		return
	}

	for _, familyID := range families {
		if _, err := s.sequences.Start(ctx, familyID, s.winbackDef); err != nil {
			s.logger.Error("failed to start winback run",
				zap.Error(err),
				zap.String("family_id", familyID.String()),
			)
		}
	}
}

// watchFailures raises a triage alert when too many jobs failed inside
// the watch window. At most one alert is raised per window so repeated
// ticks don't flood triage.
func (s *Scheduler) watchFailures(ctx context.Context) {
	since := time.Now().Add(-s.config.FailureWatchInterval)

	terminal, err := s.jobs.TerminalJobsSince(ctx, since)
	if err != nil {
		s.logger.Error("failed to list terminal jobs", zap.Error(err))
		return
	}

	failed := 0
	for _, job := range terminal {
		if job.Status == db.JobFailed {
			failed++
		}
	}

	if failed < s.config.FailureAlertThreshold {
		return
	}

	s.mu.Lock()
	recentlyRaised := time.Since(s.lastRaised) < s.config.FailureWatchInterval
	if !recentlyRaised {
		s.lastRaised = time.Now()
	}
	s.mu.Unlock()

	if recentlyRaised {
		return
	}

	msg := "scrape failure rate above threshold"
	if _, err := s.alerts.Raise(ctx, msg, db.SeverityError, "scrape_failures"); err != nil {
		s.logger.Error("failed to raise failure alert", zap.Error(err))
		return
	}

	s.logger.Warn("scrape failure alert raised",
		zap.Int("failed", failed),
		zap.Int("threshold", s.config.FailureAlertThreshold),
	)
}

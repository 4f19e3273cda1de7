// Package scrape owns the scrape job lifecycle: it books one ingestion
// attempt from queued to a terminal state, delegates data extraction to
// an external collaborator, and writes the availability snapshots that
// feed change detection.
package scrape

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

// ExtractedSession is one session observed at a provider site.
type ExtractedSession struct {
	Name             string
	StartDate        time.Time
	EndDate          time.Time
	TimeText         string
	PriceText        string
	AgeGradeText     string
	EnrolledCount    int
	Capacity         int
	RegistrationOpen bool
}

// Extractor is the external extraction engine. Failures propagate as a
// job failed transition with the error text preserved verbatim.
type Extractor interface {
	Extract(ctx context.Context, source *db.ScrapeSource) ([]ExtractedSession, error)
}

// JobStore is the job lifecycle persistence the engine needs.
// *db.JobRepository satisfies this.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*db.ScrapeJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, found, created, updated int) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error
}

// SourceStore resolves the job's source. *db.SourceRepository satisfies
// this.
type SourceStore interface {
	GetSource(ctx context.Context, id uuid.UUID) (*db.ScrapeSource, error)
}

// SessionStore persists sessions and snapshots. *db.SessionRepository
// satisfies this.
type SessionStore interface {
	UpsertSession(ctx context.Context, sess *db.CampSession) (bool, error)
	LatestSnapshot(ctx context.Context, sessionID uuid.UUID) (*db.AvailabilitySnapshot, error)
	InsertSnapshot(ctx context.Context, snap *db.AvailabilitySnapshot) error
}

// ChangeDetector consumes each new snapshot. *detect.Detector satisfies
// this.
type ChangeDetector interface {
	Evaluate(ctx context.Context, prev, cur *db.AvailabilitySnapshot, newlyDiscovered bool) error
}

// Engine runs one ingestion attempt end to end. A given job has exactly
// one writer; terminal-state protection is still enforced defensively
// in the store layer.
type Engine struct {
	jobs     JobStore
	sources  SourceStore
	sessions SessionStore
	detector ChangeDetector
	extract  Extractor
	logger   *zap.Logger
}

// NewEngine creates a job lifecycle engine.
func NewEngine(
	jobs JobStore,
	sources SourceStore,
	sessions SessionStore,
	detector ChangeDetector,
	extract Extractor,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		jobs:     jobs,
		sources:  sources,
		sessions: sessions,
		detector: detector,
		extract:  extract,
		logger:   logger,
	}
}

// Execute runs the job with the given id to a terminal state. Extraction
// failures are recorded on the job, not returned; the error return is
// reserved for faults in the engine's own
// bookkeeping, including invariant violations.
func (e *Engine) Execute(ctx context.Context, jobID uuid.UUID) error {
	start := time.Now()

	if err := e.jobs.MarkRunning(ctx, jobID); err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	source, err := e.sources.GetSource(ctx, job.SourceID)
	if err != nil {
		return e.fail(ctx, jobID, start, fmt.Sprintf("load source: %v", err))
	}

	e.logger.Info("scrape job running",
		zap.String("job_id", jobID.String()),
		zap.String("domain", source.Domain),
	)

	extracted, err := e.extract.Extract(ctx, source)
	if err != nil {
		// Error text preserved verbatim for operator diagnosis.
		return e.fail(ctx, jobID, start, err.Error())
	}

	var found, created, updated int
	for _, item := range extracted {
		wasCreated, err := e.applySession(ctx, source, item)
		if err != nil {
			return e.fail(ctx, jobID, start, fmt.Sprintf("apply session %q: %v", item.Name, err))
		}
		found++
		if wasCreated {
			created++
		} else {
			updated++
		}
	}

	if err := e.jobs.MarkCompleted(ctx, jobID, found, created, updated); err != nil {
		return err
	}
	metrics.RecordJobProcessed(db.JobCompleted, time.Since(start))

	return nil
}

// applySession upserts the session, appends a snapshot, and hands the
// transition to the change detector.
func (e *Engine) applySession(ctx context.Context, source *db.ScrapeSource, item ExtractedSession) (bool, error) {
	sess := &db.CampSession{
		SourceID:  source.ID,
		Name:      item.Name,
		StartDate: item.StartDate,
		EndDate:   item.EndDate,
	}
	if item.TimeText != "" {
		sess.TimeText = &item.TimeText
	}
	if item.PriceText != "" {
		sess.PriceText = &item.PriceText
	}
	if item.AgeGradeText != "" {
		sess.AgeGradeText = &item.AgeGradeText
	}

	wasCreated, err := e.sessions.UpsertSession(ctx, sess)
	if err != nil {
		return false, err
	}

	prev, err := e.sessions.LatestSnapshot(ctx, sess.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return wasCreated, err
	}
	if errors.Is(err, db.ErrNotFound) {
		prev = nil
	}

	snap := &db.AvailabilitySnapshot{
		SessionID:        sess.ID,
		EnrolledCount:    item.EnrolledCount,
		Capacity:         item.Capacity,
		RegistrationOpen: item.RegistrationOpen,
	}
	if err := e.sessions.InsertSnapshot(ctx, snap); err != nil {
		return wasCreated, err
	}
	metrics.RecordSnapshot()

	// The job-level newly-discovered flag: a session first seen by this
	// job, already open, counts as an opening event.
	if err := e.detector.Evaluate(ctx, prev, snap, wasCreated); err != nil {
		return wasCreated, err
	}

	return wasCreated, nil
}

func (e *Engine) fail(ctx context.Context, jobID uuid.UUID, start time.Time, errorMsg string) error {
	if err := e.jobs.MarkFailed(ctx, jobID, errorMsg); err != nil {
		return err
	}
	metrics.RecordJobProcessed(db.JobFailed, time.Since(start))
	return nil
}

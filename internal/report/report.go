// Package report aggregates pipeline health over a rolling 24-hour
// window. Computation is pure and read-only: running it twice with no
// intervening writes yields identical output.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/campwatch/campwatch/internal/db"
)

// Window is the reporting lookback.
const Window = 24 * time.Hour

// JobStore supplies terminal jobs in the window.
// *db.JobRepository satisfies this.
type JobStore interface {
	TerminalJobsSince(ctx context.Context, since time.Time) ([]*db.ScrapeJob, error)
}

// AlertLister supplies the triage view for the same window.
// *triage.Service satisfies this.
type AlertLister interface {
	ListUnacknowledged(ctx context.Context, since time.Time) ([]*db.Alert, error)
}

// JobStats aggregates terminal jobs. Session sums count completed jobs
// only; failed jobs contribute zero even when partially populated.
type JobStats struct {
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	SessionsFound   int `json:"sessions_found"`
	SessionsCreated int `json:"sessions_created"`
	SessionsUpdated int `json:"sessions_updated"`
}

// DailyReport is the aggregate over the rolling window.
type DailyReport struct {
	WindowStart          time.Time   `json:"window_start"`
	WindowEnd            time.Time   `json:"window_end"`
	Jobs                 JobStats    `json:"jobs"`
	UnacknowledgedAlerts []*db.Alert `json:"unacknowledged_alerts"`
}

// Service computes daily reports.
type Service struct {
	jobs   JobStore
	alerts AlertLister
	clock  func() time.Time
}

// New creates the reporting service.
func New(jobs JobStore, alerts AlertLister) *Service {
	return &Service{
		jobs:   jobs,
		alerts: alerts,
		clock:  time.Now,
	}
}

// Daily computes the report for the 24 hours ending now.
func (s *Service) Daily(ctx context.Context) (*DailyReport, error) {
	end := s.clock()
	start := end.Add(-Window)

	jobs, err := s.jobs.TerminalJobsSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("load terminal jobs: %w", err)
	}

	alerts, err := s.alerts.ListUnacknowledged(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}

	rep := &DailyReport{
		WindowStart:          start,
		WindowEnd:            end,
		Jobs:                 Aggregate(jobs),
		UnacknowledgedAlerts: alerts,
	}
	if rep.UnacknowledgedAlerts == nil {
		rep.UnacknowledgedAlerts = []*db.Alert{}
	}

	return rep, nil
}

// Aggregate folds terminal jobs into JobStats.
func Aggregate(jobs []*db.ScrapeJob) JobStats {
	var stats JobStats
	for _, job := range jobs {
		switch job.Status {
		case db.JobCompleted:
			stats.Completed++
			stats.SessionsFound += job.SessionsFound
			stats.SessionsCreated += job.SessionsCreated
			stats.SessionsUpdated += job.SessionsUpdated
		case db.JobFailed:
			stats.Failed++
		}
	}
	return stats
}

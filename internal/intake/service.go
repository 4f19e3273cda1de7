// Package intake turns raw camp-addition requests into scrape sources
// without ever creating a duplicate source for a domain.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/catalog"
	"github.com/campwatch/campwatch/internal/db"
)

// RequestStore is the camp request persistence the service needs.
// *db.RequestRepository satisfies this.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *db.CampRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*db.CampRequest, error)
	PendingRequests(ctx context.Context, limit int) ([]*db.CampRequest, error)
	TransitionRequest(ctx context.Context, id uuid.UUID, status string, sourceID, orgID *uuid.UUID, errorMsg *string) error
}

// SourceStore is the source registry. *db.SourceRepository satisfies
// this.
type SourceStore interface {
	GetSourceByDomain(ctx context.Context, domain string) (*db.ScrapeSource, error)
	CreateSourceWithOrganization(ctx context.Context, domain, orgName, website string) (*db.ScrapeSource, *db.Organization, error)
}

// JobQueue enqueues the first ingestion attempt for a new source.
// *db.JobRepository satisfies this.
type JobQueue interface {
	EnqueueJob(ctx context.Context, sourceID uuid.UUID) (*db.ScrapeJob, error)
}

// SourceAnnouncer fans newly created sources out to external scraper
// fleets. Optional; *sqs.Producer satisfies this.
type SourceAnnouncer interface {
	AnnounceSource(ctx context.Context, source *db.ScrapeSource, jobID uuid.UUID) (string, error)
}

// CityResolver resolves a city reference. *catalog.Resolver satisfies
// this.
type CityResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (*catalog.City, error)
}

// SubmitInput is one raw camp-addition request.
type SubmitInput struct {
	CityID       uuid.UUID
	WebsiteURL   string
	OrgNameHint  string
	CampNameHint string
	Notes        string
}

// Service implements request intake and source deduplication.
type Service struct {
	requests  RequestStore
	sources   SourceStore
	jobs      JobQueue
	cities    CityResolver
	announcer SourceAnnouncer // nil when SQS fan-out is not configured
	logger    *zap.Logger
}

// New creates the intake service. announcer may be nil.
func New(
	requests RequestStore,
	sources SourceStore,
	jobs JobQueue,
	cities CityResolver,
	announcer SourceAnnouncer,
	logger *zap.Logger,
) *Service {
	return &Service{
		requests:  requests,
		sources:   sources,
		jobs:      jobs,
		cities:    cities,
		announcer: announcer,
		logger:    logger,
	}
}

// SubmitRequest records a pending camp request for asynchronous
// processing and returns its id.
func (s *Service) SubmitRequest(ctx context.Context, in SubmitInput) (uuid.UUID, error) {
	if in.CityID == uuid.Nil {
		return uuid.Nil, db.NewValidationError("a city is required")
	}

	req := &db.CampRequest{
		ID:     uuid.New(),
		CityID: in.CityID,
		Status: db.RequestPending,
	}
	if in.WebsiteURL != "" {
		req.WebsiteURL = &in.WebsiteURL
	}
	if in.OrgNameHint != "" {
		req.OrgNameHint = &in.OrgNameHint
	}
	if in.CampNameHint != "" {
		req.CampNameHint = &in.CampNameHint
	}
	if in.Notes != "" {
		req.Notes = &in.Notes
	}

	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return uuid.Nil, err
	}

	return req.ID, nil
}

// ProcessRequest drives one pending request to a terminal state.
func (s *Service) ProcessRequest(ctx context.Context, id uuid.UUID) error {
	req, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	if db.RequestTerminal(req.Status) {
		// Terminal requests are never re-processed.
		return nil
	}

	if _, err := s.cities.Resolve(ctx, req.CityID); err != nil {
		if errors.Is(err, catalog.ErrUnknownCity) {
			return s.failRequest(ctx, id, "we don't cover that city yet")
		}
		return fmt.Errorf("resolve city: %w", err)
	}

	if req.WebsiteURL == nil || *req.WebsiteURL == "" {
		// The pipeline does not attempt web search on the camp's behalf.
		return s.failRequest(ctx, id, "we need the camp's website URL to add it")
	}

	if err := s.requests.TransitionRequest(ctx, id, db.RequestScraping, nil, nil, nil); err != nil {
		return fmt.Errorf("transition to scraping: %w", err)
	}

	domain, err := NormalizeDomain(*req.WebsiteURL)
	if err != nil {
		return s.failRequest(ctx, id, fmt.Sprintf("that website URL doesn't look valid: %v", err))
	}

	existing, err := s.sources.GetSourceByDomain(ctx, domain)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("registry lookup: %w", err)
	}
	if existing != nil {
		s.logger.Info("camp request resolved to existing source",
			zap.String("request_id", id.String()),
			zap.String("domain", domain),
			zap.String("source_id", existing.ID.String()),
		)
		return s.requests.TransitionRequest(ctx, id, db.RequestDuplicate, &existing.ID, existing.OrganizationID, nil)
	}

	orgName := domain
	if req.OrgNameHint != nil && *req.OrgNameHint != "" {
		orgName = *req.OrgNameHint
	} else if req.CampNameHint != nil && *req.CampNameHint != "" {
		orgName = *req.CampNameHint
	}

	source, org, err := s.sources.CreateSourceWithOrganization(ctx, domain, orgName, *req.WebsiteURL)
	if err != nil {
		if db.IsUniqueViolation(err) {
			// A concurrent request won the race; resolve to its source.
			winner, lookupErr := s.sources.GetSourceByDomain(ctx, domain)
			if lookupErr != nil {
				return fmt.Errorf("resolve concurrent source: %w", lookupErr)
			}
			return s.requests.TransitionRequest(ctx, id, db.RequestDuplicate, &winner.ID, winner.OrganizationID, nil)
		}
		return s.failRequest(ctx, id, fmt.Sprintf("could not create the source: %v", err))
	}

	job, err := s.jobs.EnqueueJob(ctx, source.ID)
	if err != nil {
		return s.failRequest(ctx, id, fmt.Sprintf("could not queue the first scrape: %v", err))
	}

	if s.announcer != nil {
		if _, err := s.announcer.AnnounceSource(ctx, source, job.ID); err != nil {
			s.logger.Warn("source announcement failed",
				zap.Error(err),
				zap.String("source_id", source.ID.String()),
			)
		}
	}

	return s.requests.TransitionRequest(ctx, id, db.RequestCompleted, &source.ID, &org.ID, nil)
}

func (s *Service) failRequest(ctx context.Context, id uuid.UUID, msg string) error {
	s.logger.Info("camp request failed",
		zap.String("request_id", id.String()),
		zap.String("reason", msg),
	)
	return s.requests.TransitionRequest(ctx, id, db.RequestFailed, nil, nil, &msg)
}

// NormalizeDomain extracts the dedup key from a website URL: the
// lowercased hostname with any leading www. stripped. A scheme-less
// input like "sunnycamp.org/register" is accepted.
func NormalizeDomain(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") {
		return "", fmt.Errorf("no usable hostname in %q", rawURL)
	}

	return host, nil
}

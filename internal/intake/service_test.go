package intake

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/catalog"
	"github.com/campwatch/campwatch/internal/db"
)

type fakeRequestStore struct {
	requests map[uuid.UUID]*db.CampRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{requests: make(map[uuid.UUID]*db.CampRequest)}
}

func (f *fakeRequestStore) CreateRequest(ctx context.Context, req *db.CampRequest) error {
	f.requests[req.ID] = req
	return nil
}

func (f *fakeRequestStore) GetRequest(ctx context.Context, id uuid.UUID) (*db.CampRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return req, nil
}

func (f *fakeRequestStore) PendingRequests(ctx context.Context, limit int) ([]*db.CampRequest, error) {
	var out []*db.CampRequest
	for _, req := range f.requests {
		if req.Status == db.RequestPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *fakeRequestStore) TransitionRequest(ctx context.Context, id uuid.UUID, status string, sourceID, orgID *uuid.UUID, errorMsg *string) error {
	req, ok := f.requests[id]
	if !ok {
		return db.ErrNotFound
	}
	if db.RequestTerminal(req.Status) {
		return db.ErrTerminalState
	}
	req.Status = status
	if sourceID != nil {
		req.SourceID = sourceID
	}
	if orgID != nil {
		req.OrganizationID = orgID
	}
	if errorMsg != nil {
		req.ErrorMessage = errorMsg
	}
	return nil
}

type fakeSourceStore struct {
	byDomain map[string]*db.ScrapeSource
	// conflictOnCreate simulates a concurrent request winning the
	// insert race after the lookup saw nothing.
	conflictOnCreate bool
	createCalls      int
}

func newFakeSourceStore() *fakeSourceStore {
	return &fakeSourceStore{byDomain: make(map[string]*db.ScrapeSource)}
}

func (f *fakeSourceStore) GetSourceByDomain(ctx context.Context, domain string) (*db.ScrapeSource, error) {
	src, ok := f.byDomain[domain]
	if !ok {
		return nil, db.ErrNotFound
	}
	return src, nil
}

func (f *fakeSourceStore) CreateSourceWithOrganization(ctx context.Context, domain, orgName, website string) (*db.ScrapeSource, *db.Organization, error) {
	f.createCalls++
	if f.conflictOnCreate {
		orgID := uuid.New()
		f.byDomain[domain] = &db.ScrapeSource{ID: uuid.New(), Domain: domain, OrganizationID: &orgID}
		pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "scrape_sources_domain_key"}
		return nil, nil, fmt.Errorf("insert source: %w", pgErr)
	}
	org := &db.Organization{ID: uuid.New(), Name: orgName, Website: &website}
	src := &db.ScrapeSource{ID: uuid.New(), Domain: domain, OrganizationID: &org.ID}
	f.byDomain[domain] = src
	return src, org, nil
}

type fakeJobQueue struct {
	enqueued []uuid.UUID
	err      error
}

func (f *fakeJobQueue) EnqueueJob(ctx context.Context, sourceID uuid.UUID) (*db.ScrapeJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, sourceID)
	return &db.ScrapeJob{ID: uuid.New(), SourceID: sourceID, Status: db.JobQueued}, nil
}

type fakeCityResolver struct {
	known map[uuid.UUID]bool
}

func (f *fakeCityResolver) Resolve(ctx context.Context, id uuid.UUID) (*catalog.City, error) {
	if !f.known[id] {
		return nil, catalog.ErrUnknownCity
	}
	return &catalog.City{ID: id, Name: "Seattle"}, nil
}

type fakeAnnouncer struct {
	announced int
	err       error
}

func (f *fakeAnnouncer) AnnounceSource(ctx context.Context, source *db.ScrapeSource, jobID uuid.UUID) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.announced++
	return "sqs-msg-1", nil
}

func strptr(s string) *string { return &s }

type testIntake struct {
	svc       *Service
	requests  *fakeRequestStore
	sources   *fakeSourceStore
	jobs      *fakeJobQueue
	announcer *fakeAnnouncer
	cityID    uuid.UUID
}

func newTestIntake(t *testing.T) *testIntake {
	t.Helper()
	cityID := uuid.New()
	requests := newFakeRequestStore()
	sources := newFakeSourceStore()
	jobs := &fakeJobQueue{}
	announcer := &fakeAnnouncer{}
	cities := &fakeCityResolver{known: map[uuid.UUID]bool{cityID: true}}
	svc := New(requests, sources, jobs, cities, announcer, zap.NewNop())
	return &testIntake{svc: svc, requests: requests, sources: sources, jobs: jobs, announcer: announcer, cityID: cityID}
}

func (ti *testIntake) pending(url string) uuid.UUID {
	id := uuid.New()
	req := &db.CampRequest{ID: id, CityID: ti.cityID, Status: db.RequestPending}
	if url != "" {
		req.WebsiteURL = strptr(url)
	}
	ti.requests.requests[id] = req
	return id
}

func TestSubmitRequest_RequiresCity(t *testing.T) {
	ti := newTestIntake(t)

	_, err := ti.svc.SubmitRequest(context.Background(), SubmitInput{})
	var verr *db.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProcessRequest_HappyPath(t *testing.T) {
	ti := newTestIntake(t)
	id := ti.pending("https://www.SunnyCamp.org/register")

	if err := ti.svc.ProcessRequest(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := ti.requests.requests[id]
	if req.Status != db.RequestCompleted {
		t.Fatalf("status = %s, want completed", req.Status)
	}
	if req.SourceID == nil || req.OrganizationID == nil {
		t.Fatal("completed request must link source and organization")
	}
	if len(ti.jobs.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(ti.jobs.enqueued))
	}
	if ti.announcer.announced != 1 {
		t.Fatalf("expected 1 announcement, got %d", ti.announcer.announced)
	}
	if _, ok := ti.sources.byDomain["sunnycamp.org"]; !ok {
		t.Fatal("source should be registered under the normalized domain")
	}
}

func TestProcessRequest_UnknownCityFails(t *testing.T) {
	ti := newTestIntake(t)
	id := uuid.New()
	ti.requests.requests[id] = &db.CampRequest{
		ID: id, CityID: uuid.New(), Status: db.RequestPending,
		WebsiteURL: strptr("https://camp.org"),
	}

	if err := ti.svc.ProcessRequest(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := ti.requests.requests[id]
	if req.Status != db.RequestFailed {
		t.Fatalf("status = %s, want failed", req.Status)
	}
	if req.ErrorMessage == nil || *req.ErrorMessage != "we don't cover that city yet" {
		t.Fatalf("error message = %v", req.ErrorMessage)
	}
}

func TestProcessRequest_MissingURLFails(t *testing.T) {
	ti := newTestIntake(t)
	id := ti.pending("")

	if err := ti.svc.ProcessRequest(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := ti.requests.requests[id]
	if req.Status != db.RequestFailed {
		t.Fatalf("status = %s, want failed", req.Status)
	}
	if req.ErrorMessage == nil || *req.ErrorMessage != "we need the camp's website URL to add it" {
		t.Fatalf("error message = %v", req.ErrorMessage)
	}
	if ti.sources.createCalls != 0 {
		t.Fatal("no source should be created without a URL")
	}
}

func TestProcessRequest_ExistingDomainIsDuplicate(t *testing.T) {
	ti := newTestIntake(t)
	orgID := uuid.New()
	existing := &db.ScrapeSource{ID: uuid.New(), Domain: "sunnycamp.org", OrganizationID: &orgID}
	ti.sources.byDomain["sunnycamp.org"] = existing

	id := ti.pending("http://sunnycamp.org")
	if err := ti.svc.ProcessRequest(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := ti.requests.requests[id]
	if req.Status != db.RequestDuplicate {
		t.Fatalf("status = %s, want duplicate", req.Status)
	}
	if req.SourceID == nil || *req.SourceID != existing.ID {
		t.Fatal("duplicate must resolve to the existing source")
	}
	if len(ti.jobs.enqueued) != 0 {
		t.Fatal("duplicate must not enqueue a job")
	}
}

func TestProcessRequest_InsertRaceResolvesToWinner(t *testing.T) {
	ti := newTestIntake(t)
	ti.sources.conflictOnCreate = true

	id := ti.pending("https://sunnycamp.org")
	if err := ti.svc.ProcessRequest(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}

	req := ti.requests.requests[id]
	if req.Status != db.RequestDuplicate {
		t.Fatalf("status = %s, want duplicate", req.Status)
	}
	winner := ti.sources.byDomain["sunnycamp.org"]
	if req.SourceID == nil || *req.SourceID != winner.ID {
		t.Fatal("race loser must resolve to the winner's source")
	}
}

func TestProcessRequest_TerminalIsNoOp(t *testing.T) {
	ti := newTestIntake(t)
	id := uuid.New()
	ti.requests.requests[id] = &db.CampRequest{
		ID: id, CityID: ti.cityID, Status: db.RequestCompleted,
		WebsiteURL: strptr("https://sunnycamp.org"),
	}

	if err := ti.svc.ProcessRequest(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ti.sources.createCalls != 0 || len(ti.jobs.enqueued) != 0 {
		t.Fatal("terminal request must not be re-processed")
	}
}

func TestProcessRequest_AnnouncerFailureDoesNotFailRequest(t *testing.T) {
	ti := newTestIntake(t)
	ti.announcer.err = fmt.Errorf("sqs unavailable")

	id := ti.pending("https://sunnycamp.org")
	if err := ti.svc.ProcessRequest(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ti.requests.requests[id].Status != db.RequestCompleted {
		t.Fatal("announcement failure must not fail the request")
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://www.sunnycamp.org/register", "sunnycamp.org", false},
		{"http://SunnyCamp.ORG", "sunnycamp.org", false},
		{"sunnycamp.org/register", "sunnycamp.org", false},
		{"  https://camps.example.com  ", "camps.example.com", false},
		{"www.camps.example.com", "camps.example.com", false},
		{"", "", true},
		{"not a url", "", true},
		{"https://localhost", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeDomain(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeDomain(%q): expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeDomain(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

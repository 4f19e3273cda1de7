package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/catalog"
	"github.com/campwatch/campwatch/internal/config"
	"github.com/campwatch/campwatch/internal/db"
	"github.com/campwatch/campwatch/internal/intake"
	"github.com/campwatch/campwatch/internal/metrics"
	"github.com/campwatch/campwatch/internal/redis"
	"github.com/campwatch/campwatch/internal/report"
)

// Submitter accepts camp request submissions. *intake.Service
// satisfies this.
type Submitter interface {
	SubmitRequest(ctx context.Context, in intake.SubmitInput) (uuid.UUID, error)
}

// RequestReader retrieves camp requests.
type RequestReader interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*db.CampRequest, error)
}

// JobReader retrieves scrape jobs.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*db.ScrapeJob, error)
	QueuedJobs(ctx context.Context, limit int) ([]*db.ScrapeJob, error)
	TerminalJobsSince(ctx context.Context, since time.Time) ([]*db.ScrapeJob, error)
}

// TriageService lists and acknowledges operational alerts.
type TriageService interface {
	ListUnacknowledged(ctx context.Context, since time.Time) ([]*db.Alert, error)
	Acknowledge(ctx context.Context, id uuid.UUID) (time.Time, error)
}

// ReportService produces the daily ingestion report.
type ReportService interface {
	Daily(ctx context.Context) (*report.DailyReport, error)
}

// CityLister enumerates cities available for request submission.
type CityLister interface {
	Cities() []catalog.City
}

// RequestSubmission represents the incoming request body for
// POST /v1/requests.
type RequestSubmission struct {
	CityID       string `json:"city_id"`
	WebsiteURL   string `json:"website_url"`
	OrgNameHint  string `json:"org_name_hint,omitempty"`
	CampNameHint string `json:"camp_name_hint,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// RequestResponse is returned after accepting a camp request.
type RequestResponse struct {
	ID string `json:"id"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger      *zap.Logger
	intake      Submitter
	requests    RequestReader
	jobs        JobReader
	triage      TriageService
	reports     ReportService
	cities      CityLister
	idempotency *redis.IdempotencyService // nil if Redis not configured
	cfg         *config.Config
}

// NewHandler creates a new API handler.
func NewHandler(
	logger *zap.Logger,
	intake Submitter,
	requests RequestReader,
	jobs JobReader,
	triage TriageService,
	reports ReportService,
	cities CityLister,
	idempotency *redis.IdempotencyService,
	cfg *config.Config,
) *Handler {
	return &Handler{
		logger:      logger,
		intake:      intake,
		requests:    requests,
		jobs:        jobs,
		triage:      triage,
		reports:     reports,
		cities:      cities,
		idempotency: idempotency,
		cfg:         cfg,
	}
}

// CreateRequest handles POST /v1/requests.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req RequestSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.CityID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "city_id is required")
		return
	}

	cityID, err := uuid.Parse(req.CityID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid city_id", "city_id must be a valid UUID")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := RequestResponse{ID: cachedResult.RequestID}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	id, err := h.intake.SubmitRequest(ctx, intake.SubmitInput{
		CityID:       cityID,
		WebsiteURL:   req.WebsiteURL,
		OrgNameHint:  req.OrgNameHint,
		CampNameHint: req.CampNameHint,
		Notes:        req.Notes,
	})
	if err != nil {
		var verr *db.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid submission", verr.Error())
			return
		}
		h.logger.Error("failed to create camp request",
			zap.Error(err),
			zap.String("city_id", req.CityID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create request", "")
		return
	}

	h.logger.Info("camp request accepted",
		zap.String("id", id.String()),
		zap.String("city_id", req.CityID),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			RequestID:  id.String(),
			StatusCode: http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(RequestResponse{ID: id.String()})
}

// GetRequest handles GET /v1/requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	reqID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request ID", "ID must be a valid UUID")
		return
	}

	req, err := h.requests.GetRequest(ctx, reqID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Request not found", "")
			return
		}
		h.logger.Error("failed to get request",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get request", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(req)
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	jobID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	job, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
			return
		}
		h.logger.Error("failed to get job",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get job", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(job)
}

// ListJobs handles GET /v1/jobs?state=queued|finished&limit=20.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	state := r.URL.Query().Get("state")

	var (
		jobs []*db.ScrapeJob
		err  error
	)
	switch state {
	case "", "queued":
		jobs, err = h.jobs.QueuedJobs(ctx, limit)
	case "finished":
		jobs, err = h.jobs.TerminalJobsSince(ctx, time.Now().Add(-report.Window))
		if err == nil && len(jobs) > limit {
			jobs = jobs[:limit]
		}
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid state",
			"state must be queued or finished")
		return
	}
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list jobs", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  jobs,
		"count": len(jobs),
	})
}

// ListAlerts handles GET /v1/alerts?since=<RFC3339>.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	since := time.Now().Add(-report.Window)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since",
				"since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	alerts, err := h.triage.ListUnacknowledged(ctx, since)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  alerts,
		"count": len(alerts),
	})
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/ack. Restricted to
// configured admins via the X-Admin-Email header.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	adminEmail := r.Header.Get("X-Admin-Email")
	if adminEmail == "" || !h.cfg.IsAdmin(adminEmail) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Admin access required",
			"acknowledging alerts requires an admin identity")
		return
	}

	idStr := chi.URLParam(r, "id")
	alertID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return
	}

	ackedAt, err := h.triage.Acknowledge(ctx, alertID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		h.logger.Error("failed to acknowledge alert",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to acknowledge alert", "")
		return
	}

	h.logger.Info("alert acknowledged",
		zap.String("id", idStr),
		zap.String("admin", adminEmail),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":              idStr,
		"acknowledged_at": ackedAt.UTC().Format(time.RFC3339),
	})
}

// DailyReport handles GET /v1/reports/daily.
func (h *Handler) DailyReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.reports.Daily(ctx)
	if err != nil {
		h.logger.Error("failed to build daily report", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build report", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rep)
}

// ListCities handles GET /v1/cities.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	cities := h.cities.Cities()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  cities,
		"count": len(cities),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

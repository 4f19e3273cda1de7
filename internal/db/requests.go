package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// RequestRepository handles camp addition requests.
type RequestRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRequestRepository creates a new camp request repository.
func NewRequestRepository(db *DB, logger *zap.Logger) *RequestRepository {
	return &RequestRepository{db: db, logger: logger}
}

// CreateRequest inserts a new pending camp request.
func (r *RequestRepository) CreateRequest(ctx context.Context, req *CampRequest) error {
	query := `
		INSERT INTO camp_requests (
			id, city_id, website_url, org_name_hint, camp_name_hint, notes, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		req.ID,
		req.CityID,
		req.WebsiteURL,
		req.OrgNameHint,
		req.CampNameHint,
		req.Notes,
		req.Status,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create camp request",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
		)
		return fmt.Errorf("insert camp request: %w", err)
	}

	r.logger.Info("camp request created",
		zap.String("request_id", req.ID.String()),
		zap.String("city_id", req.CityID.String()),
	)

	return nil
}

// GetRequest retrieves a camp request by ID.
func (r *RequestRepository) GetRequest(ctx context.Context, id uuid.UUID) (*CampRequest, error) {
	query := `
		SELECT
			id, city_id, website_url, org_name_hint, camp_name_hint, notes,
			status, source_id, organization_id, error_message,
			created_at, updated_at
		FROM camp_requests
		WHERE id = $1
	`

	var req CampRequest
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&req.ID,
		&req.CityID,
		&req.WebsiteURL,
		&req.OrgNameHint,
		&req.CampNameHint,
		&req.Notes,
		&req.Status,
		&req.SourceID,
		&req.OrganizationID,
		&req.ErrorMessage,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query camp request: %w", err)
	}

	return &req, nil
}

// PendingRequests fetches pending requests for asynchronous processing,
// oldest first.
func (r *RequestRepository) PendingRequests(ctx context.Context, limit int) ([]*CampRequest, error) {
	query := `
		SELECT
			id, city_id, website_url, org_name_hint, camp_name_hint, notes,
			status, source_id, organization_id, error_message,
			created_at, updated_at
		FROM camp_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*CampRequest
	for rows.Next() {
		var req CampRequest
		err := rows.Scan(
			&req.ID,
			&req.CityID,
			&req.WebsiteURL,
			&req.OrgNameHint,
			&req.CampNameHint,
			&req.Notes,
			&req.Status,
			&req.SourceID,
			&req.OrganizationID,
			&req.ErrorMessage,
			&req.CreatedAt,
			&req.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan camp request: %w", err)
		}
		requests = append(requests, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return requests, nil
}

// TransitionRequest moves a request to a new status. The WHERE clause
// refuses to move a request that is already terminal; that attempt is
// an invariant violation and surfaces as ErrTerminalState.
func (r *RequestRepository) TransitionRequest(
	ctx context.Context,
	id uuid.UUID,
	status string,
	sourceID *uuid.UUID,
	orgID *uuid.UUID,
	errorMsg *string,
) error {
	query := `
		UPDATE camp_requests
		SET status = $1,
		    source_id = COALESCE($2, source_id),
		    organization_id = COALESCE($3, organization_id),
		    error_message = $4,
		    updated_at = NOW()
		WHERE id = $5
		  AND status NOT IN ('completed', 'duplicate', 'failed')
	`

	result, err := r.db.Pool().Exec(ctx, query, status, sourceID, orgID, errorMsg, id)
	if err != nil {
		return fmt.Errorf("transition camp request: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, getErr := r.GetRequest(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("request %s: %w", id, ErrTerminalState)
	}

	return nil
}

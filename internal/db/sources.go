package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SourceRepository handles scrape sources and their owning organizations.
type SourceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSourceRepository creates a new source repository.
func NewSourceRepository(db *DB, logger *zap.Logger) *SourceRepository {
	return &SourceRepository{db: db, logger: logger}
}

// GetSource retrieves a source by ID.
func (r *SourceRepository) GetSource(ctx context.Context, id uuid.UUID) (*ScrapeSource, error) {
	query := `
		SELECT id, domain, organization_id, created_at
		FROM scrape_sources
		WHERE id = $1
	`

	var src ScrapeSource
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&src.ID,
		&src.Domain,
		&src.OrganizationID,
		&src.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}

	return &src, nil
}

// GetSourceByDomain looks up a source by its normalized domain.
// Returns ErrNotFound when no source monitors the domain.
func (r *SourceRepository) GetSourceByDomain(ctx context.Context, domain string) (*ScrapeSource, error) {
	query := `
		SELECT id, domain, organization_id, created_at
		FROM scrape_sources
		WHERE domain = $1
	`

	var src ScrapeSource
	err := r.db.Pool().QueryRow(ctx, query, domain).Scan(
		&src.ID,
		&src.Domain,
		&src.OrganizationID,
		&src.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query source by domain: %w", err)
	}

	return &src, nil
}

// CreateSourceWithOrganization creates the organization and the source
// atomically as a unit. The UNIQUE constraint on scrape_sources.domain
// is the real dedup guarantee; a concurrent creator wins the race and
// this call surfaces the unique violation for the caller to resolve to
// the existing source (use IsUniqueViolation).
func (r *SourceRepository) CreateSourceWithOrganization(
	ctx context.Context,
	domain string,
	orgName string,
	website string,
) (*ScrapeSource, *Organization, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	org := &Organization{
		ID:   uuid.New(),
		Name: orgName,
	}
	if website != "" {
		org.Website = &website
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO organizations (id, name, website)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, org.ID, org.Name, org.Website).Scan(&org.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert organization: %w", err)
	}

	src := &ScrapeSource{
		ID:             uuid.New(),
		Domain:         domain,
		OrganizationID: &org.ID,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO scrape_sources (id, domain, organization_id)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, src.ID, src.Domain, src.OrganizationID).Scan(&src.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert source: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("scrape source created",
		zap.String("source_id", src.ID.String()),
		zap.String("domain", src.Domain),
		zap.String("organization_id", org.ID.String()),
	)

	return src, org, nil
}

// AttachOrganization links or replaces the organization reference on a
// source. Sources are never deleted in normal operation; this is the
// only mutation they see.
func (r *SourceRepository) AttachOrganization(ctx context.Context, sourceID, orgID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE scrape_sources SET organization_id = $1 WHERE id = $2
	`, orgID, sourceID)
	if err != nil {
		return fmt.Errorf("attach organization: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

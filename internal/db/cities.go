package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CityOverride is the persisted patch for one static catalog city.
// Only non-nil fields override the static record; the static table
// itself is never mutated.
type CityOverride struct {
	CityID   uuid.UUID `json:"city_id"`
	Name     *string   `json:"name,omitempty"`
	State    *string   `json:"state,omitempty"`
	Timezone *string   `json:"timezone,omitempty"`
}

// CityOverrideRepository reads catalog override rows.
type CityOverrideRepository struct {
	db *DB
}

// NewCityOverrideRepository creates a new city override repository.
func NewCityOverrideRepository(db *DB) *CityOverrideRepository {
	return &CityOverrideRepository{db: db}
}

// GetOverride returns the override row for a city, or ErrNotFound when
// the static record stands alone.
func (r *CityOverrideRepository) GetOverride(ctx context.Context, cityID uuid.UUID) (*CityOverride, error) {
	var o CityOverride
	err := r.db.Pool().QueryRow(ctx, `
		SELECT city_id, name, state, timezone
		FROM city_overrides
		WHERE city_id = $1
	`, cityID).Scan(&o.CityID, &o.Name, &o.State, &o.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query city override: %w", err)
	}
	return &o, nil
}

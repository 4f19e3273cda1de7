package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
)

type fakeOverrideStore struct {
	overrides map[uuid.UUID]*db.CityOverride
	err       error
}

func (f *fakeOverrideStore) GetOverride(ctx context.Context, cityID uuid.UUID) (*db.CityOverride, error) {
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.overrides[cityID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return o, nil
}

func strptr(s string) *string { return &s }

func seattleID() uuid.UUID {
	for _, c := range Cities() {
		if c.Slug == "seattle" {
			return c.ID
		}
	}
	panic("seattle missing from static catalog")
}

func TestResolve_StaticOnly(t *testing.T) {
	r := NewResolver(nil, zap.NewNop())

	city, err := r.Resolve(context.Background(), seattleID())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if city.Name != "Seattle" || city.State != "WA" {
		t.Fatalf("got %+v", city)
	}
}

func TestResolve_UnknownCity(t *testing.T) {
	r := NewResolver(nil, zap.NewNop())
	if _, err := r.Resolve(context.Background(), uuid.New()); !errors.Is(err, ErrUnknownCity) {
		t.Fatalf("expected ErrUnknownCity, got %v", err)
	}
}

func TestResolve_OverridePrecedence(t *testing.T) {
	id := seattleID()
	store := &fakeOverrideStore{overrides: map[uuid.UUID]*db.CityOverride{
		id: {CityID: id, Name: strptr("Seattle Metro")},
	}}
	r := NewResolver(store, zap.NewNop())

	city, err := r.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if city.Name != "Seattle Metro" {
		t.Fatalf("name = %q, want override to win", city.Name)
	}
	if city.State != "WA" || city.Timezone != "America/Los_Angeles" {
		t.Fatal("unpatched fields must fall through to the static record")
	}
}

func TestResolve_StoreFailureServesStatic(t *testing.T) {
	store := &fakeOverrideStore{err: fmt.Errorf("connection refused")}
	r := NewResolver(store, zap.NewNop())

	city, err := r.Resolve(context.Background(), seattleID())
	if err != nil {
		t.Fatalf("resolve should not fail when the override lookup is down: %v", err)
	}
	if city.Name != "Seattle" {
		t.Fatalf("got %+v, want the static record", city)
	}
}

func TestMerge_FieldLevel(t *testing.T) {
	base := City{Name: "Denver", State: "CO", Timezone: "America/Denver"}

	if got := Merge(base, nil); got != base {
		t.Fatal("nil patch must return the base unchanged")
	}

	got := Merge(base, &db.CityOverride{
		State:    strptr("Colorado"),
		Timezone: strptr("America/Boise"),
	})
	if got.Name != "Denver" || got.State != "Colorado" || got.Timezone != "America/Boise" {
		t.Fatalf("got %+v", got)
	}
}

func TestCities_ReturnsCopy(t *testing.T) {
	first := Cities()
	first[0].Name = "mutated"
	if Cities()[0].Name == "mutated" {
		t.Fatal("Cities must not expose the internal slice")
	}
}

// Package store persists Place rows. Stores are interface-driven so the
// resolver can run against the in-memory implementation in unit tests and
// against Postgres in production.
package store

import (
	"context"

	"libdiscovery/internal/place/models"
	"libdiscovery/pkg/domain"
)

// FuzzyMatch pairs a candidate place with its edit distance from the query.
type FuzzyMatch struct {
	Place    *models.Place
	Distance int
}

// Store is the persistence port for places.
//
// Scope semantics: a zero parentID means unscoped. A scoped name lookup
// matches direct children of the parent, plus grandchildren for postal
// codes only (a postal code may be looked up within a state or within the
// nation, as the reference dataset files them under states).
type Store interface {
	ByID(ctx context.Context, id domain.PlaceID) (*models.Place, error)
	ByExternalID(ctx context.Context, externalID string) (*models.Place, error)

	// ByNameScoped returns every place matching the name (case-insensitive,
	// matching Name or AbbreviatedName) under the given scope, excluding the
	// listed types. Returning multiple rows is not an error here; the
	// resolver decides whether that makes the reference ambiguous.
	ByNameScoped(ctx context.Context, name string, parentID domain.PlaceID, exclude []models.PlaceType) ([]*models.Place, error)

	// FuzzyByName returns places whose name is within maxDistance edits of
	// the query, under the same scope rules, ordered by ascending distance.
	FuzzyByName(ctx context.Context, name string, parentID domain.PlaceID, maxDistance int, exclude []models.PlaceType) ([]FuzzyMatch, error)

	// CreateIfAbsent inserts the place, or returns the existing row when a
	// uniqueness constraint (external_id, or name+parent+type) already holds
	// an equivalent one. Concurrent first-inserts of the same place must
	// converge on a single row.
	CreateIfAbsent(ctx context.Context, place *models.Place) (*models.Place, error)

	// Everywhere returns the singleton whole-world place, creating it on
	// first use.
	Everywhere(ctx context.Context) (*models.Place, error)

	// DefaultNation returns the nation used to scope bare reference lists,
	// or sentinel.ErrNotFound when none is configured.
	DefaultNation(ctx context.Context) (*models.Place, error)

	// SetDefaultNation marks the nation used to scope bare reference
	// lists. The place must already exist.
	SetDefaultNation(ctx context.Context, id domain.PlaceID) error
}

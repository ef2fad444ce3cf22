// Package store persists libraries, their service-area associations, and
// contact-channel validations.
package store

import (
	"context"

	"libdiscovery/internal/registry/models"
	"libdiscovery/pkg/domain"
)

// LibraryStore is the persistence port for library aggregates.
type LibraryStore interface {
	Create(ctx context.Context, lib *models.Library) error
	ByID(ctx context.Context, id domain.LibraryID) (*models.Library, error)

	// ByExternalID returns the library registered under the given document
	// identifier, or sentinel.ErrNotFound. Re-registration keys on this.
	ByExternalID(ctx context.Context, externalID string) (*models.Library, error)

	Update(ctx context.Context, lib *models.Library) error

	// ListNonCancelled returns every library not in a terminal stage,
	// ordered by name. The refresh sweep and the search engine read this.
	ListNonCancelled(ctx context.Context) ([]*models.Library, error)
}

// ServiceAreaStore persists library-to-place associations.
type ServiceAreaStore interface {
	// ReplaceForLibrary swaps the library's full association set atomically.
	// Re-registration declares the complete new set; stale rows must not
	// survive it.
	ReplaceForLibrary(ctx context.Context, libraryID domain.LibraryID, areas []*models.ServiceArea) error

	// ListByLibrary returns the library's associations of the given kind.
	ListByLibrary(ctx context.Context, libraryID domain.LibraryID, kind models.AreaKind) ([]*models.ServiceArea, error)
}

// ValidationStore persists contact-channel validations.
type ValidationStore interface {
	// Create stores the validation, discarding any unconsumed prior row for
	// the same library so at most one secret is live per library.
	Create(ctx context.Context, v *models.Validation) error

	// BySecret returns the validation holding the secret, consumed or not,
	// or sentinel.ErrNotFound.
	BySecret(ctx context.Context, secret string) (*models.Validation, error)

	Update(ctx context.Context, v *models.Validation) error
}

// Store bundles the three ports the registry service needs.
type Store interface {
	Libraries() LibraryStore
	ServiceAreas() ServiceAreaStore
	Validations() ValidationStore
}

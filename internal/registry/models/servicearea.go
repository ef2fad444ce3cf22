package models

import (
	"libdiscovery/pkg/domain"
)

// AreaKind tags a service area association.
type AreaKind string

const (
	// AreaEligibility: anyone physically inside qualifies.
	AreaEligibility AreaKind = "eligibility"
	// AreaFocus: the population the library primarily targets. Ranking
	// signal only; a focus area outside the eligibility territory is
	// permitted and never validated against it.
	AreaFocus AreaKind = "focus"
)

// ServiceArea associates a library with a place. Places are shared between
// libraries and never owned by one, so this row carries identifiers, not an
// embedded place.
type ServiceArea struct {
	ID        domain.ServiceAreaID `json:"id"`
	LibraryID domain.LibraryID     `json:"library_id"`
	PlaceID   domain.PlaceID       `json:"place_id"`
	Kind      AreaKind             `json:"kind"`
}

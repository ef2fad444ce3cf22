package models

import (
	"time"

	"libdiscovery/internal/geo"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
)

// PlaceType classifies a node in the geographic hierarchy.
type PlaceType string

const (
	TypeEverywhere PlaceType = "everywhere"
	TypeNation     PlaceType = "nation"
	TypeState      PlaceType = "state"
	TypeCounty     PlaceType = "county"
	TypeCity       PlaceType = "city"
	TypePostalCode PlaceType = "postal_code"
	TypeCustom     PlaceType = "custom"
)

// rank orders place types from largest to smallest. Custom areas sit outside
// the hierarchy and compare as smallest so they can nest anywhere.
var rank = map[PlaceType]int{
	TypeEverywhere: 0,
	TypeNation:     1,
	TypeState:      2,
	TypeCounty:     3,
	TypeCity:       4,
	TypePostalCode: 5,
	TypeCustom:     6,
}

// LargerOrEqual returns the types at least as large as t. Scoped lookups
// exclude these: nobody searches for a state inside a city.
func (t PlaceType) LargerOrEqual() []PlaceType {
	out := make([]PlaceType, 0, len(rank))
	for pt, r := range rank {
		if r <= rank[t] {
			out = append(out, pt)
		}
	}
	return out
}

// Place is a canonical node in the geographic hierarchy.
//
// Invariants:
//   - Geometry is non-empty for every type except everywhere
//   - A non-root place has exactly one parent
//   - ExternalID is unique when present; (Name, ParentID, Type) is unique
//
// Places are shared: many libraries may hold service areas referencing the
// same Place, and no library ever owns one.
type Place struct {
	ID              domain.PlaceID `json:"id"`
	Type            PlaceType      `json:"type"`
	ExternalID      string         `json:"external_id,omitempty"`
	Name            string         `json:"name"`
	AbbreviatedName string         `json:"abbreviated_name,omitempty"`
	ParentID        domain.PlaceID `json:"parent_id,omitempty"`
	Geometry        geo.Geometry   `json:"geometry"`
	CreatedAt       time.Time      `json:"created_at"`
}

// New validates and constructs a Place.
func New(id domain.PlaceID, placeType PlaceType, name string, parentID domain.PlaceID, geometry geo.Geometry, now time.Time) (*Place, error) {
	if _, ok := rank[placeType]; !ok {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "unknown place type %q", placeType)
	}
	if name == "" && placeType != TypeEverywhere {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "place name cannot be empty")
	}
	if geometry.Empty() && placeType != TypeEverywhere {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "place geometry cannot be empty")
	}
	return &Place{
		ID:        id,
		Type:      placeType,
		Name:      name,
		ParentID:  parentID,
		Geometry:  geometry,
		CreatedAt: now,
	}, nil
}

// IsEverywhere reports whether this place covers the whole world.
func (p *Place) IsEverywhere() bool { return p.Type == TypeEverywhere }

// Covers reports whether the point falls inside this place.
func (p *Place) Covers(pt geo.Point) bool {
	if p.IsEverywhere() {
		return true
	}
	return p.Geometry.Contains(pt)
}

// Coverage is the union of a set of places, used for "does point P qualify"
// tests. It is a value: building it from the same set of places, in any
// order and with any duplication, yields an equal Coverage.
type Coverage struct {
	Everywhere bool
	Geometry   geo.Geometry
}

// UnionCoverage merges places into a single Coverage.
func UnionCoverage(places []*Place) Coverage {
	var c Coverage
	geometries := make([]geo.Geometry, 0, len(places))
	for _, p := range places {
		if p.IsEverywhere() {
			c.Everywhere = true
			continue
		}
		geometries = append(geometries, p.Geometry)
	}
	c.Geometry = geo.Union(geometries...)
	return c
}

// Contains reports whether the point qualifies under this coverage.
func (c Coverage) Contains(pt geo.Point) bool {
	return c.Everywhere || c.Geometry.Contains(pt)
}

// Empty reports whether the coverage claims no territory at all.
func (c Coverage) Empty() bool {
	return !c.Everywhere && c.Geometry.Empty()
}

// Equal reports whether two coverages claim the same territory.
func (c Coverage) Equal(other Coverage) bool {
	return c.Everywhere == other.Everywhere && c.Geometry.Equal(other.Geometry)
}

// Centroid returns a representative point for ranking. Everywhere has no
// meaningful centroid; callers treat it as distance zero.
func (c Coverage) Centroid() (geo.Point, bool) {
	if c.Geometry.Empty() {
		return geo.Point{}, false
	}
	return c.Geometry.Centroid(), true
}

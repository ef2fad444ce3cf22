// Package geo is the geometry kernel shared by the place resolver and the
// discovery search engine.
//
// A Geometry is a canonicalized multi-polygon in WGS 84. Canonical form makes
// set-style operations well behaved: Union of the same inputs in any order,
// with any duplication, yields an identical value, and Equal is a cheap
// structural comparison.
package geo

import (
	"encoding/json"
	"sort"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	dErrors "libdiscovery/pkg/domain-errors"
)

// Point is a position in WGS 84.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) orb() orb.Point { return orb.Point{p.Lng, p.Lat} }

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	return orbgeo.DistanceHaversine(a.orb(), b.orb())
}

// Geometry is a canonical multi-polygon. The zero value is empty.
type Geometry struct {
	mp orb.MultiPolygon
}

// FromOrb builds a canonical Geometry from any orb polygonal geometry.
func FromOrb(g orb.Geometry) (Geometry, error) {
	var mp orb.MultiPolygon
	switch v := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		mp = v
	default:
		return Geometry{}, dErrors.Newf(dErrors.CodeValidation, "unsupported geometry type %q", g.GeoJSONType())
	}
	out := Geometry{mp: canonicalize(mp)}
	if out.Empty() {
		return Geometry{}, dErrors.New(dErrors.CodeValidation, "geometry has no valid rings")
	}
	return out, nil
}

// FromRing builds a single-polygon Geometry from an outer ring of points.
// The ring is closed automatically when the caller leaves it open.
func FromRing(points []Point) (Geometry, error) {
	if len(points) < 3 {
		return Geometry{}, dErrors.New(dErrors.CodeValidation, "a ring needs at least three points")
	}
	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, p.orb())
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return FromOrb(orb.Polygon{ring})
}

// Empty reports whether the geometry contains no area.
func (g Geometry) Empty() bool { return len(g.mp) == 0 }

// Contains reports whether the point lies inside the geometry.
func (g Geometry) Contains(p Point) bool {
	if g.Empty() {
		return false
	}
	return planar.MultiPolygonContains(g.mp, p.orb())
}

// Centroid returns the area-weighted centroid.
func (g Geometry) Centroid() Point {
	if g.Empty() {
		return Point{}
	}
	c, _ := planar.CentroidArea(g.mp)
	return Point{Lat: c.Y(), Lng: c.X()}
}

// Area returns the planar area. Only used for relative comparisons, never
// for surface measurement, so the projection distortion is acceptable.
func (g Geometry) Area() float64 {
	if g.Empty() {
		return 0
	}
	return planar.Area(g.mp)
}

// Equal reports structural equality of the canonical forms.
func (g Geometry) Equal(other Geometry) bool {
	return g.mp.Equal(other.mp)
}

// Union merges geometries into one. It is idempotent and order-independent:
// duplicate polygons collapse and the result is canonically sorted, so the
// same input set always yields an identical value.
func Union(geometries ...Geometry) Geometry {
	var all orb.MultiPolygon
	for _, g := range geometries {
		all = append(all, g.mp...)
	}
	return Geometry{mp: canonicalize(all)}
}

// MarshalJSON encodes as GeoJSON (MultiPolygon).
func (g Geometry) MarshalJSON() ([]byte, error) {
	return geojson.NewGeometry(g.mp).MarshalJSON()
}

// UnmarshalJSON decodes GeoJSON (Polygon or MultiPolygon) and canonicalizes.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var gj geojson.Geometry
	if err := json.Unmarshal(data, &gj); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid GeoJSON")
	}
	parsed, err := FromOrb(gj.Geometry())
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// canonicalize normalizes every polygon (closed rings, fixed orientation,
// rotation to a deterministic starting vertex), deduplicates, and sorts.
func canonicalize(mp orb.MultiPolygon) orb.MultiPolygon {
	seen := make(map[string]struct{}, len(mp))
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		canon := canonicalPolygon(poly)
		if canon == nil {
			continue
		}
		key := polygonKey(canon)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, canon)
	}
	sort.Slice(out, func(i, j int) bool {
		return polygonKey(out[i]) < polygonKey(out[j])
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func canonicalPolygon(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(poly))
	for i, ring := range poly {
		canon := canonicalRing(ring, i == 0)
		if canon == nil {
			if i == 0 {
				return nil // degenerate outer ring invalidates the polygon
			}
			continue
		}
		out = append(out, canon)
	}
	if len(out) == 0 {
		return nil
	}
	// Holes in deterministic order; the outer ring stays first.
	holes := out[1:]
	sort.Slice(holes, func(i, j int) bool {
		return ringKey(holes[i]) < ringKey(holes[j])
	})
	return out
}

// canonicalRing closes the ring, enforces winding (CCW outer, CW holes), and
// rotates it so the lexicographically smallest vertex comes first.
func canonicalRing(ring orb.Ring, outer bool) orb.Ring {
	if len(ring) < 3 {
		return nil
	}
	r := make(orb.Ring, len(ring))
	copy(r, ring)
	if !r.Closed() {
		r = append(r, r[0])
	}
	if len(r) < 4 {
		return nil
	}
	wantCCW := outer
	if (r.Orientation() == orb.CCW) != wantCCW {
		r.Reverse()
	}

	// Rotate the open portion of the ring to a deterministic start.
	open := r[:len(r)-1]
	min := 0
	for i := 1; i < len(open); i++ {
		if lessPoint(open[i], open[min]) {
			min = i
		}
	}
	rotated := make(orb.Ring, 0, len(r))
	rotated = append(rotated, open[min:]...)
	rotated = append(rotated, open[:min]...)
	rotated = append(rotated, open[min])
	return rotated
}

func lessPoint(a, b orb.Point) bool {
	if a.X() != b.X() {
		return a.X() < b.X()
	}
	return a.Y() < b.Y()
}

func ringKey(r orb.Ring) string {
	b, _ := json.Marshal(r)
	return string(b)
}

func polygonKey(p orb.Polygon) string {
	b, _ := json.Marshal(p)
	return string(b)
}

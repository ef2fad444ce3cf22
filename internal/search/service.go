// Package search answers discovery queries: which libraries serve a given
// location, or which match a name.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"libdiscovery/internal/geo"
	placemodels "libdiscovery/internal/place/models"
	"libdiscovery/internal/place/resolver"
	placestore "libdiscovery/internal/place/store"
	registrymodels "libdiscovery/internal/registry/models"
	registrystore "libdiscovery/internal/registry/store"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
)

// Query describes one discovery request. Exactly one field is set: a raw
// coordinate, a place reference to resolve, or free text matched against
// library names.
type Query struct {
	Point    *geo.Point
	PlaceRef string
	Text     string
}

// Result is one ranked library.
//
// Location queries carry Distance (meters from the query point to the
// library's focus centroid); text queries carry Similarity instead.
type Result struct {
	LibraryID  domain.LibraryID     `json:"library_id"`
	Name       string               `json:"name"`
	Stage      registrymodels.Stage `json:"stage"`
	Qualified  bool                 `json:"qualified"`
	Distance   float64              `json:"distance_meters,omitempty"`
	Similarity float64              `json:"similarity,omitempty"`
}

// PlaceResolver normalizes a query's place reference.
type PlaceResolver interface {
	Resolve(ctx context.Context, ref resolver.Reference) (*placemodels.Place, error)
}

// Config carries the search engine's tunables.
type Config struct {
	// MinSimilarity is the floor for including a library in text-search
	// results; unrelated names never rank, however far down.
	MinSimilarity float64
}

// Service ranks libraries for discovery queries. It reads the latest
// committed registry state on every call; a library mid-validation shows up
// in its prior stage.
type Service struct {
	registry registrystore.Store
	places   placestore.Store
	resolver PlaceResolver
	collator *collate.Collator
	cfg      Config
}

// New constructs a search Service.
func New(registry registrystore.Store, places placestore.Store, res PlaceResolver, cfg Config) *Service {
	return &Service{
		registry: registry,
		places:   places,
		resolver: res,
		collator: collate.New(language.Und, collate.Loose),
		cfg:      cfg,
	}
}

// Search ranks every non-cancelled library against the query.
//
// Location queries put qualifying libraries (eligibility union contains the
// point) ahead of non-qualifying ones, each group ordered by ascending
// distance to the focus centroid, ties broken by collated name. Text
// queries order by descending name similarity.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	switch {
	case q.Point != nil:
		return s.byLocation(ctx, *q.Point)
	case q.PlaceRef != "":
		place, err := s.resolver.Resolve(ctx, resolver.Reference{Text: q.PlaceRef})
		if err != nil {
			return nil, err
		}
		if place.IsEverywhere() {
			return nil, dErrors.New(dErrors.CodeInvalidInput, "cannot search everywhere; give a place or a point")
		}
		return s.byLocation(ctx, place.Geometry.Centroid())
	case strings.TrimSpace(q.Text) != "":
		return s.byName(ctx, q.Text)
	default:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "empty query")
	}
}

func (s *Service) byLocation(ctx context.Context, pt geo.Point) ([]Result, error) {
	libraries, err := s.registry.Libraries().ListNonCancelled(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list libraries")
	}

	results := make([]Result, 0, len(libraries))
	for _, lib := range libraries {
		eligibility, err := s.coverage(ctx, lib.ID, registrymodels.AreaEligibility)
		if err != nil {
			return nil, err
		}
		focus, err := s.coverage(ctx, lib.ID, registrymodels.AreaFocus)
		if err != nil {
			return nil, err
		}

		// Rank against the focus centroid, falling back to the eligibility
		// territory for libraries that declared no separate focus.
		ranking := focus
		if ranking.Empty() {
			ranking = eligibility
		}
		distance := 0.0
		if centroid, ok := ranking.Centroid(); ok {
			distance = geo.Distance(pt, centroid)
		}

		results = append(results, Result{
			LibraryID: lib.ID,
			Name:      lib.Name,
			Stage:     lib.Stage,
			Qualified: eligibility.Contains(pt),
			Distance:  distance,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Qualified != results[j].Qualified {
			return results[i].Qualified
		}
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return s.collator.CompareString(results[i].Name, results[j].Name) < 0
	})
	return results, nil
}

func (s *Service) byName(ctx context.Context, text string) ([]Result, error) {
	libraries, err := s.registry.Libraries().ListNonCancelled(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list libraries")
	}

	results := make([]Result, 0, len(libraries))
	for _, lib := range libraries {
		similarity := nameSimilarity(text, lib.Name)
		if similarity < s.cfg.MinSimilarity {
			continue
		}
		results = append(results, Result{
			LibraryID:  lib.ID,
			Name:       lib.Name,
			Stage:      lib.Stage,
			Similarity: similarity,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return s.collator.CompareString(results[i].Name, results[j].Name) < 0
	})
	return results, nil
}

func (s *Service) coverage(ctx context.Context, libraryID domain.LibraryID, kind registrymodels.AreaKind) (placemodels.Coverage, error) {
	areas, err := s.registry.ServiceAreas().ListByLibrary(ctx, libraryID, kind)
	if err != nil {
		return placemodels.Coverage{}, dErrors.Wrap(err, dErrors.CodeInternal, "list service areas")
	}
	places := make([]*placemodels.Place, 0, len(areas))
	for _, area := range areas {
		place, err := s.places.ByID(ctx, area.PlaceID)
		if err != nil {
			return placemodels.Coverage{}, dErrors.Wrap(err, dErrors.CodeInternal, "load place")
		}
		places = append(places, place)
	}
	return placemodels.UnionCoverage(places), nil
}

// nameSimilarity scores a query against a library name. The query is
// compared to the whole name and to each word of it, keeping the best
// score, so "Sprngfield" finds "Springfield Public Library".
func nameSimilarity(query, name string) float64 {
	query = strings.ToLower(strings.TrimSpace(query))
	name = strings.ToLower(name)
	if query == "" || name == "" {
		return 0
	}

	best := tokenSimilarity(query, name)
	for _, word := range strings.Fields(name) {
		if s := tokenSimilarity(query, word); s > best {
			best = s
		}
	}
	return best
}

func tokenSimilarity(a, b string) float64 {
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	s := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	if s < 0 {
		return 0
	}
	return s
}

// Package resolver turns free-form place references into canonical Places.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"libdiscovery/internal/place/models"
	"libdiscovery/internal/place/store"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/sentinel"
)

// NotFoundError reports a reference no place could be found for.
type NotFoundError struct {
	Reference string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no place found for %q", e.Reference)
}

// AmbiguousError reports a reference matching more than one place without a
// clear winner. The resolver refuses to guess.
type AmbiguousError struct {
	Reference string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("place reference %q is ambiguous", e.Reference)
}

// Config carries the fuzzy-matching thresholds. Passed explicitly so tests
// can vary them.
type Config struct {
	// MaxDistance bounds the edit distance considered at all.
	MaxDistance int
	// MinSimilarity is the floor for accepting the best fuzzy match, where
	// similarity is 1 - distance/len(reference).
	MinSimilarity float64
	// MinMargin is how far the best match's similarity must exceed the
	// second-best before the resolver accepts it instead of reporting
	// ambiguity.
	MinMargin float64
}

// Resolver resolves references against the place store, memoizing successes.
type Resolver struct {
	places store.Store
	cache  Cache
	cfg    Config
}

// New constructs a Resolver.
func New(places store.Store, cache Cache, cfg Config) *Resolver {
	return &Resolver{places: places, cache: cache, cfg: cfg}
}

// Reference is a place description to resolve: free text, a postal code, or
// an external geographic identifier, optionally scoped to a parent place.
type Reference struct {
	Text     string
	ParentID domain.PlaceID
}

const everywhereKeyword = "everywhere"

// postalCodeShape recognizes US-style ZIP codes. The reference dataset keys
// postal codes by these five digits.
var postalCodeShape = regexp.MustCompile(`^\d{5}$`)

// Resolve maps a reference to a canonical Place.
//
// Resolution order: cache; exact external-identifier match; exact name match
// scoped to the parent; fuzzy name match, accepted only above the similarity
// threshold and only when the best candidate clearly beats the second best.
// Scoped references such as "Springfield, MA" resolve right to left through
// the hierarchy.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) (*models.Place, error) {
	text := strings.TrimSpace(ref.Text)
	if text == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "place reference is empty")
	}

	if strings.EqualFold(text, everywhereKeyword) {
		return r.places.Everywhere(ctx)
	}

	key := cacheKey(text, ref.ParentID)
	if id, ok := r.cache.Get(ctx, key); ok {
		place, err := r.places.ByID(ctx, id)
		if err == nil {
			return place, nil
		}
		// A stale cache entry falls through to a full resolution.
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}

	place, err := r.resolveUncached(ctx, text, ref.ParentID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, key, place.ID)
	return place, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, text string, parentID domain.PlaceID) (*models.Place, error) {
	// External identifiers are exact or nothing.
	place, err := r.places.ByExternalID(ctx, text)
	if err == nil {
		return place, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}

	// "Springfield, MA" resolves as MA first, then Springfield inside it.
	if parts := splitScoped(text); len(parts) > 1 {
		scope := parentID
		for i := len(parts) - 1; i > 0; i-- {
			p, err := r.resolveUncached(ctx, parts[i], scope)
			if err != nil {
				return nil, err
			}
			scope = p.ID
		}
		return r.resolveUncached(ctx, parts[0], scope)
	}

	exclude := r.scopeExclusions(ctx, parentID)
	if postalCodeShape.MatchString(text) {
		// Restrict postal-code shaped references to postal codes so "02138"
		// never fuzzy-matches a numbered custom area.
		return r.resolveExact(ctx, text, parentID, allTypesExceptPostalCodes())
	}

	place, err = r.resolveExact(ctx, text, parentID, exclude)
	var notFound *NotFoundError
	if err == nil || !errors.As(err, &notFound) {
		return place, err
	}

	return r.resolveFuzzy(ctx, text, parentID, exclude)
}

func (r *Resolver) resolveExact(ctx context.Context, text string, parentID domain.PlaceID, exclude []models.PlaceType) (*models.Place, error) {
	matches, err := r.places.ByNameScoped(ctx, text, parentID, exclude)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Reference: text}
	case 1:
		return matches[0], nil
	default:
		return nil, &AmbiguousError{Reference: text}
	}
}

func (r *Resolver) resolveFuzzy(ctx context.Context, text string, parentID domain.PlaceID, exclude []models.PlaceType) (*models.Place, error) {
	candidates, err := r.places.FuzzyByName(ctx, text, parentID, r.cfg.MaxDistance, exclude)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &NotFoundError{Reference: text}
	}

	best := similarity(text, candidates[0].Distance)
	if best < r.cfg.MinSimilarity {
		return nil, &NotFoundError{Reference: text}
	}
	if len(candidates) > 1 {
		second := similarity(text, candidates[1].Distance)
		if best-second < r.cfg.MinMargin {
			return nil, &AmbiguousError{Reference: text}
		}
	}
	return candidates[0].Place, nil
}

// scopeExclusions keeps lookups from matching places at least as large as
// the scope itself: "MA" inside Massachusetts must not return the state.
func (r *Resolver) scopeExclusions(ctx context.Context, parentID domain.PlaceID) []models.PlaceType {
	if parentID.IsZero() {
		return nil
	}
	parent, err := r.places.ByID(ctx, parentID)
	if err != nil || parent.IsEverywhere() {
		return nil
	}
	return parent.Type.LargerOrEqual()
}

func allTypesExceptPostalCodes() []models.PlaceType {
	return []models.PlaceType{
		models.TypeEverywhere, models.TypeNation, models.TypeState,
		models.TypeCounty, models.TypeCity, models.TypeCustom,
	}
}

func similarity(text string, distance int) float64 {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	s := 1 - float64(distance)/float64(n)
	if s < 0 {
		return 0
	}
	return s
}

func splitScoped(text string) []string {
	parts := strings.Split(text, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cacheKey(text string, parentID domain.PlaceID) string {
	return strings.ToLower(text) + "|" + parentID.String()
}

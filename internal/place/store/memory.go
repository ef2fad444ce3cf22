package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"libdiscovery/internal/place/models"
	"libdiscovery/pkg/domain"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
)

// InMemory keeps places in maps guarded by a mutex. It backs unit tests and
// dev mode, and mirrors the Postgres store's uniqueness semantics exactly.
type InMemory struct {
	mu            sync.RWMutex
	byID          map[domain.PlaceID]*models.Place
	byExternalID  map[string]domain.PlaceID
	byNameKey     map[string]domain.PlaceID // name|parent|type
	defaultNation domain.PlaceID
	everywhere    domain.PlaceID
}

// NewInMemory returns an empty in-memory place store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:         make(map[domain.PlaceID]*models.Place),
		byExternalID: make(map[string]domain.PlaceID),
		byNameKey:    make(map[string]domain.PlaceID),
	}
}

func nameKey(name string, parentID domain.PlaceID, placeType models.PlaceType) string {
	return strings.ToLower(name) + "|" + parentID.String() + "|" + string(placeType)
}

func (s *InMemory) ByID(_ context.Context, id domain.PlaceID) (*models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clonePlace(p), nil
}

func (s *InMemory) ByExternalID(_ context.Context, externalID string) (*models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternalID[externalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clonePlace(s.byID[id]), nil
}

func (s *InMemory) ByNameScoped(_ context.Context, name string, parentID domain.PlaceID, exclude []models.PlaceType) ([]*models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Place
	for _, p := range s.byID {
		if !nameMatches(p, name) || excluded(p.Type, exclude) {
			continue
		}
		if !s.inScope(p, parentID) {
			continue
		}
		out = append(out, clonePlace(p))
	}
	sortPlaces(out)
	return out, nil
}

func (s *InMemory) FuzzyByName(_ context.Context, name string, parentID domain.PlaceID, maxDistance int, exclude []models.PlaceType) ([]FuzzyMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := strings.ToLower(name)
	var out []FuzzyMatch
	for _, p := range s.byID {
		if excluded(p.Type, exclude) || !s.inScope(p, parentID) {
			continue
		}
		d := levenshtein.ComputeDistance(lower, strings.ToLower(p.Name))
		if p.AbbreviatedName != "" {
			if ad := levenshtein.ComputeDistance(lower, strings.ToLower(p.AbbreviatedName)); ad < d {
				d = ad
			}
		}
		if d <= maxDistance {
			out = append(out, FuzzyMatch{Place: clonePlace(p), Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Place.Name < out[j].Place.Name
	})
	return out, nil
}

func (s *InMemory) CreateIfAbsent(ctx context.Context, place *models.Place) (*models.Place, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if place.ExternalID != "" {
		if id, ok := s.byExternalID[place.ExternalID]; ok {
			return clonePlace(s.byID[id]), nil
		}
	}
	key := nameKey(place.Name, place.ParentID, place.Type)
	if id, ok := s.byNameKey[key]; ok {
		return clonePlace(s.byID[id]), nil
	}

	stored := clonePlace(place)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = requestcontext.Now(ctx)
	}
	s.byID[stored.ID] = stored
	if stored.ExternalID != "" {
		s.byExternalID[stored.ExternalID] = stored.ID
	}
	s.byNameKey[key] = stored.ID
	if stored.Type == models.TypeEverywhere {
		s.everywhere = stored.ID
	}
	return clonePlace(stored), nil
}

func (s *InMemory) Everywhere(ctx context.Context) (*models.Place, error) {
	s.mu.RLock()
	id := s.everywhere
	s.mu.RUnlock()
	if !id.IsZero() {
		return s.ByID(ctx, id)
	}
	p := &models.Place{
		ID:        domain.NewPlaceID(),
		Type:      models.TypeEverywhere,
		Name:      "everywhere",
		CreatedAt: requestcontext.Now(ctx),
	}
	return s.CreateIfAbsent(ctx, p)
}

// SetDefaultNation marks the nation used to scope bare reference lists.
func (s *InMemory) SetDefaultNation(_ context.Context, id domain.PlaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return sentinel.ErrNotFound
	}
	s.defaultNation = id
	return nil
}

func (s *InMemory) DefaultNation(ctx context.Context) (*models.Place, error) {
	s.mu.RLock()
	id := s.defaultNation
	s.mu.RUnlock()
	if id.IsZero() {
		return nil, sentinel.ErrNotFound
	}
	return s.ByID(ctx, id)
}

// inScope implements the port's scope semantics, including the postal-code
// grandparent skip. Callers hold at least a read lock.
func (s *InMemory) inScope(p *models.Place, parentID domain.PlaceID) bool {
	if parentID.IsZero() {
		return true
	}
	if scope, ok := s.byID[parentID]; ok && scope.Type == models.TypeEverywhere {
		return true
	}
	if p.ParentID == parentID {
		return true
	}
	if p.Type == models.TypePostalCode && !p.ParentID.IsZero() {
		if parent, ok := s.byID[p.ParentID]; ok && parent.ParentID == parentID {
			return true
		}
	}
	return false
}

func nameMatches(p *models.Place, name string) bool {
	return strings.EqualFold(p.Name, name) || (p.AbbreviatedName != "" && strings.EqualFold(p.AbbreviatedName, name))
}

func excluded(t models.PlaceType, exclude []models.PlaceType) bool {
	for _, e := range exclude {
		if t == e {
			return true
		}
	}
	return false
}

func sortPlaces(places []*models.Place) {
	sort.Slice(places, func(i, j int) bool { return places[i].Name < places[j].Name })
}

func clonePlace(p *models.Place) *models.Place {
	cp := *p
	return &cp
}

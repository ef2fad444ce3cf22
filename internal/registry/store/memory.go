package store

import (
	"context"
	"sort"
	"sync"

	"libdiscovery/internal/registry/models"
	"libdiscovery/pkg/domain"
	"libdiscovery/pkg/platform/sentinel"
)

// InMemory backs unit tests and dev mode. It mirrors the Postgres store's
// uniqueness and replacement semantics exactly.
type InMemory struct {
	mu             sync.RWMutex
	libraries      map[domain.LibraryID]*models.Library
	byExternalID   map[string]domain.LibraryID
	areas          map[domain.LibraryID][]*models.ServiceArea
	validations    map[domain.ValidationID]*models.Validation
	liveValidation map[domain.LibraryID]domain.ValidationID
}

// NewInMemory returns an empty in-memory registry store.
func NewInMemory() *InMemory {
	return &InMemory{
		libraries:      make(map[domain.LibraryID]*models.Library),
		byExternalID:   make(map[string]domain.LibraryID),
		areas:          make(map[domain.LibraryID][]*models.ServiceArea),
		validations:    make(map[domain.ValidationID]*models.Validation),
		liveValidation: make(map[domain.LibraryID]domain.ValidationID),
	}
}

func (s *InMemory) Libraries() LibraryStore        { return (*memoryLibraries)(s) }
func (s *InMemory) ServiceAreas() ServiceAreaStore { return (*memoryAreas)(s) }
func (s *InMemory) Validations() ValidationStore   { return (*memoryValidations)(s) }

type memoryLibraries InMemory

func (s *memoryLibraries) Create(_ context.Context, lib *models.Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.libraries[lib.ID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.byExternalID[lib.ExternalID]; ok {
		return sentinel.ErrConflict
	}
	s.libraries[lib.ID] = cloneLibrary(lib)
	s.byExternalID[lib.ExternalID] = lib.ID
	return nil
}

func (s *memoryLibraries) ByID(_ context.Context, id domain.LibraryID) (*models.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lib, ok := s.libraries[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneLibrary(lib), nil
}

func (s *memoryLibraries) ByExternalID(_ context.Context, externalID string) (*models.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternalID[externalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneLibrary(s.libraries[id]), nil
}

func (s *memoryLibraries) Update(_ context.Context, lib *models.Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.libraries[lib.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.libraries[lib.ID] = cloneLibrary(lib)
	return nil
}

func (s *memoryLibraries) ListNonCancelled(_ context.Context) ([]*models.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Library
	for _, lib := range s.libraries {
		if lib.Stage.Terminal() {
			continue
		}
		out = append(out, cloneLibrary(lib))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memoryAreas InMemory

func (s *memoryAreas) ReplaceForLibrary(_ context.Context, libraryID domain.LibraryID, areas []*models.ServiceArea) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := make([]*models.ServiceArea, 0, len(areas))
	for _, a := range areas {
		cp := *a
		replaced = append(replaced, &cp)
	}
	s.areas[libraryID] = replaced
	return nil
}

func (s *memoryAreas) ListByLibrary(_ context.Context, libraryID domain.LibraryID, kind models.AreaKind) ([]*models.ServiceArea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ServiceArea
	for _, a := range s.areas[libraryID] {
		if a.Kind != kind {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

type memoryValidations InMemory

func (s *memoryValidations) Create(_ context.Context, v *models.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.liveValidation[v.LibraryID]; ok {
		if old := s.validations[prev]; old != nil && old.ConsumedAt == nil {
			delete(s.validations, prev)
		}
	}
	s.validations[v.ID] = cloneValidation(v)
	s.liveValidation[v.LibraryID] = v.ID
	return nil
}

func (s *memoryValidations) BySecret(_ context.Context, secret string) (*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.validations {
		if v.Secret == secret {
			return cloneValidation(v), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *memoryValidations) Update(_ context.Context, v *models.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.validations[v.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.validations[v.ID] = cloneValidation(v)
	return nil
}

func cloneLibrary(l *models.Library) *models.Library {
	cp := *l
	if l.LastValidatedAt != nil {
		t := *l.LastValidatedAt
		cp.LastValidatedAt = &t
	}
	return &cp
}

func cloneValidation(v *models.Validation) *models.Validation {
	cp := *v
	if v.ConsumedAt != nil {
		t := *v.ConsumedAt
		cp.ConsumedAt = &t
	}
	return &cp
}

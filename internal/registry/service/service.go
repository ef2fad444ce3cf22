// Package service orchestrates library registration, validation, and the
// periodic refresh sweep.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"libdiscovery/internal/authdoc"
	"libdiscovery/internal/events"
	placemodels "libdiscovery/internal/place/models"
	"libdiscovery/internal/place/resolver"
	placestore "libdiscovery/internal/place/store"
	"libdiscovery/internal/registry/metrics"
	"libdiscovery/internal/registry/models"
	"libdiscovery/internal/registry/store"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
)

// DocumentFetcher retrieves a library's authentication document.
type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// PlaceResolver maps place references to canonical places.
type PlaceResolver interface {
	Resolve(ctx context.Context, ref resolver.Reference) (*placemodels.Place, error)
}

// Config carries the registry tunables, passed explicitly so tests can vary
// thresholds.
type Config struct {
	ValidationTTL           time.Duration
	RefreshWorkers          int
	RefreshFailureThreshold int
}

// Service orchestrates the registration protocol.
type Service struct {
	store     store.Store
	places    placestore.Store
	resolver  PlaceResolver
	fetcher   DocumentFetcher
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New constructs a Service.
func New(st store.Store, places placestore.Store, res PlaceResolver, fetcher DocumentFetcher, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:     st,
		places:    places,
		resolver:  res,
		fetcher:   fetcher,
		publisher: events.Noop{},
		logger:    slog.Default(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegistrationResult is returned from a successful registration. Secret is
// the shared secret, populated only when the library was newly created; on
// re-registration the original secret stays in force and is not re-disclosed.
type RegistrationResult struct {
	LibraryID          domain.LibraryID
	Stage              models.Stage
	Created            bool
	Secret             string
	ValidationSecret   string
	ValidationDeadline time.Time
}

// Register admits or updates a library from its authentication document.
//
// The document is fetched, parsed, and its coverage resolved all-or-nothing
// before any row is touched: a single ambiguous place reference rejects the
// whole registration. Re-registration (matched on the document id) updates
// fields and areas in place; it never regresses the stage and never rotates
// the secret. Every successful registration issues a fresh contact-channel
// validation, invalidating any prior unconsumed one.
func (s *Service) Register(ctx context.Context, authURL string) (*RegistrationResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveRegisterLatency(time.Since(start))
	}()

	doc, areas, err := s.fetchAndResolve(ctx, authURL)
	if err != nil {
		var regErr *RegistrationError
		if errors.As(err, &regErr) {
			s.metrics.IncrementRegistration(reasonLabel(regErr.Code))
		}
		return nil, err
	}

	now := requestcontext.Now(ctx)
	created := false
	lib, err := s.store.Libraries().ByExternalID(ctx, doc.ID)
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrNotFound):
		lib, err = models.NewLibrary(domain.NewLibraryID(), doc.ID, doc.Title, authURL, now)
		if err != nil {
			return nil, err
		}
		created = true
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load library")
	}

	lib.AuthURL = authURL
	lib.ApplyDocument(doc.Title, doc.WebsiteURL, doc.Description, doc.ContactLink(), now)

	if created {
		if err := s.store.Libraries().Create(ctx, lib); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				// Lost a concurrent first-registration race; retry as update.
				return s.Register(ctx, authURL)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create library")
		}
	} else {
		if err := s.store.Libraries().Update(ctx, lib); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "update library")
		}
	}

	if err := s.store.ServiceAreas().ReplaceForLibrary(ctx, lib.ID, serviceAreas(lib.ID, areas)); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "replace service areas")
	}

	validation, err := models.NewValidation(lib.ID, s.cfg.ValidationTTL, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Validations().Create(ctx, validation); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create validation")
	}

	outcome := "updated"
	eventType := events.EventLibraryUpdated
	if created {
		outcome = "created"
		eventType = events.EventLibraryRegistered
	}
	s.metrics.IncrementRegistration(outcome)
	s.emit(ctx, events.Event{Type: eventType, LibraryID: lib.ID, Stage: string(lib.Stage)})
	s.logger.Info("library registered",
		"library_id", lib.ID.String(),
		"external_id", lib.ExternalID,
		"stage", string(lib.Stage),
		"created", created,
	)

	result := &RegistrationResult{
		LibraryID:          lib.ID,
		Stage:              lib.Stage,
		Created:            created,
		ValidationSecret:   validation.Secret,
		ValidationDeadline: validation.Deadline,
	}
	if created {
		result.Secret = lib.Secret
	}
	return result, nil
}

// resolvedAreas pairs each coverage kind with its resolved places.
type resolvedAreas struct {
	eligibility []*placemodels.Place
	focus       []*placemodels.Place
}

// fetchAndResolve runs the read-only half of a registration: fetch, parse,
// and resolve every coverage reference. Nothing is persisted here.
func (s *Service) fetchAndResolve(ctx context.Context, authURL string) (*authdoc.Document, *resolvedAreas, error) {
	data, err := s.fetcher.Fetch(ctx, authURL)
	if err != nil {
		return nil, nil, &RegistrationError{Code: ReasonFetchError, cause: err}
	}

	doc, err := authdoc.Parse(data)
	if err != nil {
		var parseErr *authdoc.ParseError
		if errors.As(err, &parseErr) && parseErr.NoCoverage {
			return nil, nil, &RegistrationError{Code: ReasonNoCoverage, cause: err}
		}
		return nil, nil, &RegistrationError{Code: ReasonParseError, cause: err}
	}

	areas := &resolvedAreas{}
	if areas.eligibility, err = s.resolveRefs(ctx, doc.EligibilityRefs()); err != nil {
		return nil, nil, err
	}
	if areas.focus, err = s.resolveRefs(ctx, doc.FocusRefs()); err != nil {
		return nil, nil, err
	}
	return doc, areas, nil
}

func (s *Service) resolveRefs(ctx context.Context, refs []authdoc.CoverageRef) ([]*placemodels.Place, error) {
	seen := make(map[domain.PlaceID]bool)
	var out []*placemodels.Place
	for _, ref := range refs {
		place, err := s.resolveRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		if seen[place.ID] {
			continue
		}
		seen[place.ID] = true
		out = append(out, place)
	}
	return out, nil
}

// resolveRef resolves one coverage reference. A declared nation scope binds
// tightly; a bare reference first tries the default nation's direct
// constituents (states, postal codes) and then falls back to an unscoped
// lookup so city names still resolve, with ambiguity intact.
func (s *Service) resolveRef(ctx context.Context, ref authdoc.CoverageRef) (*placemodels.Place, error) {
	if ref.Scope != "" {
		scope, err := s.resolver.Resolve(ctx, resolver.Reference{Text: ref.Scope})
		if err != nil {
			return nil, placeFailure(ref.Scope, err)
		}
		place, err := s.resolver.Resolve(ctx, resolver.Reference{Text: ref.Text, ParentID: scope.ID})
		if err != nil {
			return nil, placeFailure(ref.Text, err)
		}
		return place, nil
	}

	if nation, err := s.defaultNation(ctx); err != nil {
		return nil, err
	} else if !nation.IsZero() {
		place, err := s.resolver.Resolve(ctx, resolver.Reference{Text: ref.Text, ParentID: nation})
		var notFound *resolver.NotFoundError
		if !errors.As(err, &notFound) {
			if err != nil {
				return nil, placeFailure(ref.Text, err)
			}
			return place, nil
		}
	}

	place, err := s.resolver.Resolve(ctx, resolver.Reference{Text: ref.Text})
	if err != nil {
		return nil, placeFailure(ref.Text, err)
	}
	return place, nil
}

func (s *Service) defaultNation(ctx context.Context) (domain.PlaceID, error) {
	nation, err := s.places.DefaultNation(ctx)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return domain.PlaceID{}, nil
		}
		return domain.PlaceID{}, dErrors.Wrap(err, dErrors.CodeInternal, "load default nation")
	}
	return nation.ID, nil
}

func placeFailure(reference string, err error) error {
	var ambiguous *resolver.AmbiguousError
	if errors.As(err, &ambiguous) {
		return &RegistrationError{Code: ReasonAmbiguous + ":" + reference, cause: err}
	}
	var notFound *resolver.NotFoundError
	if errors.As(err, &notFound) {
		return &RegistrationError{Code: ReasonUnknownPlace + ":" + reference, cause: err}
	}
	return err
}

func serviceAreas(libraryID domain.LibraryID, areas *resolvedAreas) []*models.ServiceArea {
	var out []*models.ServiceArea
	for _, p := range areas.eligibility {
		out = append(out, &models.ServiceArea{
			ID:        domain.NewServiceAreaID(),
			LibraryID: libraryID,
			PlaceID:   p.ID,
			Kind:      models.AreaEligibility,
		})
	}
	for _, p := range areas.focus {
		out = append(out, &models.ServiceArea{
			ID:        domain.NewServiceAreaID(),
			LibraryID: libraryID,
			PlaceID:   p.ID,
			Kind:      models.AreaFocus,
		})
	}
	return out
}

// reasonLabel strips the per-reference suffix so metric cardinality stays
// bounded.
func reasonLabel(code string) string {
	for i := 0; i < len(code); i++ {
		if code[i] == ':' {
			return code[:i]
		}
	}
	return code
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("event publish failed", "type", string(event.Type), "error", err)
	}
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libdiscovery/internal/authdoc"
	"libdiscovery/internal/events"
	"libdiscovery/internal/geo"
	placemodels "libdiscovery/internal/place/models"
	"libdiscovery/internal/place/resolver"
	placestore "libdiscovery/internal/place/store"
	"libdiscovery/internal/registry/models"
	"libdiscovery/internal/registry/store"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
	"libdiscovery/pkg/testutil"
)

// fakeFetcher serves canned documents per URL. Set fail[url] to simulate a
// fetch failure; counts records fetch attempts per URL.
type fakeFetcher struct {
	mu     sync.Mutex
	docs   map[string][]byte
	fail   map[string]error
	counts map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:   make(map[string][]byte),
		fail:   make(map[string]error),
		counts: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[url]++
	if err, ok := f.fail[url]; ok {
		return nil, err
	}
	doc, ok := f.docs[url]
	if !ok {
		return nil, &authdoc.FetchError{URL: url, Status: 404}
	}
	return doc, nil
}

func (f *fakeFetcher) serve(url string, doc map[string]any) {
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url] = data
	delete(f.fail, url)
}

func (f *fakeFetcher) failWith(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[url] = err
}

func transientErr(url string) error {
	return &authdoc.FetchError{URL: url, Transient: true}
}

func document(id, title string, serviceArea any) map[string]any {
	doc := map[string]any{
		"id":    id,
		"title": title,
		"links": []map[string]string{
			{"rel": "help", "href": "mailto:help@lib.example.org"},
			{"rel": "http://librarysimplified.org/rel/designated-agent/copyright", "href": "mailto:legal@lib.example.org"},
			{"rel": "alternate", "href": "https://lib.example.org"},
		},
	}
	if serviceArea != nil {
		doc["service_area"] = serviceArea
	}
	return doc
}

type harness struct {
	svc      *Service
	store    *store.InMemory
	places   *placestore.InMemory
	fetcher  *fakeFetcher
	recorder *events.Recorder
}

func square(t *testing.T, lat, lng, size float64) geo.Geometry {
	t.Helper()
	g, err := geo.FromRing([]geo.Point{
		{Lat: lat, Lng: lng},
		{Lat: lat, Lng: lng + size},
		{Lat: lat + size, Lng: lng + size},
		{Lat: lat + size, Lng: lng},
	})
	require.NoError(t, err)
	return g
}

func addPlace(t *testing.T, s *placestore.InMemory, placeType placemodels.PlaceType, name, abbrev string, parent domain.PlaceID, g geo.Geometry) *placemodels.Place {
	t.Helper()
	created, err := s.CreateIfAbsent(context.Background(), &placemodels.Place{
		ID:              domain.NewPlaceID(),
		Type:            placeType,
		Name:            name,
		AbbreviatedName: abbrev,
		ParentID:        parent,
		Geometry:        g,
		CreatedAt:       time.Now(),
	})
	require.NoError(t, err)
	return created
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	places := placestore.NewInMemory()
	nation := addPlace(t, places, placemodels.TypeNation, "United States", "US", domain.PlaceID{}, square(t, 20, -130, 40))
	ma := addPlace(t, places, placemodels.TypeState, "Massachusetts", "MA", nation.ID, square(t, 41, -73, 2))
	il := addPlace(t, places, placemodels.TypeState, "Illinois", "IL", nation.ID, square(t, 37, -91, 4))
	addPlace(t, places, placemodels.TypeCity, "Springfield", "", ma.ID, square(t, 42.0, -72.6, 0.2))
	addPlace(t, places, placemodels.TypeCity, "Springfield", "", il.ID, square(t, 39.7, -89.7, 0.2))
	addPlace(t, places, placemodels.TypeCity, "Boston", "", ma.ID, square(t, 42.3, -71.1, 0.2))
	require.NoError(t, places.SetDefaultNation(context.Background(), nation.ID))

	h := &harness{
		store:    store.NewInMemory(),
		places:   places,
		fetcher:  newFakeFetcher(),
		recorder: &events.Recorder{},
	}
	res := resolver.New(places, resolver.NewMemoryCache(time.Minute), resolver.Config{
		MaxDistance: 2, MinSimilarity: 0.6, MinMargin: 0.1,
	})
	h.svc = New(h.store, places, res, h.fetcher, Config{
		ValidationTTL:           24 * time.Hour,
		RefreshWorkers:          4,
		RefreshFailureThreshold: 3,
	}, WithPublisher(h.recorder))
	return h
}

func (h *harness) register(t *testing.T, url string) *RegistrationResult {
	t.Helper()
	result, err := h.svc.Register(context.Background(), url)
	require.NoError(t, err)
	return result
}

func TestRegisterCreatesLibrary(t *testing.T) {
	h := newHarness(t)
	h.fetcher.serve("https://a.example.org/auth",
		document("urn:lib:a", "Boston Public Library", []string{"Boston, MA"}))

	result := h.register(t, "https://a.example.org/auth")

	assert.True(t, result.Created)
	assert.Equal(t, models.StageUntested, result.Stage)
	assert.Len(t, result.Secret, 64, "first registration discloses the shared secret")
	assert.NotEmpty(t, result.ValidationSecret)

	lib, err := h.store.Libraries().ByExternalID(context.Background(), "urn:lib:a")
	require.NoError(t, err)
	assert.Equal(t, "Boston Public Library", lib.Name)
	assert.Equal(t, "https://lib.example.org", lib.WebsiteURL)
	assert.Equal(t, "mailto:help@lib.example.org", lib.ContactLink)

	areas, err := h.store.ServiceAreas().ListByLibrary(context.Background(), lib.ID, models.AreaEligibility)
	require.NoError(t, err)
	assert.Len(t, areas, 1)

	registered := h.recorder.OfType(events.EventLibraryRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, lib.ID, registered[0].LibraryID)
}

func TestReRegistrationUpdatesInPlace(t *testing.T) {
	h := newHarness(t)
	const url = "https://a.example.org/auth"
	h.fetcher.serve(url, document("urn:lib:a", "Springfield Library", []string{"Springfield, MA"}))

	first := h.register(t, url)

	// Move the library forward so re-registration has a stage to threaten.
	_, err := h.svc.ConsumeValidation(context.Background(), first.ValidationSecret)
	require.NoError(t, err)

	h.fetcher.serve(url, document("urn:lib:a", "Springfield Public Library", []string{"Springfield, MA", "Boston, MA"}))
	second := h.register(t, url)

	testutil.Then(t, "no duplicate row exists and identity is stable", func(t *testing.T) {
		assert.False(t, second.Created)
		assert.Equal(t, first.LibraryID, second.LibraryID)
	})

	testutil.Then(t, "stage and secret survive", func(t *testing.T) {
		lib, err := h.store.Libraries().ByID(context.Background(), first.LibraryID)
		require.NoError(t, err)
		assert.Equal(t, models.StageTesting, lib.Stage, "re-registration must not regress the stage")
		assert.Empty(t, second.Secret, "the shared secret is never re-disclosed")
		assert.Equal(t, "Springfield Public Library", lib.Name)
	})

	testutil.Then(t, "the service-area set is replaced wholesale", func(t *testing.T) {
		areas, err := h.store.ServiceAreas().ListByLibrary(context.Background(), first.LibraryID, models.AreaEligibility)
		require.NoError(t, err)
		assert.Len(t, areas, 2)
	})

	testutil.Then(t, "the prior validation secret is dead", func(t *testing.T) {
		_, err := h.svc.ConsumeValidation(context.Background(), first.ValidationSecret)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func TestRegisterFailureReasons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		url  string
		prep func()
		code string
	}{
		{
			name: "unreachable document",
			url:  "https://down.example.org/auth",
			prep: func() {
				h.fetcher.failWith("https://down.example.org/auth", transientErr("https://down.example.org/auth"))
			},
			code: ReasonFetchError,
		},
		{
			name: "document is not JSON",
			url:  "https://garbled.example.org/auth",
			prep: func() { h.fetcher.docs["https://garbled.example.org/auth"] = []byte("<html>") },
			code: ReasonParseError,
		},
		{
			name: "no coverage declared",
			url:  "https://bare.example.org/auth",
			prep: func() { h.fetcher.serve("https://bare.example.org/auth", document("urn:lib:bare", "Bare", nil)) },
			code: ReasonNoCoverage,
		},
		{
			name: "ambiguous place reference",
			url:  "https://ambiguous.example.org/auth",
			prep: func() {
				h.fetcher.serve("https://ambiguous.example.org/auth",
					document("urn:lib:amb", "Ambiguous", []string{"Springfield"}))
			},
			code: ReasonAmbiguous + ":Springfield",
		},
		{
			name: "unknown place reference",
			url:  "https://nowhere.example.org/auth",
			prep: func() {
				h.fetcher.serve("https://nowhere.example.org/auth",
					document("urn:lib:nowhere", "Nowhere", []string{"Atlantis"}))
			},
			code: ReasonUnknownPlace + ":Atlantis",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.prep()
			_, err := h.svc.Register(ctx, tc.url)
			var regErr *RegistrationError
			require.ErrorAs(t, err, &regErr)
			assert.Equal(t, tc.code, regErr.Code)

			_, err = h.store.Libraries().ByExternalID(ctx, "urn:lib:amb")
			assert.ErrorIs(t, err, sentinel.ErrNotFound, "a rejected registration persists nothing")
		})
	}
}

func TestConsumeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serve("https://a.example.org/auth",
		document("urn:lib:a", "A", []string{"Boston, MA"}))
	result := h.register(t, "https://a.example.org/auth")

	testutil.Scenario(t, "success advances untested to testing", func(t *testing.T) {
		lib, err := h.svc.ConsumeValidation(ctx, result.ValidationSecret)
		require.NoError(t, err)
		assert.Equal(t, models.StageTesting, lib.Stage)
		require.NotNil(t, lib.LastValidatedAt)
	})

	testutil.Scenario(t, "a secret is single use", func(t *testing.T) {
		_, err := h.svc.ConsumeValidation(ctx, result.ValidationSecret)
		assert.ErrorIs(t, err, sentinel.ErrAlreadyUsed)
	})

	testutil.Scenario(t, "an unknown secret is not found", func(t *testing.T) {
		_, err := h.svc.ConsumeValidation(ctx, "no-such-secret")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func TestConsumeValidationExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serve("https://a.example.org/auth",
		document("urn:lib:a", "A", []string{"Boston, MA"}))
	result := h.register(t, "https://a.example.org/auth")

	late := requestcontext.WithTime(ctx, time.Now().Add(25*time.Hour))
	_, err := h.svc.ConsumeValidation(late, result.ValidationSecret)
	assert.ErrorIs(t, err, sentinel.ErrExpired)
}

func TestConsumeValidationRejectsCancelledLibrary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serve("https://a.example.org/auth",
		document("urn:lib:a", "A", []string{"Boston, MA"}))
	result := h.register(t, "https://a.example.org/auth")

	_, err := h.svc.Withdraw(ctx, result.LibraryID)
	require.NoError(t, err)

	_, err = h.svc.ConsumeValidation(ctx, result.ValidationSecret)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "a cancelled library's secret cannot be redeemed")

	// The secret was not burned by the rejected attempt.
	validation, err := h.store.Validations().BySecret(ctx, result.ValidationSecret)
	require.NoError(t, err)
	assert.Nil(t, validation.ConsumedAt)
}

func TestConsumeValidationIdempotentPastTesting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const url = "https://a.example.org/auth"
	h.fetcher.serve(url, document("urn:lib:a", "A", []string{"Boston, MA"}))
	first := h.register(t, url)

	_, err := h.svc.ConsumeValidation(ctx, first.ValidationSecret)
	require.NoError(t, err)
	_, err = h.svc.Promote(ctx, first.LibraryID)
	require.NoError(t, err)

	// Re-register to get a fresh secret, then redeem it: production stays.
	second := h.register(t, url)
	lib, err := h.svc.ConsumeValidation(ctx, second.ValidationSecret)
	require.NoError(t, err)
	assert.Equal(t, models.StageProduction, lib.Stage)
}

func TestPromoteAndWithdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serve("https://a.example.org/auth",
		document("urn:lib:a", "A", []string{"Boston, MA"}))
	result := h.register(t, "https://a.example.org/auth")

	_, err := h.svc.Promote(ctx, result.LibraryID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "untested cannot go straight to production")

	_, err = h.svc.ConsumeValidation(ctx, result.ValidationSecret)
	require.NoError(t, err)
	lib, err := h.svc.Promote(ctx, result.LibraryID)
	require.NoError(t, err)
	assert.Equal(t, models.StageProduction, lib.Stage)

	lib, err = h.svc.Withdraw(ctx, result.LibraryID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, lib.Stage)

	_, err = h.svc.Promote(ctx, result.LibraryID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "cancelled is terminal")

	cancelled := h.recorder.OfType(events.EventLibraryCancelled)
	require.Len(t, cancelled, 1)
}

func TestRotateSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.serve("https://a.example.org/auth",
		document("urn:lib:a", "A", []string{"Boston, MA"}))
	result := h.register(t, "https://a.example.org/auth")

	rotated, err := h.svc.RotateSecret(ctx, result.LibraryID)
	require.NoError(t, err)
	assert.NotEqual(t, result.Secret, rotated)

	lib, err := h.store.Libraries().ByID(ctx, result.LibraryID)
	require.NoError(t, err)
	assert.Equal(t, rotated, lib.Secret)
}

func seedLibraries(t *testing.T, h *harness, n int) []*RegistrationResult {
	t.Helper()
	out := make([]*RegistrationResult, 0, n)
	for i := 0; i < n; i++ {
		url := fmt.Sprintf("https://lib%d.example.org/auth", i)
		h.fetcher.serve(url, document(fmt.Sprintf("urn:lib:%d", i), fmt.Sprintf("Library %d", i), []string{"Boston, MA"}))
		out = append(out, h.register(t, url))
	}
	return out
}

func TestRefreshAllCoversEveryLibraryOnce(t *testing.T) {
	h := newHarness(t)
	seedLibraries(t, h, 9)
	h.fetcher.failWith("https://lib3.example.org/auth", transientErr("https://lib3.example.org/auth"))
	h.fetcher.serve("https://lib5.example.org/auth", document("urn:lib:5", "Library 5", []string{"Springfield"}))

	report, err := h.svc.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 9, "every library appears exactly once")

	seen := make(map[domain.LibraryID]string)
	for _, o := range report.Outcomes {
		_, dup := seen[o.LibraryID]
		require.False(t, dup)
		seen[o.LibraryID] = o.Outcome
	}
	counts := report.Counts()
	assert.Equal(t, 7, counts[OutcomeOK])
	assert.Equal(t, 1, counts[OutcomeTransientFailure], "one unreachable library does not abort the rest")
	assert.Equal(t, 1, counts[OutcomeInvalidDocument], "an ambiguous place is a document problem")
}

func TestRefreshCancelsOnExactlyTheNthFailure(t *testing.T) {
	h := newHarness(t)
	results := seedLibraries(t, h, 1)
	const url = "https://lib0.example.org/auth"
	ctx := context.Background()
	h.fetcher.failWith(url, transientErr(url))

	for sweep := 1; sweep <= 2; sweep++ {
		report, err := h.svc.RefreshAll(ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomeTransientFailure, report.Outcomes[0].Outcome, "sweep %d", sweep)

		lib, err := h.store.Libraries().ByID(ctx, results[0].LibraryID)
		require.NoError(t, err)
		assert.Equal(t, sweep, lib.FailureCount)
		assert.NotEqual(t, models.StageCancelled, lib.Stage, "not cancelled before the threshold")
	}

	report, err := h.svc.RefreshAll(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, report.Outcomes[0].Outcome)

	lib, err := h.store.Libraries().ByID(ctx, results[0].LibraryID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, lib.Stage)

	// Cancelled libraries drop out of subsequent sweeps.
	report, err = h.svc.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Outcomes)
}

func TestRefreshSuccessResetsFailureStreak(t *testing.T) {
	h := newHarness(t)
	results := seedLibraries(t, h, 1)
	const url = "https://lib0.example.org/auth"
	ctx := context.Background()

	h.fetcher.failWith(url, transientErr(url))
	_, err := h.svc.RefreshAll(ctx)
	require.NoError(t, err)
	_, err = h.svc.RefreshAll(ctx)
	require.NoError(t, err)

	h.fetcher.serve(url, document("urn:lib:0", "Library 0", []string{"Boston, MA"}))
	_, err = h.svc.RefreshAll(ctx)
	require.NoError(t, err)

	lib, err := h.store.Libraries().ByID(ctx, results[0].LibraryID)
	require.NoError(t, err)
	assert.Equal(t, 0, lib.FailureCount, "an intervening success resets the streak")

	// Two more failures stay below the threshold again.
	h.fetcher.failWith(url, transientErr(url))
	_, err = h.svc.RefreshAll(ctx)
	require.NoError(t, err)
	_, err = h.svc.RefreshAll(ctx)
	require.NoError(t, err)

	lib, err = h.store.Libraries().ByID(ctx, results[0].LibraryID)
	require.NoError(t, err)
	assert.NotEqual(t, models.StageCancelled, lib.Stage)
}

package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libdiscovery/internal/geo"
	placemodels "libdiscovery/internal/place/models"
	"libdiscovery/internal/place/resolver"
	placestore "libdiscovery/internal/place/store"
	registrymodels "libdiscovery/internal/registry/models"
	registrystore "libdiscovery/internal/registry/store"
	"libdiscovery/pkg/domain"
	"libdiscovery/pkg/testutil"
)

type fixture struct {
	svc      *Service
	registry *registrystore.InMemory
	places   *placestore.InMemory

	cambridge  *placemodels.Place // contains the 02138 centroid
	worcester  *placemodels.Place // ~60km west
	everywhere *placemodels.Place
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

func (f *fixture) addPlace(t *testing.T, placeType placemodels.PlaceType, name string, parent domain.PlaceID, g geo.Geometry) *placemodels.Place {
	t.Helper()
	created, err := f.places.CreateIfAbsent(context.Background(), &placemodels.Place{
		ID:        domain.NewPlaceID(),
		Type:      placeType,
		Name:      name,
		ParentID:  parent,
		Geometry:  g,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return created
}

func (f *fixture) addLibrary(t *testing.T, name string, stage registrymodels.Stage, eligibility, focus []*placemodels.Place) *registrymodels.Library {
	t.Helper()
	ctx := context.Background()
	lib, err := registrymodels.NewLibrary(domain.NewLibraryID(), "urn:"+name, name, "https://example.org/auth", time.Now())
	require.NoError(t, err)
	if stage != registrymodels.StageUntested {
		require.NoError(t, lib.Advance(registrymodels.StageTesting, time.Now()))
		if stage != registrymodels.StageTesting {
			require.NoError(t, lib.Advance(stage, time.Now()))
		}
	}
	require.NoError(t, f.registry.Libraries().Create(ctx, lib))

	var areas []*registrymodels.ServiceArea
	for _, p := range eligibility {
		areas = append(areas, &registrymodels.ServiceArea{
			ID: domain.NewServiceAreaID(), LibraryID: lib.ID, PlaceID: p.ID, Kind: registrymodels.AreaEligibility,
		})
	}
	for _, p := range focus {
		areas = append(areas, &registrymodels.ServiceArea{
			ID: domain.NewServiceAreaID(), LibraryID: lib.ID, PlaceID: p.ID, Kind: registrymodels.AreaFocus,
		})
	}
	require.NoError(t, f.registry.ServiceAreas().ReplaceForLibrary(ctx, lib.ID, areas))
	return lib
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: registrystore.NewInMemory(),
		places:   placestore.NewInMemory(),
	}

	nation := f.addPlace(t, placemodels.TypeNation, "United States", domain.PlaceID{}, square(t, 20, -130, 40))
	ma := f.addPlace(t, placemodels.TypeState, "Massachusetts", nation.ID, square(t, 41.2, -73.5, 2))
	f.cambridge = f.addPlace(t, placemodels.TypeCity, "Cambridge", ma.ID, square(t, 42.35, -71.16, 0.1))
	f.worcester = f.addPlace(t, placemodels.TypeCity, "Worcester", ma.ID, square(t, 42.24, -71.85, 0.1))
	f.addPlace(t, placemodels.TypePostalCode, "02138", ma.ID, square(t, 42.37, -71.15, 0.02))
	require.NoError(t, f.places.SetDefaultNation(context.Background(), nation.ID))

	everywhere, err := f.places.Everywhere(context.Background())
	require.NoError(t, err)
	f.everywhere = everywhere

	res := resolver.New(f.places, resolver.NewMemoryCache(time.Minute),
		resolver.Config{MaxDistance: 2, MinSimilarity: 0.6, MinMargin: 0.1})
	f.svc = New(f.registry, f.places, res, Config{MinSimilarity: 0.5})
	return f
}

func TestSearchByPostalCodeRanksServingLibraryFirst(t *testing.T) {
	f := newFixture(t)
	serving := f.addLibrary(t, "Cambridge Public Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.cambridge}, nil)
	f.addLibrary(t, "Worcester Public Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.worcester}, nil)

	results, err := f.svc.Search(context.Background(), Query{PlaceRef: "02138"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, serving.ID, results[0].LibraryID)
	assert.True(t, results[0].Qualified)
	assert.False(t, results[1].Qualified, "a library whose territory excludes the point still appears, after qualifying ones")
}

func TestSearchQualifiedBeforeCloserUnqualified(t *testing.T) {
	f := newFixture(t)
	// Worcester's library is much closer to the query point than the
	// statewide library's centroid, but the point is outside its territory.
	statewide := f.addLibrary(t, "State Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.cambridge, f.worcester}, nil)
	f.addLibrary(t, "Worcester Public Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.worcester}, []*placemodels.Place{f.worcester})

	point := f.cambridge.Geometry.Centroid()
	results, err := f.svc.Search(context.Background(), Query{Point: &point})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, statewide.ID, results[0].LibraryID)
	assert.True(t, results[0].Qualified)
}

func TestSearchOrdersByFocusDistanceWithinGroup(t *testing.T) {
	f := newFixture(t)
	near := f.addLibrary(t, "Near Focus", registrymodels.StageProduction,
		[]*placemodels.Place{f.cambridge, f.worcester}, []*placemodels.Place{f.cambridge})
	far := f.addLibrary(t, "Far Focus", registrymodels.StageProduction,
		[]*placemodels.Place{f.cambridge, f.worcester}, []*placemodels.Place{f.worcester})

	point := f.cambridge.Geometry.Centroid()
	results, err := f.svc.Search(context.Background(), Query{Point: &point})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.ID, results[0].LibraryID)
	assert.Equal(t, far.ID, results[1].LibraryID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestSearchExcludesCancelledAndPreservesStage(t *testing.T) {
	f := newFixture(t)
	inTesting := f.addLibrary(t, "Testing Library", registrymodels.StageTesting,
		[]*placemodels.Place{f.cambridge}, nil)
	cancelled := f.addLibrary(t, "Gone Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.cambridge}, nil)
	require.NoError(t, cancelled.Advance(registrymodels.StageCancelled, time.Now()))
	require.NoError(t, f.registry.Libraries().Update(context.Background(), cancelled))

	point := f.cambridge.Geometry.Centroid()
	results, err := f.svc.Search(context.Background(), Query{Point: &point})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, inTesting.ID, results[0].LibraryID)
	assert.Equal(t, registrymodels.StageTesting, results[0].Stage,
		"discovery reports the current stage, it does not hide pre-production libraries")
}

func TestSearchEverywhereLibraryQualifiesAnywhere(t *testing.T) {
	f := newFixture(t)
	global := f.addLibrary(t, "Global Digital Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.everywhere}, nil)

	point := f.worcester.Geometry.Centroid()
	results, err := f.svc.Search(context.Background(), Query{Point: &point})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, global.ID, results[0].LibraryID)
	assert.True(t, results[0].Qualified)
}

func TestSearchByText(t *testing.T) {
	f := newFixture(t)
	f.addLibrary(t, "Boston Public Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.cambridge}, nil)
	springfield := f.addLibrary(t, "Springfield Public Library", registrymodels.StageProduction,
		[]*placemodels.Place{f.worcester}, nil)

	testutil.Scenario(t, "a misspelled name still finds its library", func(t *testing.T) {
		results, err := f.svc.Search(context.Background(), Query{Text: "Sprngfield"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, springfield.ID, results[0].LibraryID)
		assert.GreaterOrEqual(t, results[0].Similarity, 0.5)
	})

	testutil.Scenario(t, "names below the similarity floor are dropped", func(t *testing.T) {
		results, err := f.svc.Search(context.Background(), Query{Text: "Worcester Athenaeum"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Search(context.Background(), Query{})
	require.Error(t, err)
}

//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	placestore "libdiscovery/internal/place/store"
	"libdiscovery/internal/registry/models"
	"libdiscovery/pkg/domain"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/testutil/containers"
)

type PostgresRegistrySuite struct {
	suite.Suite
	container *containers.PostgresContainer
	store     *Postgres
	placeID   domain.PlaceID
}

func TestPostgresRegistrySuite(t *testing.T) {
	suite.Run(t, new(PostgresRegistrySuite))
}

func (s *PostgresRegistrySuite) SetupSuite() {
	ctx := context.Background()
	s.container = containers.GetManager().GetPostgres(s.T())

	// service_areas references places, so the place schema comes first.
	places := placestore.NewPostgres(s.container.DB)
	s.Require().NoError(places.EnsureSchema(ctx))

	s.store = NewPostgres(s.container.DB)
	s.Require().NoError(s.store.EnsureSchema(ctx))
}

func (s *PostgresRegistrySuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.container.TruncateTables(ctx, "validations", "service_areas", "libraries", "places"))

	everywhere, err := placestore.NewPostgres(s.container.DB).Everywhere(ctx)
	s.Require().NoError(err)
	s.placeID = everywhere.ID
}

func (s *PostgresRegistrySuite) seedLibrary(externalID string) *models.Library {
	lib, err := models.NewLibrary(domain.NewLibraryID(), externalID, "Library "+externalID,
		"https://"+externalID+".example.org/auth", time.Now().UTC().Truncate(time.Microsecond))
	s.Require().NoError(err)
	s.Require().NoError(s.store.Libraries().Create(context.Background(), lib))
	return lib
}

func (s *PostgresRegistrySuite) TestLibraryRoundTrip() {
	ctx := context.Background()
	lib := s.seedLibrary("urn:lib:roundtrip")

	got, err := s.store.Libraries().ByExternalID(ctx, "urn:lib:roundtrip")
	s.Require().NoError(err)
	s.Equal(lib.ID, got.ID)
	s.Equal(lib.Secret, got.Secret)
	s.Equal(models.StageUntested, got.Stage)
	s.Nil(got.LastValidatedAt)
}

func (s *PostgresRegistrySuite) TestDuplicateExternalIDConflicts() {
	lib, err := models.NewLibrary(domain.NewLibraryID(), "urn:lib:dup", "A", "https://a", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.store.Libraries().Create(context.Background(), lib))

	dup, err := models.NewLibrary(domain.NewLibraryID(), "urn:lib:dup", "B", "https://b", time.Now())
	s.Require().NoError(err)
	s.Require().ErrorIs(s.store.Libraries().Create(context.Background(), dup), sentinel.ErrConflict)
}

func (s *PostgresRegistrySuite) TestUpdatePersistsStageAndValidation() {
	ctx := context.Background()
	lib := s.seedLibrary("urn:lib:update")

	now := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(lib.Advance(models.StageTesting, now))
	lib.MarkValidated(now)
	s.Require().NoError(s.store.Libraries().Update(ctx, lib))

	got, err := s.store.Libraries().ByID(ctx, lib.ID)
	s.Require().NoError(err)
	s.Equal(models.StageTesting, got.Stage)
	s.Require().NotNil(got.LastValidatedAt)
	s.True(got.LastValidatedAt.Equal(now))
}

func (s *PostgresRegistrySuite) TestListNonCancelled() {
	ctx := context.Background()
	alpha := s.seedLibrary("urn:lib:alpha")
	s.seedLibrary("urn:lib:beta")

	s.Require().NoError(alpha.Advance(models.StageCancelled, time.Now()))
	s.Require().NoError(s.store.Libraries().Update(ctx, alpha))

	out, err := s.store.Libraries().ListNonCancelled(ctx)
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.Equal("urn:lib:beta", out[0].ExternalID)
}

func (s *PostgresRegistrySuite) TestServiceAreaReplacement() {
	ctx := context.Background()
	lib := s.seedLibrary("urn:lib:areas")

	first := []*models.ServiceArea{
		{ID: domain.NewServiceAreaID(), LibraryID: lib.ID, PlaceID: s.placeID, Kind: models.AreaEligibility},
		{ID: domain.NewServiceAreaID(), LibraryID: lib.ID, PlaceID: s.placeID, Kind: models.AreaFocus},
	}
	s.Require().NoError(s.store.ServiceAreas().ReplaceForLibrary(ctx, lib.ID, first))

	second := []*models.ServiceArea{
		{ID: domain.NewServiceAreaID(), LibraryID: lib.ID, PlaceID: s.placeID, Kind: models.AreaEligibility},
	}
	s.Require().NoError(s.store.ServiceAreas().ReplaceForLibrary(ctx, lib.ID, second))

	elig, err := s.store.ServiceAreas().ListByLibrary(ctx, lib.ID, models.AreaEligibility)
	s.Require().NoError(err)
	s.Require().Len(elig, 1)
	s.Equal(second[0].ID, elig[0].ID)

	focus, err := s.store.ServiceAreas().ListByLibrary(ctx, lib.ID, models.AreaFocus)
	s.Require().NoError(err)
	s.Empty(focus)
}

func (s *PostgresRegistrySuite) TestValidationLifecycle() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	lib := s.seedLibrary("urn:lib:validation")

	first, err := models.NewValidation(lib.ID, 24*time.Hour, now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Validations().Create(ctx, first))

	second, err := models.NewValidation(lib.ID, 24*time.Hour, now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Validations().Create(ctx, second))

	_, err = s.store.Validations().BySecret(ctx, first.Secret)
	s.Require().ErrorIs(err, sentinel.ErrNotFound, "re-registration discards the live secret")

	s.Require().NoError(second.Consume(now))
	s.Require().NoError(s.store.Validations().Update(ctx, second))

	got, err := s.store.Validations().BySecret(ctx, second.Secret)
	s.Require().NoError(err)
	s.Require().NotNil(got.ConsumedAt)
}

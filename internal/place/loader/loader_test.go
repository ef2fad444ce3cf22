package loader

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libdiscovery/internal/place/models"
	"libdiscovery/internal/place/store"
	dErrors "libdiscovery/pkg/domain-errors"
)

const (
	nationLine = `{"id": "US", "name": "United States", "type": "nation"}` + "\n" +
		`{"type": "Polygon", "coordinates": [[[-130, 20], [-70, 20], [-70, 50], [-130, 50], [-130, 20]]]}`
	stateLine = `{"id": "US-MA", "name": "Massachusetts", "type": "state", "abbreviated_name": "MA", "parent_id": "US"}` + "\n" +
		`{"type": "Polygon", "coordinates": [[[-73.5, 41.2], [-69.9, 41.2], [-69.9, 42.9], [-73.5, 42.9], [-73.5, 41.2]]]}`
)

func newLoader() (*Loader, *store.InMemory) {
	places := store.NewInMemory()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(places, logger), places
}

func TestLoadStream(t *testing.T) {
	l, places := newLoader()
	ctx := context.Background()

	report, err := l.Load(ctx, strings.NewReader(nationLine+"\n"+stateLine+"\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 0, report.Reused)

	nation, err := places.ByExternalID(ctx, "US")
	require.NoError(t, err)
	assert.Equal(t, models.TypeNation, nation.Type)

	ma, err := places.ByExternalID(ctx, "US-MA")
	require.NoError(t, err)
	assert.Equal(t, "MA", ma.AbbreviatedName)
	assert.Equal(t, nation.ID, ma.ParentID)
	assert.False(t, ma.Geometry.Empty())
}

func TestReloadReusesRows(t *testing.T) {
	l, places := newLoader()
	ctx := context.Background()

	_, err := l.Load(ctx, strings.NewReader(nationLine+"\n"))
	require.NoError(t, err)
	first, err := places.ByExternalID(ctx, "US")
	require.NoError(t, err)

	report, err := l.Load(ctx, strings.NewReader(nationLine+"\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Reused)

	again, err := places.ByExternalID(ctx, "US")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestLoadBlankLinesTolerated(t *testing.T) {
	l, _ := newLoader()

	report, err := l.Load(context.Background(), strings.NewReader("\n"+nationLine+"\n\n"+stateLine+"\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
}

func TestLoadUnknownParent(t *testing.T) {
	l, _ := newLoader()

	report, err := l.Load(context.Background(), strings.NewReader(stateLine+"\n"))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	assert.Contains(t, err.Error(), "US")
	assert.Equal(t, 0, report.Created)
}

func TestLoadDanglingMetadata(t *testing.T) {
	l, _ := newLoader()

	_, err := l.Load(context.Background(), strings.NewReader(`{"id": "US", "name": "United States", "type": "nation"}`+"\n"))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestLoadRejectsPointGeometry(t *testing.T) {
	l, _ := newLoader()

	stream := `{"id": "NY", "name": "New York", "type": "state"}` + "\n" +
		`{"type": "Point", "coordinates": [-75, 43]}` + "\n"
	_, err := l.Load(context.Background(), strings.NewReader(stream))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestLoadStopsAtFirstBadPair(t *testing.T) {
	l, places := newLoader()
	ctx := context.Background()

	stream := nationLine + "\n" + "not json\n" + stateLine + "\n"
	report, err := l.Load(ctx, strings.NewReader(stream))
	require.Error(t, err)
	assert.Equal(t, 1, report.Created)

	_, err = places.ByExternalID(ctx, "US")
	assert.NoError(t, err, "places before the bad pair stay committed")
	_, err = places.ByExternalID(ctx, "US-MA")
	assert.Error(t, err)
}

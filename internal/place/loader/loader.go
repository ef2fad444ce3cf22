// Package loader ingests the geographic reference dataset: a newline-
// delimited stream where each place is a metadata line followed by a
// GeoJSON geometry line.
package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"libdiscovery/internal/geo"
	"libdiscovery/internal/place/models"
	"libdiscovery/internal/place/store"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
)

// Geometry lines for large territories run to megabytes.
const maxLineBytes = 64 * 1024 * 1024

// Loader writes places into the store. Loads are idempotent: a place whose
// external id (or name+parent+type) already exists is reused, not
// duplicated, so re-running an import converges.
type Loader struct {
	places store.Store
	logger *slog.Logger
}

// New constructs a Loader.
func New(places store.Store, logger *slog.Logger) *Loader {
	return &Loader{places: places, logger: logger}
}

// Report tallies one import run.
type Report struct {
	Created int `json:"created"`
	Reused  int `json:"reused"`
}

// metadata mirrors the dataset's wire format. ParentID references the
// parent place's external id, not ours.
type metadata struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	AbbreviatedName string `json:"abbreviated_name"`
	ParentID        string `json:"parent_id"`
}

// Load reads metadata/geometry line pairs until EOF. Parents must appear
// before their children, either earlier in the stream or from a previous
// import. The stream stops at the first malformed pair; everything before
// it is already committed.
func (l *Loader) Load(ctx context.Context, r io.Reader) (*Report, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	report := &Report{}
	line := 0
	for scanner.Scan() {
		line++
		metaLine := scanner.Bytes()
		if len(metaLine) == 0 {
			continue
		}
		var meta metadata
		if err := json.Unmarshal(metaLine, &meta); err != nil {
			return report, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("line %d: invalid metadata", line))
		}
		if !scanner.Scan() {
			return report, dErrors.Newf(dErrors.CodeValidation, "line %d: metadata without a geometry line", line)
		}
		line++
		var geometry geo.Geometry
		if err := json.Unmarshal(scanner.Bytes(), &geometry); err != nil {
			return report, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("line %d: invalid geometry for %q", line, meta.ID))
		}

		created, err := l.loadOne(ctx, meta, geometry)
		if err != nil {
			return report, err
		}
		if created {
			report.Created++
		} else {
			report.Reused++
		}
	}
	if err := scanner.Err(); err != nil {
		return report, dErrors.Wrap(err, dErrors.CodeValidation, "read place stream")
	}
	l.logger.Info("places loaded", "created", report.Created, "reused", report.Reused)
	return report, nil
}

func (l *Loader) loadOne(ctx context.Context, meta metadata, geometry geo.Geometry) (bool, error) {
	parentID, err := l.resolveParent(ctx, meta)
	if err != nil {
		return false, err
	}

	place, err := models.New(domain.NewPlaceID(), models.PlaceType(meta.Type), meta.Name,
		parentID, geometry, requestcontext.Now(ctx))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("place %q", meta.ID))
	}
	place.ExternalID = meta.ID
	place.AbbreviatedName = meta.AbbreviatedName

	stored, err := l.places.CreateIfAbsent(ctx, place)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("store place %q", meta.ID))
	}
	return stored.ID == place.ID, nil
}

func (l *Loader) resolveParent(ctx context.Context, meta metadata) (domain.PlaceID, error) {
	if meta.ParentID == "" {
		return domain.PlaceID{}, nil
	}
	parent, err := l.places.ByExternalID(ctx, meta.ParentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return domain.PlaceID{}, dErrors.Newf(dErrors.CodeValidation,
				"place %q references unknown parent %q", meta.ID, meta.ParentID)
		}
		return domain.PlaceID{}, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("resolve parent of %q", meta.ID))
	}
	return parent.ID, nil
}

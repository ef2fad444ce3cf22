package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"libdiscovery/internal/geo"
	"libdiscovery/internal/place/models"
	"libdiscovery/pkg/domain"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
)

// Postgres persists places. Geometry is stored as GeoJSON in a jsonb column;
// fuzzy name lookup uses levenshtein() from the fuzzystrmatch extension,
// matching how lookups behave against the in-memory store.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a Postgres-backed place store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the places table and supporting extensions.
// Schema-migration tooling is deliberately out of scope; bootstrap DDL is
// idempotent instead.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS fuzzystrmatch;

CREATE TABLE IF NOT EXISTS places (
	id uuid PRIMARY KEY,
	type text NOT NULL,
	external_id text,
	name text NOT NULL,
	abbreviated_name text,
	parent_id uuid REFERENCES places (id),
	geometry jsonb,
	is_default_nation boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS places_external_id_key
	ON places (external_id) WHERE external_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS places_name_parent_type_key
	ON places (lower(name), COALESCE(parent_id, '00000000-0000-0000-0000-000000000000'::uuid), type);
CREATE INDEX IF NOT EXISTS places_parent_idx ON places (parent_id);
CREATE INDEX IF NOT EXISTS places_lower_name_idx ON places (lower(name));
`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ensure places schema: %w", err)
	}
	return nil
}

const placeColumns = `id, type, external_id, name, abbreviated_name, parent_id, geometry, created_at`

func (s *Postgres) ByID(ctx context.Context, id domain.PlaceID) (*models.Place, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE id = $1`, uuid.UUID(id))
	return scanPlace(row)
}

func (s *Postgres) ByExternalID(ctx context.Context, externalID string) (*models.Place, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE external_id = $1`, externalID)
	return scanPlace(row)
}

// scopeClause matches direct children of the scope, postal-code
// grandchildren, everything when the scope is zero, and everything when the
// scope is the everywhere place.
const scopeClause = `
	($2::uuid IS NULL
	 OR (SELECT type FROM places sc WHERE sc.id = $2) = 'everywhere'
	 OR p.parent_id = $2
	 OR (p.type = 'postal_code' AND EXISTS (
			SELECT 1 FROM places gp WHERE gp.id = p.parent_id AND gp.parent_id = $2)))`

func (s *Postgres) ByNameScoped(ctx context.Context, name string, parentID domain.PlaceID, exclude []models.PlaceType) ([]*models.Place, error) {
	query := `
SELECT ` + qualified(placeColumns) + `
FROM places p
WHERE (lower(p.name) = lower($1) OR lower(COALESCE(p.abbreviated_name, '')) = lower($1))
  AND ` + scopeClause + `
  AND NOT (p.type = ANY ($3))
ORDER BY p.name`
	rows, err := s.db.QueryContext(ctx, query, name, nullableID(parentID), pq.Array(typeStrings(exclude)))
	if err != nil {
		return nil, fmt.Errorf("place lookup by name: %w", err)
	}
	defer rows.Close()
	return scanPlaces(rows)
}

func (s *Postgres) FuzzyByName(ctx context.Context, name string, parentID domain.PlaceID, maxDistance int, exclude []models.PlaceType) ([]FuzzyMatch, error) {
	query := `
SELECT ` + qualified(placeColumns) + `,
       LEAST(
           levenshtein(lower(p.name), lower($1)),
           COALESCE(levenshtein(lower(p.abbreviated_name), lower($1)), 32767)
       ) AS distance
FROM places p
WHERE ` + scopeClause + `
  AND NOT (p.type = ANY ($3))
  AND LEAST(
          levenshtein(lower(p.name), lower($1)),
          COALESCE(levenshtein(lower(p.abbreviated_name), lower($1)), 32767)
      ) <= $4
ORDER BY distance, p.name`
	rows, err := s.db.QueryContext(ctx, query, name, nullableID(parentID), pq.Array(typeStrings(exclude)), maxDistance)
	if err != nil {
		return nil, fmt.Errorf("fuzzy place lookup: %w", err)
	}
	defer rows.Close()

	var out []FuzzyMatch
	for rows.Next() {
		var (
			rec      placeRecord
			distance int
		)
		if err := rec.scan(rows.Scan, &distance); err != nil {
			return nil, fmt.Errorf("scan fuzzy place: %w", err)
		}
		p, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, FuzzyMatch{Place: p, Distance: distance})
	}
	return out, rows.Err()
}

func (s *Postgres) CreateIfAbsent(ctx context.Context, place *models.Place) (*models.Place, error) {
	if place.ExternalID != "" {
		existing, err := s.ByExternalID(ctx, place.ExternalID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}

	geom, err := geometryJSON(place.Geometry)
	if err != nil {
		return nil, err
	}
	createdAt := place.CreatedAt
	if createdAt.IsZero() {
		createdAt = requestcontext.Now(ctx)
	}

	// ON CONFLICT DO NOTHING plus a re-select makes concurrent first-inserts
	// converge on the winner's row.
	_, err = s.db.ExecContext(ctx, `
INSERT INTO places (id, type, external_id, name, abbreviated_name, parent_id, geometry, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8)
ON CONFLICT DO NOTHING`,
		uuid.UUID(place.ID), string(place.Type), place.ExternalID, place.Name,
		place.AbbreviatedName, nullableID(place.ParentID), geom, createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert place: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
SELECT `+placeColumns+` FROM places
WHERE lower(name) = lower($1)
  AND COALESCE(parent_id, '00000000-0000-0000-0000-000000000000'::uuid) =
      COALESCE($2::uuid, '00000000-0000-0000-0000-000000000000'::uuid)
  AND type = $3`,
		place.Name, nullableID(place.ParentID), string(place.Type))
	return scanPlace(row)
}

func (s *Postgres) Everywhere(ctx context.Context) (*models.Place, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE type = 'everywhere'`)
	p, err := scanPlace(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}
	return s.CreateIfAbsent(ctx, &models.Place{
		ID:   domain.NewPlaceID(),
		Type: models.TypeEverywhere,
		Name: "everywhere",
	})
}

func (s *Postgres) DefaultNation(ctx context.Context) (*models.Place, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE type = 'nation' AND is_default_nation`)
	return scanPlace(row)
}

// SetDefaultNation marks the nation used to scope bare reference lists.
func (s *Postgres) SetDefaultNation(ctx context.Context, id domain.PlaceID) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE places SET is_default_nation = (id = $1) WHERE type = 'nation'`, uuid.UUID(id)); err != nil {
		return fmt.Errorf("set default nation: %w", err)
	}
	return nil
}

type placeRecord struct {
	id         uuid.UUID
	placeType  string
	externalID sql.NullString
	name       string
	abbrev     sql.NullString
	parentID   uuid.NullUUID
	geometry   []byte
	createdAt  sql.NullTime
}

func (r *placeRecord) scan(scan func(...any) error, extra ...any) error {
	dest := []any{&r.id, &r.placeType, &r.externalID, &r.name, &r.abbrev, &r.parentID, &r.geometry, &r.createdAt}
	dest = append(dest, extra...)
	return scan(dest...)
}

func (r *placeRecord) toModel() (*models.Place, error) {
	p := &models.Place{
		ID:              domain.PlaceID(r.id),
		Type:            models.PlaceType(r.placeType),
		ExternalID:      r.externalID.String,
		Name:            r.name,
		AbbreviatedName: r.abbrev.String,
		CreatedAt:       r.createdAt.Time,
	}
	if r.parentID.Valid {
		p.ParentID = domain.PlaceID(r.parentID.UUID)
	}
	if len(r.geometry) > 0 {
		if err := json.Unmarshal(r.geometry, &p.Geometry); err != nil {
			return nil, fmt.Errorf("decode place geometry: %w", err)
		}
	}
	return p, nil
}

func scanPlace(row *sql.Row) (*models.Place, error) {
	var rec placeRecord
	if err := rec.scan(row.Scan); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan place: %w", err)
	}
	return rec.toModel()
}

func scanPlaces(rows *sql.Rows) ([]*models.Place, error) {
	var out []*models.Place
	for rows.Next() {
		var rec placeRecord
		if err := rec.scan(rows.Scan); err != nil {
			return nil, fmt.Errorf("scan place: %w", err)
		}
		p, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func geometryJSON(g geo.Geometry) (any, error) {
	if g.Empty() {
		return nil, nil
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return data, nil
}

func nullableID(id domain.PlaceID) any {
	if id.IsZero() {
		return nil
	}
	return uuid.UUID(id)
}

func typeStrings(types []models.PlaceType) []string {
	if len(types) == 0 {
		return []string{}
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func qualified(columns string) string {
	parts := strings.Split(columns, ", ")
	for i, c := range parts {
		parts[i] = "p." + c
	}
	return strings.Join(parts, ", ")
}

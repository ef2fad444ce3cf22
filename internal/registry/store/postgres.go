package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"libdiscovery/internal/registry/models"
	"libdiscovery/pkg/domain"
	"libdiscovery/pkg/platform/sentinel"
)

// Postgres persists the registry. Service-area replacement and validation
// issuance run in transactions; everything else is single-statement.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a Postgres-backed registry store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the registry tables. Bootstrap DDL is idempotent;
// schema-migration tooling is deliberately out of scope.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS libraries (
	id uuid PRIMARY KEY,
	external_id text NOT NULL UNIQUE,
	name text NOT NULL,
	auth_url text NOT NULL,
	secret text NOT NULL UNIQUE,
	stage text NOT NULL,
	website_url text,
	description text,
	contact_link text,
	failure_count integer NOT NULL DEFAULT 0,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	last_validated_at timestamptz
);

CREATE TABLE IF NOT EXISTS service_areas (
	id uuid PRIMARY KEY,
	library_id uuid NOT NULL REFERENCES libraries (id) ON DELETE CASCADE,
	place_id uuid NOT NULL REFERENCES places (id),
	kind text NOT NULL,
	UNIQUE (library_id, place_id, kind)
);

CREATE INDEX IF NOT EXISTS service_areas_library_idx ON service_areas (library_id);

CREATE TABLE IF NOT EXISTS validations (
	id uuid PRIMARY KEY,
	library_id uuid NOT NULL REFERENCES libraries (id) ON DELETE CASCADE,
	secret text NOT NULL UNIQUE,
	started_at timestamptz NOT NULL,
	deadline timestamptz NOT NULL,
	consumed_at timestamptz
);

CREATE INDEX IF NOT EXISTS validations_library_idx ON validations (library_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure registry schema: %w", err)
	}
	return nil
}

func (s *Postgres) Libraries() LibraryStore        { return &pgLibraries{db: s.db} }
func (s *Postgres) ServiceAreas() ServiceAreaStore { return &pgAreas{db: s.db} }
func (s *Postgres) Validations() ValidationStore   { return &pgValidations{db: s.db} }

type pgLibraries struct {
	db *sql.DB
}

const libraryColumns = `id, external_id, name, auth_url, secret, stage, website_url,
	description, contact_link, failure_count, created_at, updated_at, last_validated_at`

func (s *pgLibraries) Create(ctx context.Context, lib *models.Library) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO libraries (id, external_id, name, auth_url, secret, stage, website_url,
	description, contact_link, failure_count, created_at, updated_at, last_validated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13)`,
		uuid.UUID(lib.ID), lib.ExternalID, lib.Name, lib.AuthURL, lib.Secret,
		string(lib.Stage), lib.WebsiteURL, lib.Description, lib.ContactLink,
		lib.FailureCount, lib.CreatedAt, lib.UpdatedAt, lib.LastValidatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert library: %w", err)
	}
	return nil
}

func (s *pgLibraries) ByID(ctx context.Context, id domain.LibraryID) (*models.Library, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries WHERE id = $1`, uuid.UUID(id))
	return scanLibrary(row)
}

func (s *pgLibraries) ByExternalID(ctx context.Context, externalID string) (*models.Library, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries WHERE external_id = $1`, externalID)
	return scanLibrary(row)
}

func (s *pgLibraries) Update(ctx context.Context, lib *models.Library) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE libraries SET
	external_id = $2, name = $3, auth_url = $4, secret = $5, stage = $6,
	website_url = NULLIF($7, ''), description = NULLIF($8, ''), contact_link = NULLIF($9, ''),
	failure_count = $10, updated_at = $11, last_validated_at = $12
WHERE id = $1`,
		uuid.UUID(lib.ID), lib.ExternalID, lib.Name, lib.AuthURL, lib.Secret,
		string(lib.Stage), lib.WebsiteURL, lib.Description, lib.ContactLink,
		lib.FailureCount, lib.UpdatedAt, lib.LastValidatedAt)
	if err != nil {
		return fmt.Errorf("update library: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update library: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *pgLibraries) ListNonCancelled(ctx context.Context) ([]*models.Library, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+libraryColumns+` FROM libraries WHERE stage <> 'cancelled' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	var out []*models.Library
	for rows.Next() {
		var rec libraryRecord
		if err := rec.scan(rows.Scan); err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		out = append(out, rec.toModel())
	}
	return out, rows.Err()
}

type pgAreas struct {
	db *sql.DB
}

func (s *pgAreas) ReplaceForLibrary(ctx context.Context, libraryID domain.LibraryID, areas []*models.ServiceArea) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace service areas: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM service_areas WHERE library_id = $1`, uuid.UUID(libraryID)); err != nil {
		return fmt.Errorf("clear service areas: %w", err)
	}
	for _, a := range areas {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO service_areas (id, library_id, place_id, kind)
VALUES ($1, $2, $3, $4)
ON CONFLICT (library_id, place_id, kind) DO NOTHING`,
			uuid.UUID(a.ID), uuid.UUID(a.LibraryID), uuid.UUID(a.PlaceID), string(a.Kind)); err != nil {
			return fmt.Errorf("insert service area: %w", err)
		}
	}
	return tx.Commit()
}

func (s *pgAreas) ListByLibrary(ctx context.Context, libraryID domain.LibraryID, kind models.AreaKind) ([]*models.ServiceArea, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, library_id, place_id, kind FROM service_areas
WHERE library_id = $1 AND kind = $2`,
		uuid.UUID(libraryID), string(kind))
	if err != nil {
		return nil, fmt.Errorf("list service areas: %w", err)
	}
	defer rows.Close()

	var out []*models.ServiceArea
	for rows.Next() {
		var (
			id, libID, placeID uuid.UUID
			k                  string
		)
		if err := rows.Scan(&id, &libID, &placeID, &k); err != nil {
			return nil, fmt.Errorf("scan service area: %w", err)
		}
		out = append(out, &models.ServiceArea{
			ID:        domain.ServiceAreaID(id),
			LibraryID: domain.LibraryID(libID),
			PlaceID:   domain.PlaceID(placeID),
			Kind:      models.AreaKind(k),
		})
	}
	return out, rows.Err()
}

type pgValidations struct {
	db *sql.DB
}

func (s *pgValidations) Create(ctx context.Context, v *models.Validation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	defer tx.Rollback()

	// Discard any live secret for the library before issuing the new one.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM validations WHERE library_id = $1 AND consumed_at IS NULL`,
		uuid.UUID(v.LibraryID)); err != nil {
		return fmt.Errorf("discard prior validation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO validations (id, library_id, secret, started_at, deadline, consumed_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(v.ID), uuid.UUID(v.LibraryID), v.Secret, v.StartedAt, v.Deadline, v.ConsumedAt); err != nil {
		return fmt.Errorf("insert validation: %w", err)
	}
	return tx.Commit()
}

func (s *pgValidations) BySecret(ctx context.Context, secret string) (*models.Validation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, library_id, secret, started_at, deadline, consumed_at
FROM validations WHERE secret = $1`, secret)

	var (
		v          models.Validation
		id, libID  uuid.UUID
		consumedAt sql.NullTime
	)
	if err := row.Scan(&id, &libID, &v.Secret, &v.StartedAt, &v.Deadline, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan validation: %w", err)
	}
	v.ID = domain.ValidationID(id)
	v.LibraryID = domain.LibraryID(libID)
	if consumedAt.Valid {
		t := consumedAt.Time
		v.ConsumedAt = &t
	}
	return &v, nil
}

func (s *pgValidations) Update(ctx context.Context, v *models.Validation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validations SET consumed_at = $2 WHERE id = $1`,
		uuid.UUID(v.ID), v.ConsumedAt)
	if err != nil {
		return fmt.Errorf("update validation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update validation: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type libraryRecord struct {
	id              uuid.UUID
	externalID      string
	name            string
	authURL         string
	secret          string
	stage           string
	websiteURL      sql.NullString
	description     sql.NullString
	contactLink     sql.NullString
	failureCount    int
	createdAt       sql.NullTime
	updatedAt       sql.NullTime
	lastValidatedAt sql.NullTime
}

func (r *libraryRecord) scan(scan func(...any) error) error {
	return scan(&r.id, &r.externalID, &r.name, &r.authURL, &r.secret, &r.stage,
		&r.websiteURL, &r.description, &r.contactLink, &r.failureCount,
		&r.createdAt, &r.updatedAt, &r.lastValidatedAt)
}

func (r *libraryRecord) toModel() *models.Library {
	lib := &models.Library{
		ID:           domain.LibraryID(r.id),
		ExternalID:   r.externalID,
		Name:         r.name,
		AuthURL:      r.authURL,
		Secret:       r.secret,
		Stage:        models.Stage(r.stage),
		WebsiteURL:   r.websiteURL.String,
		Description:  r.description.String,
		ContactLink:  r.contactLink.String,
		FailureCount: r.failureCount,
		CreatedAt:    r.createdAt.Time,
		UpdatedAt:    r.updatedAt.Time,
	}
	if r.lastValidatedAt.Valid {
		t := r.lastValidatedAt.Time
		lib.LastValidatedAt = &t
	}
	return lib
}

func scanLibrary(row *sql.Row) (*models.Library, error) {
	var rec libraryRecord
	if err := rec.scan(row.Scan); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan library: %w", err)
	}
	return rec.toModel(), nil
}

func isUniqueViolation(err error) bool {
	var pqErr interface{ SQLState() string }
	if errors.As(err, &pqErr) {
		return pqErr.SQLState() == "23505"
	}
	return false
}

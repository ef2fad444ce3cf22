// Package domain holds the typed identifiers shared across modules.
//
// IDs are distinct types over uuid.UUID so the compiler rejects passing a
// PlaceID where a LibraryID is expected. Parse functions enforce the
// invariant that IDs crossing a trust boundary are valid, non-nil UUIDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "libdiscovery/pkg/domain-errors"
)

type (
	// LibraryID identifies a registered library.
	LibraryID uuid.UUID

	// PlaceID identifies a node in the geographic hierarchy.
	PlaceID uuid.UUID

	// ServiceAreaID identifies a library/place coverage association.
	ServiceAreaID uuid.UUID

	// ValidationID identifies a contact-channel validation attempt.
	ValidationID uuid.UUID
)

func (id LibraryID) String() string     { return uuid.UUID(id).String() }
func (id PlaceID) String() string       { return uuid.UUID(id).String() }
func (id ServiceAreaID) String() string { return uuid.UUID(id).String() }
func (id ValidationID) String() string  { return uuid.UUID(id).String() }

func (id LibraryID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }
func (id PlaceID) IsZero() bool   { return uuid.UUID(id) == uuid.Nil }

// IDs serialize as canonical uuid strings, not raw bytes.

func (id LibraryID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id PlaceID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id ServiceAreaID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id ValidationID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }

func (id *LibraryID) UnmarshalText(b []byte) error {
	parsed, err := ParseLibraryID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *PlaceID) UnmarshalText(b []byte) error {
	parsed, err := ParsePlaceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *ServiceAreaID) UnmarshalText(b []byte) error {
	u, err := parseUUID(string(b), "service area id")
	if err != nil {
		return err
	}
	*id = ServiceAreaID(u)
	return nil
}

func (id *ValidationID) UnmarshalText(b []byte) error {
	parsed, err := ParseValidationID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewLibraryID returns a fresh random library ID.
func NewLibraryID() LibraryID { return LibraryID(uuid.New()) }

// NewPlaceID returns a fresh random place ID.
func NewPlaceID() PlaceID { return PlaceID(uuid.New()) }

// NewServiceAreaID returns a fresh random service area ID.
func NewServiceAreaID() ServiceAreaID { return ServiceAreaID(uuid.New()) }

// NewValidationID returns a fresh random validation ID.
func NewValidationID() ValidationID { return ValidationID(uuid.New()) }

// ParseLibraryID parses and validates a library ID from its string form.
func ParseLibraryID(s string) (LibraryID, error) {
	u, err := parseUUID(s, "library id")
	return LibraryID(u), err
}

// ParsePlaceID parses and validates a place ID from its string form.
func ParsePlaceID(s string) (PlaceID, error) {
	u, err := parseUUID(s, "place id")
	return PlaceID(u), err
}

// ParseValidationID parses and validates a validation ID from its string form.
func ParseValidationID(s string) (ValidationID, error) {
	u, err := parseUUID(s, "validation id")
	return ValidationID(u), err
}

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be the nil UUID")
	}
	return u, nil
}

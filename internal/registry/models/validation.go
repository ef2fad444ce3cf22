package models

import (
	"time"

	"libdiscovery/pkg/domain"
	"libdiscovery/pkg/platform/sentinel"
)

// Validation is a single-use, time-limited secret proving control of a
// library's registered contact channel.
//
// Invariants:
//   - One unconsumed, unexpired validation per library at a time (enforced
//     by the store replacing any prior row on create)
//   - The deadline is an absolute wall-clock instant; expiry is checked at
//     consumption time, never by a background sweep
//   - Consuming or expiring invalidates the secret permanently
type Validation struct {
	ID         domain.ValidationID `json:"id"`
	LibraryID  domain.LibraryID    `json:"library_id"`
	Secret     string              `json:"-"`
	StartedAt  time.Time           `json:"started_at"`
	Deadline   time.Time           `json:"deadline"`
	ConsumedAt *time.Time          `json:"consumed_at,omitempty"`
}

// NewValidation issues a fresh validation secret for the library.
func NewValidation(libraryID domain.LibraryID, ttl time.Duration, now time.Time) (*Validation, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	return &Validation{
		ID:        domain.NewValidationID(),
		LibraryID: libraryID,
		Secret:    secret,
		StartedAt: now,
		Deadline:  now.Add(ttl),
	}, nil
}

// Consume marks the validation used, rejecting reuse and late consumption.
func (v *Validation) Consume(now time.Time) error {
	if v.ConsumedAt != nil {
		return sentinel.ErrAlreadyUsed
	}
	if now.After(v.Deadline) {
		return sentinel.ErrExpired
	}
	t := now
	v.ConsumedAt = &t
	return nil
}

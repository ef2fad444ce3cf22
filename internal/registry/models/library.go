package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
)

// Stage is a library's position in the trust-establishment lifecycle.
//
// Legal transitions move forward only (untested → testing → production) or
// to cancelled from any non-terminal stage. There is no path out of
// cancelled.
type Stage string

const (
	StageUntested   Stage = "untested"
	StageTesting    Stage = "testing"
	StageProduction Stage = "production"
	StageCancelled  Stage = "cancelled"
)

var stageOrder = map[Stage]int{
	StageUntested:   0,
	StageTesting:    1,
	StageProduction: 2,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageCancelled || hasOrder(s)
}

func hasOrder(s Stage) bool {
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether the stage permits no further transitions.
func (s Stage) Terminal() bool { return s == StageCancelled }

// CanTransition reports whether moving from s to next is legal.
func (s Stage) CanTransition(next Stage) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StageCancelled {
		return true
	}
	return stageOrder[next] == stageOrder[s]+1
}

// Library is the aggregate root for a registered library service.
//
// Invariants:
//   - Exactly one stage at any time; transitions go through Advance only
//   - Secret is immutable once issued except via RotateSecret
//   - ExternalID (the authentication document's stable id) is unique
type Library struct {
	ID          domain.LibraryID `json:"id"`
	ExternalID  string           `json:"external_id"`
	Name        string           `json:"name"`
	AuthURL     string           `json:"auth_url"`
	Secret      string           `json:"-"`
	Stage       Stage            `json:"stage"`
	WebsiteURL  string           `json:"website_url,omitempty"`
	Description string           `json:"description,omitempty"`
	ContactLink string           `json:"contact_link,omitempty"`

	// FailureCount counts consecutive refresh failures; any success resets
	// it. Crossing the configured threshold cancels the library.
	FailureCount int `json:"failure_count"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

// NewLibrary constructs an untested library from a parsed document.
func NewLibrary(id domain.LibraryID, externalID, name, authURL string, now time.Time) (*Library, error) {
	externalID = strings.TrimSpace(externalID)
	name = strings.TrimSpace(name)
	if externalID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "library external id cannot be empty")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "library name cannot be empty")
	}
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	return &Library{
		ID:         id,
		ExternalID: externalID,
		Name:       name,
		AuthURL:    authURL,
		Secret:     secret,
		Stage:      StageUntested,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CanAdvance checks whether the library may move to the given stage.
func (l *Library) CanAdvance(next Stage) error {
	if !l.Stage.CanTransition(next) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"illegal stage transition %s -> %s", l.Stage, next)
	}
	return nil
}

// ApplyAdvance moves the library to the given stage. Call CanAdvance first.
func (l *Library) ApplyAdvance(next Stage, now time.Time) {
	l.Stage = next
	l.UpdatedAt = now
	if next == StageCancelled {
		return
	}
	// Any forward movement clears the refresh failure streak.
	l.FailureCount = 0
}

// Advance validates and applies a stage transition in one call.
func (l *Library) Advance(next Stage, now time.Time) error {
	if err := l.CanAdvance(next); err != nil {
		return err
	}
	l.ApplyAdvance(next, now)
	return nil
}

// ApplyDocument updates document-derived fields on (re-)registration. The
// stage and secret survive re-registration untouched.
func (l *Library) ApplyDocument(name, websiteURL, description, contactLink string, now time.Time) {
	if name = strings.TrimSpace(name); name != "" {
		l.Name = name
	}
	l.WebsiteURL = websiteURL
	l.Description = description
	l.ContactLink = contactLink
	l.UpdatedAt = now
}

// RecordRefreshFailure increments the consecutive-failure counter and
// reports whether it has reached the threshold.
func (l *Library) RecordRefreshFailure(threshold int) bool {
	l.FailureCount++
	return threshold > 0 && l.FailureCount >= threshold
}

// RecordRefreshSuccess resets the consecutive-failure counter.
func (l *Library) RecordRefreshSuccess(now time.Time) {
	l.FailureCount = 0
	l.UpdatedAt = now
}

// MarkValidated stamps a successful contact-channel validation.
func (l *Library) MarkValidated(now time.Time) {
	t := now
	l.LastValidatedAt = &t
	l.UpdatedAt = now
}

// RotateSecret replaces the shared secret. The only sanctioned mutation of
// the secret after issuance.
func (l *Library) RotateSecret(now time.Time) error {
	secret, err := NewSecret()
	if err != nil {
		return err
	}
	l.Secret = secret
	l.UpdatedAt = now
	return nil
}

// NewSecret produces a random 256-bit hex secret.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "generate secret")
	}
	return hex.EncodeToString(buf), nil
}

// Package events publishes registry lifecycle events so downstream systems
// (catalog sync, notification pipelines) can react without polling.
package events

import (
	"context"
	"time"

	"libdiscovery/pkg/domain"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventLibraryRegistered  EventType = "library_registered"
	EventLibraryUpdated     EventType = "library_updated"
	EventStageAdvanced      EventType = "stage_advanced"
	EventLibraryCancelled   EventType = "library_cancelled"
	EventValidationConsumed EventType = "validation_consumed"
	EventSecretRotated      EventType = "secret_rotated"
	EventRefreshFailed      EventType = "refresh_failed"
	EventRefreshCompleted   EventType = "refresh_completed"
)

// Event is emitted from registry logic to capture key lifecycle actions.
// Keep it transport-agnostic so publishers can fan out.
type Event struct {
	Type      EventType        `json:"type"`
	LibraryID domain.LibraryID `json:"library_id,omitzero"`
	Stage     string           `json:"stage,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`

	// Counts summarizes a refresh sweep by outcome label. Only set on
	// refresh_completed events.
	Counts map[string]int `json:"counts,omitempty"`
}

// Publisher delivers events to a sink. Publish failures must not fail the
// domain operation that produced the event; callers log and move on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event. Dev mode and tests that do not assert on
// events use this.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

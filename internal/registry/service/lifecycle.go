package service

import (
	"context"
	"errors"

	"libdiscovery/internal/events"
	"libdiscovery/internal/registry/models"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
)

// ConsumeValidation redeems a contact-channel secret.
//
// Outcomes pass through as sentinels: ErrNotFound for an unknown secret,
// ErrAlreadyUsed for reuse, ErrExpired past the deadline. A secret whose
// library has been cancelled is a state conflict and stays unconsumed.
// Success advances an untested library to testing; for a library already
// past testing the stage is left alone, so redeeming a late-arriving
// secret is idempotent.
func (s *Service) ConsumeValidation(ctx context.Context, secret string) (*models.Library, error) {
	now := requestcontext.Now(ctx)

	validation, err := s.store.Validations().BySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncrementValidation("not_found")
			return nil, sentinel.ErrNotFound
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load validation")
	}

	lib, err := s.store.Libraries().ByID(ctx, validation.LibraryID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load library")
	}
	if lib.Stage.Terminal() {
		s.metrics.IncrementValidation("cancelled")
		return nil, dErrors.New(dErrors.CodeConflict, "cannot validate a cancelled library")
	}

	if err := validation.Consume(now); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			s.metrics.IncrementValidation("already_consumed")
		case errors.Is(err, sentinel.ErrExpired):
			s.metrics.IncrementValidation("expired")
		}
		return nil, err
	}
	if err := s.store.Validations().Update(ctx, validation); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist validation")
	}

	advanced := false
	if lib.Stage == models.StageUntested {
		if err := lib.Advance(models.StageTesting, now); err != nil {
			return nil, err
		}
		advanced = true
	}
	lib.MarkValidated(now)
	if err := s.store.Libraries().Update(ctx, lib); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist library")
	}

	s.metrics.IncrementValidation("ok")
	s.emit(ctx, events.Event{Type: events.EventValidationConsumed, LibraryID: lib.ID, Stage: string(lib.Stage)})
	if advanced {
		s.emit(ctx, events.Event{Type: events.EventStageAdvanced, LibraryID: lib.ID, Stage: string(lib.Stage)})
	}
	s.logger.Info("validation consumed",
		"library_id", lib.ID.String(),
		"stage", string(lib.Stage),
	)
	return lib, nil
}

// Promote moves a library from testing to production. Any other starting
// stage is a state conflict, including cancelled.
func (s *Service) Promote(ctx context.Context, id domain.LibraryID) (*models.Library, error) {
	return s.advance(ctx, id, models.StageProduction, events.EventStageAdvanced)
}

// Withdraw cancels a library. Terminal; the library stops appearing in
// discovery results and in refresh sweeps.
func (s *Service) Withdraw(ctx context.Context, id domain.LibraryID) (*models.Library, error) {
	return s.advance(ctx, id, models.StageCancelled, events.EventLibraryCancelled)
}

func (s *Service) advance(ctx context.Context, id domain.LibraryID, next models.Stage, eventType events.EventType) (*models.Library, error) {
	now := requestcontext.Now(ctx)
	lib, err := s.store.Libraries().ByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "library not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load library")
	}
	if err := lib.CanAdvance(next); err != nil {
		return nil, dErrors.Newf(dErrors.CodeConflict,
			"cannot move library from %s to %s", lib.Stage, next)
	}
	lib.ApplyAdvance(next, now)
	if err := s.store.Libraries().Update(ctx, lib); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist library")
	}
	s.emit(ctx, events.Event{Type: eventType, LibraryID: lib.ID, Stage: string(lib.Stage)})
	s.logger.Info("library stage changed",
		"library_id", lib.ID.String(),
		"stage", string(lib.Stage),
	)
	return lib, nil
}

// RotateSecret issues a fresh shared secret, invalidating the old one.
func (s *Service) RotateSecret(ctx context.Context, id domain.LibraryID) (string, error) {
	now := requestcontext.Now(ctx)
	lib, err := s.store.Libraries().ByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.New(dErrors.CodeNotFound, "library not found")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "load library")
	}
	if lib.Stage.Terminal() {
		return "", dErrors.New(dErrors.CodeConflict, "cannot rotate secret of a cancelled library")
	}
	if err := lib.RotateSecret(now); err != nil {
		return "", err
	}
	if err := s.store.Libraries().Update(ctx, lib); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "persist library")
	}
	s.emit(ctx, events.Event{Type: events.EventSecretRotated, LibraryID: lib.ID})
	return lib.Secret, nil
}

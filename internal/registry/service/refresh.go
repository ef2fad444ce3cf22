package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"libdiscovery/internal/authdoc"
	"libdiscovery/internal/events"
	"libdiscovery/internal/registry/models"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/requestcontext"
)

// Refresh outcome labels, one per library per sweep.
const (
	OutcomeOK               = "ok"
	OutcomeTransientFailure = "transient_failure"
	OutcomeInvalidDocument  = "invalid_document"
	OutcomeCancelled        = "cancelled"
)

// RefreshOutcome is one library's result within a sweep.
type RefreshOutcome struct {
	LibraryID domain.LibraryID `json:"library_id"`
	Name      string           `json:"name"`
	Outcome   string           `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
}

// BatchReport enumerates every library evaluated by a refresh sweep,
// exactly once each.
type BatchReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Outcomes   []RefreshOutcome `json:"outcomes"`
}

// Counts tallies outcomes for logging.
func (r *BatchReport) Counts() map[string]int {
	counts := make(map[string]int)
	for _, o := range r.Outcomes {
		counts[o.Outcome]++
	}
	return counts
}

// RefreshAll re-validates every non-cancelled library against its published
// document, with bounded concurrency so one slow respondent cannot
// serialize the sweep.
//
// Failures are per-library: a failed fetch or an invalid document increments
// that library's consecutive-failure counter and moves on. Crossing the
// configured threshold cancels the library, exactly on the Nth consecutive
// failure. A success re-resolves coverage, refreshes document-derived
// fields, and resets the counter.
func (s *Service) RefreshAll(ctx context.Context) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{StartedAt: requestcontext.Now(ctx)}
	defer func() {
		s.metrics.ObserveRefreshSweep(time.Since(start))
	}()

	libraries, err := s.store.Libraries().ListNonCancelled(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list libraries")
	}

	var (
		mu       sync.Mutex
		outcomes = make([]RefreshOutcome, 0, len(libraries))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RefreshWorkers)
	for _, lib := range libraries {
		g.Go(func() error {
			outcome := s.refreshOne(gctx, lib)
			s.metrics.IncrementRefresh(outcome.Outcome)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			// Workers never return errors: one library's failure must not
			// cancel the group.
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes
	report.FinishedAt = requestcontext.Now(ctx)
	s.emit(ctx, events.Event{
		Type:   events.EventRefreshCompleted,
		Counts: report.Counts(),
	})
	s.logger.Info("refresh sweep finished",
		"libraries", len(libraries),
		"counts", report.Counts(),
		"elapsed", time.Since(start).String(),
	)
	return report, nil
}

func (s *Service) refreshOne(ctx context.Context, lib *models.Library) RefreshOutcome {
	outcome := RefreshOutcome{LibraryID: lib.ID, Name: lib.Name}

	doc, areas, err := s.fetchAndResolve(ctx, lib.AuthURL)
	if err != nil {
		outcome.Outcome = failureKind(err)
		outcome.Reason = err.Error()
		if cancelled := s.recordFailure(ctx, lib); cancelled {
			outcome.Outcome = OutcomeCancelled
		}
		return outcome
	}

	now := requestcontext.Now(ctx)
	lib.ApplyDocument(doc.Title, doc.WebsiteURL, doc.Description, doc.ContactLink(), now)
	lib.RecordRefreshSuccess(now)
	if err := s.store.Libraries().Update(ctx, lib); err != nil {
		outcome.Outcome = OutcomeTransientFailure
		outcome.Reason = err.Error()
		return outcome
	}
	if err := s.store.ServiceAreas().ReplaceForLibrary(ctx, lib.ID, serviceAreas(lib.ID, areas)); err != nil {
		outcome.Outcome = OutcomeTransientFailure
		outcome.Reason = err.Error()
		return outcome
	}

	outcome.Outcome = OutcomeOK
	return outcome
}

// recordFailure bumps the library's consecutive-failure counter,
// cancelling it when the streak reaches the threshold. Reports whether the
// library was cancelled by this failure.
func (s *Service) recordFailure(ctx context.Context, lib *models.Library) bool {
	now := requestcontext.Now(ctx)
	crossed := lib.RecordRefreshFailure(s.cfg.RefreshFailureThreshold)
	if crossed {
		// An operational problem becomes a data-model fact: discovery stops
		// surfacing a library that cannot be re-validated.
		lib.ApplyAdvance(models.StageCancelled, now)
	}
	lib.UpdatedAt = now
	if err := s.store.Libraries().Update(ctx, lib); err != nil {
		s.logger.Error("persist refresh failure", "library_id", lib.ID.String(), "error", err)
		return false
	}
	if !crossed {
		s.emit(ctx, events.Event{
			Type:      events.EventRefreshFailed,
			LibraryID: lib.ID,
			Stage:     string(lib.Stage),
		})
		return false
	}
	s.emit(ctx, events.Event{
		Type:      events.EventLibraryCancelled,
		LibraryID: lib.ID,
		Stage:     string(models.StageCancelled),
		Reason:    "refresh failure threshold reached",
	})
	s.logger.Warn("library cancelled after repeated refresh failures",
		"library_id", lib.ID.String(),
		"failures", lib.FailureCount,
	)
	return true
}

// failureKind classifies a refresh failure: network trouble is transient,
// everything the remote server actually said is a document problem.
func failureKind(err error) string {
	var fetchErr *authdoc.FetchError
	if errors.As(err, &fetchErr) && fetchErr.Transient {
		return OutcomeTransientFailure
	}
	return OutcomeInvalidDocument
}

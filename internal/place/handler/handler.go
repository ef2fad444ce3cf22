// Package handler exposes the operator endpoints for the geographic
// reference dataset.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"libdiscovery/internal/place/loader"
	"libdiscovery/internal/place/store"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/httputil"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
)

// Handler serves dataset imports and default-nation configuration.
type Handler struct {
	loader *loader.Loader
	places store.Store
	logger *slog.Logger
}

// New constructs a place handler.
func New(l *loader.Loader, places store.Store, logger *slog.Logger) *Handler {
	return &Handler{loader: l, places: places, logger: logger}
}

// RegisterAdmin mounts the operator routes.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/places", h.HandleLoadPlaces)
	r.Put("/places/default-nation", h.HandleSetDefaultNation)
}

// HandleLoadPlaces handles POST /admin/places requests. The body is the
// reference dataset stream: one metadata line and one GeoJSON geometry line
// per place.
func (h *Handler) HandleLoadPlaces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.loader.Load(ctx, r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "place import aborted",
			"request_id", requestcontext.RequestID(ctx),
			"created", report.Created,
			"reused", report.Reused,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

type defaultNationRequest struct {
	ExternalID string `json:"external_id"`
}

// HandleSetDefaultNation handles PUT /admin/places/default-nation requests.
// Bare place references in authentication documents are scoped to this
// nation.
func (h *Handler) HandleSetDefaultNation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httputil.Decode[defaultNationRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.ExternalID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "external_id is required"))
		return
	}

	place, err := h.places.ByExternalID(ctx, req.ExternalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteFailure(w, http.StatusNotFound, "not_found", "no place with that external id")
			return
		}
		httputil.WriteError(w, err)
		return
	}
	if err := h.places.SetDefaultNation(ctx, place.ID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "default nation set",
		"place_id", place.ID.String(),
		"external_id", place.ExternalID,
	)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"place_id": place.ID.String(),
		"name":     place.Name,
	})
}

// Package handler wires the search service to its HTTP endpoint.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"libdiscovery/internal/geo"
	"libdiscovery/internal/place/resolver"
	"libdiscovery/internal/search"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/httputil"
	"libdiscovery/pkg/requestcontext"
)

// Service defines the search operation the handler exposes.
type Service interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
}

// Handler exposes the discovery endpoint.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a search handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the discovery endpoint.
func (h *Handler) Register(r chi.Router) {
	r.Get("/search", h.HandleSearch)
}

// HandleSearch handles GET /search requests. The query is one of:
//
//	?lat=42.37&lng=-71.14    a coordinate
//	?place=02138             a place reference
//	?q=springfield           free text matched against library names
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query, err := parseQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	results, err := h.service.Search(ctx, query)
	if err != nil {
		var notFound *resolver.NotFoundError
		if errors.As(err, &notFound) {
			httputil.WriteFailure(w, http.StatusNotFound, "unknown_place", err.Error())
			return
		}
		var ambiguous *resolver.AmbiguousError
		if errors.As(err, &ambiguous) {
			httputil.WriteFailure(w, http.StatusBadRequest, "ambiguous_place", err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "search failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func parseQuery(r *http.Request) (search.Query, error) {
	params := r.URL.Query()

	lat, lng := params.Get("lat"), params.Get("lng")
	if lat != "" || lng != "" {
		latF, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return search.Query{}, dErrors.New(dErrors.CodeBadRequest, "lat must be a number")
		}
		lngF, err := strconv.ParseFloat(lng, 64)
		if err != nil {
			return search.Query{}, dErrors.New(dErrors.CodeBadRequest, "lng must be a number")
		}
		return search.Query{Point: &geo.Point{Lat: latF, Lng: lngF}}, nil
	}
	if place := params.Get("place"); place != "" {
		return search.Query{PlaceRef: place}, nil
	}
	if text := params.Get("q"); text != "" {
		return search.Query{Text: text}, nil
	}
	return search.Query{}, dErrors.New(dErrors.CodeBadRequest, "give lat/lng, place, or q")
}

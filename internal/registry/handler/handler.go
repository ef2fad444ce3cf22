// Package handler wires the registry service to its HTTP endpoints.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"libdiscovery/internal/registry/models"
	"libdiscovery/internal/registry/service"
	"libdiscovery/pkg/domain"
	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/httputil"
	"libdiscovery/pkg/platform/sentinel"
	"libdiscovery/pkg/requestcontext"
)

// Service defines the registry operations the handler exposes.
type Service interface {
	Register(ctx context.Context, authURL string) (*service.RegistrationResult, error)
	ConsumeValidation(ctx context.Context, secret string) (*models.Library, error)
	Promote(ctx context.Context, id domain.LibraryID) (*models.Library, error)
	Withdraw(ctx context.Context, id domain.LibraryID) (*models.Library, error)
	RotateSecret(ctx context.Context, id domain.LibraryID) (string, error)
	RefreshAll(ctx context.Context) (*service.BatchReport, error)
}

// Handler exposes registration, validation, and operator endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a registry handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the public registry endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/libraries", h.HandleRegister)
	r.Post("/validate", h.HandleValidate)
}

// RegisterAdmin mounts the operator endpoints. The caller wraps these in
// the admin-token middleware.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/refresh", h.HandleRefresh)
	r.Post("/libraries/{id}/promote", h.HandlePromote)
	r.Post("/libraries/{id}/rotate-secret", h.HandleRotateSecret)
	r.Delete("/libraries/{id}", h.HandleWithdraw)
}

type registerRequest struct {
	AuthURL string `json:"auth_url"`
}

type registerResponse struct {
	LibraryID          string    `json:"library_id"`
	Stage              string    `json:"stage"`
	Secret             string    `json:"secret,omitempty"`
	ValidationDeadline time.Time `json:"validation_deadline"`
}

// HandleRegister handles POST /libraries requests.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, err := httputil.Decode[registerRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.AuthURL == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "auth_url is required"))
		return
	}

	result, err := h.service.Register(ctx, req.AuthURL)
	if err != nil {
		var regErr *service.RegistrationError
		if errors.As(err, &regErr) {
			h.logger.InfoContext(ctx, "registration rejected",
				"request_id", requestID,
				"auth_url", req.AuthURL,
				"reason", regErr.Code,
			)
			httputil.WriteFailure(w, http.StatusBadRequest, regErr.Code, regErr.Error())
			return
		}
		h.logger.ErrorContext(ctx, "registration failed",
			"request_id", requestID,
			"auth_url", req.AuthURL,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, registerResponse{
		LibraryID:          result.LibraryID.String(),
		Stage:              string(result.Stage),
		Secret:             result.Secret,
		ValidationDeadline: result.ValidationDeadline,
	})
}

type validateRequest struct {
	Secret string `json:"secret"`
}

// HandleValidate handles POST /validate requests.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httputil.Decode[validateRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Secret == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "secret is required"))
		return
	}

	lib, err := h.service.ConsumeValidation(ctx, req.Secret)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			httputil.WriteFailure(w, http.StatusNotFound, "not_found", "validation secret not recognized")
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			httputil.WriteFailure(w, http.StatusConflict, "already_consumed", "validation secret was already used")
		case errors.Is(err, sentinel.ErrExpired):
			httputil.WriteFailure(w, http.StatusGone, "expired", "validation secret has expired")
		default:
			httputil.WriteError(w, err)
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, libraryResponse(lib))
}

// HandleRefresh handles POST /admin/refresh requests.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RefreshAll(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandlePromote handles POST /admin/libraries/{id}/promote requests.
func (h *Handler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	h.stageChange(w, r, h.service.Promote)
}

// HandleWithdraw handles DELETE /admin/libraries/{id} requests.
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.stageChange(w, r, h.service.Withdraw)
}

func (h *Handler) stageChange(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.LibraryID) (*models.Library, error)) {
	id, err := domain.ParseLibraryID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	lib, err := op(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, libraryResponse(lib))
}

// HandleRotateSecret handles POST /admin/libraries/{id}/rotate-secret.
func (h *Handler) HandleRotateSecret(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseLibraryID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	secret, err := h.service.RotateSecret(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func libraryResponse(lib *models.Library) map[string]any {
	return map[string]any{
		"library_id": lib.ID.String(),
		"name":       lib.Name,
		"stage":      string(lib.Stage),
	}
}

// Package httputil centralizes JSON response writing and domain error
// translation so every handler emits the same envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "libdiscovery/pkg/domain-errors"
	"libdiscovery/pkg/platform/sentinel"
)

// ErrorBody is the JSON failure envelope: {"error":{"code","message"}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error onto an HTTP status and the standard
// failure envelope. Internal errors keep their detail out of the response.
func WriteError(w http.ResponseWriter, err error) {
	code := codeOf(err)
	detail := ErrorDetail{Code: string(code)}
	if code != dErrors.CodeInternal {
		detail.Message = err.Error()
	}
	WriteJSON(w, statusFor(code), ErrorBody{Error: detail})
}

// WriteFailure writes an explicit code and message with the given status,
// for failures that carry their own reason codes rather than domain error
// codes.
func WriteFailure(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// Decode reads a JSON request body into T, rejecting unknown fields.
func Decode[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
	}
	return v, nil
}

func codeOf(err error) dErrors.Code {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.CodeNotFound
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.CodeConflict
	}
	return dErrors.CodeOf(err)
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation, dErrors.CodeInvalidInput, dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeInvariantViolation:
		return http.StatusConflict
	case dErrors.CodeUnauthorized:
		return http.StatusForbidden
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

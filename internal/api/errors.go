package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/witroch4/chatwit/publish"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
	})
}

// writeServiceError maps scheduler errors to responses
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, publish.ErrValidation):
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
	case errors.Is(err, publish.ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "agendamento not found")
	case errors.Is(err, publish.ErrNotScheduled), errors.Is(err, publish.ErrNotFailed):
		WriteError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("unable to write response body")
	}
}

// writeResult writes a, or the error that the scheduler returned for it. An agendamento that was stored but whose
// publish job was not enqueued is still written, with 202 Accepted, since reconciliation enqueues it later.
func writeResult(w http.ResponseWriter, status int, a *publish.Agendamento, err error) {
	switch {
	case err == nil:
		writeJSON(w, status, a)
	case a != nil && errors.Is(err, publish.ErrNotEnqueued):
		log.Warn().Err(err).Str("agendamento_id", a.ID).Msg("agendamento stored without a publish job")
		writeJSON(w, http.StatusAccepted, a)
	default:
		writeServiceError(w, err)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"content-pipeline/internal/domain"
)

type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, kind, msg string, details map[string]any) {
	WriteJSON(w, status, errorEnvelope{Error: ErrorBody{Kind: kind, Message: msg, Details: details}})
}

// StatusOf maps a domain error onto its HTTP status and error body.
func StatusOf(err error) (int, ErrorBody) {
	body := ErrorBody{Kind: domain.KindOf(err), Message: err.Error()}

	var (
		ce *domain.ConfigError
		te *domain.TransitionError
		gm *domain.GateMismatchError
	)
	switch {
	case errors.As(err, &ce):
		body.Details = map[string]any{"violations": ce.Violations}
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, body
	case errors.As(err, &gm):
		body.Details = map[string]any{"pending_stage": gm.Pending, "requested_stage": gm.Requested}
		return http.StatusConflict, body
	case errors.As(err, &te):
		body.Details = map[string]any{"current_status": te.Current, "allowed": te.Want}
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrStorage):
		body.Message = "storage unavailable"
		return http.StatusServiceUnavailable, body
	default:
		body.Kind = domain.KindInternal
		body.Message = "internal error"
		return http.StatusInternalServerError, body
	}
}

func WriteDomainError(w http.ResponseWriter, err error) {
	status, body := StatusOf(err)
	WriteJSON(w, status, errorEnvelope{Error: body})
}

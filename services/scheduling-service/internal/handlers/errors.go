package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/engine"
)

type errorResponse struct {
	Error                  string `json:"error"`
	Field                  string `json:"field,omitempty"`
	CollidingAppointmentID string `json:"colliding_appointment_id,omitempty"`
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Conflicts carry the colliding appointment ID so the front desk can open
// the appointment that is in the way.
func writeEngineError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		ve *engine.ValidationError
		nf *engine.NotFoundError
		ce *engine.ConflictError
		se *engine.StateError
		ke *engine.ConcurrencyError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: se.Error()})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: nf.Error()})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:                  ce.Error(),
			CollidingAppointmentID: ce.CollidingWith.ID,
		})
	case errors.As(err, &ke):
		writeJSON(w, http.StatusConflict, errorResponse{Error: ke.Error()})
	default:
		logger.ErrorContext(ctx, "request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

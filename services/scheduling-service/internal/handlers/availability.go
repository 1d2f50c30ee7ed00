package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/engine"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

type AvailabilityHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewAvailabilityHandler(eng *engine.Engine, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{engine: eng, logger: logger}
}

type slotResponse struct {
	StartTime       string                `json:"start_time"`
	DurationMinutes int                   `json:"duration_minutes"`
	Available       bool                  `json:"available"`
	Appointments    []appointmentResponse `json:"appointments,omitempty"`
}

// Slots returns the availability grid for one provider on one day. With an
// appointment_type_id the grid reflects exactly the interval a booking of
// that type would claim, buffer included; duration_minutes asks for an
// explicit fit length; with neither it shows bare 15-minute openings.
func (h *AvailabilityHandler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	day, err := time.Parse("2006-01-02", q.Get("date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date must be YYYY-MM-DD", Field: "date"})
		return
	}

	var durationMinutes int
	if raw := q.Get("duration_minutes"); raw != "" {
		durationMinutes, err = strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "duration_minutes must be an integer", Field: "duration_minutes"})
			return
		}
	}

	slots, err := h.engine.Slots(r.Context(), engine.SlotQuery{
		ProviderID:        q.Get("provider_id"),
		OperatoryID:       q.Get("operatory_id"),
		Day:               day,
		AppointmentTypeID: q.Get("appointment_type_id"),
		DurationMinutes:   durationMinutes,
	})
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}

	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toSlotResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func toSlotResponse(s model.TimeSlot) slotResponse {
	resp := slotResponse{
		StartTime:       s.Time.Format(time.RFC3339),
		DurationMinutes: int(s.Duration.Minutes()),
		Available:       s.Available,
	}
	for _, a := range s.Appointments {
		resp.Appointments = append(resp.Appointments, toResponse(a))
	}
	return resp
}

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/engine"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

type AppointmentHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewAppointmentHandler(eng *engine.Engine, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{engine: eng, logger: logger}
}

type createAppointmentRequest struct {
	PatientID         string             `json:"patient_id"`
	ProviderID        string             `json:"provider_id"`
	OperatoryID       string             `json:"operatory_id"`
	AppointmentTypeID string             `json:"appointment_type_id"`
	StartTime         string             `json:"start_time"`
	Notes             string             `json:"notes"`
	Recurrence        *recurrencePayload `json:"recurrence,omitempty"`
}

type recurrencePayload struct {
	Frequency  string `json:"frequency"`
	Interval   int    `json:"interval"`
	EndDate    string `json:"end_date"`
	DaysOfWeek []int  `json:"days_of_week,omitempty"`
}

type appointmentResponse struct {
	ID                string             `json:"id"`
	PatientID         string             `json:"patient_id"`
	ProviderID        string             `json:"provider_id"`
	OperatoryID       string             `json:"operatory_id"`
	AppointmentTypeID string             `json:"appointment_type_id"`
	StartTime         string             `json:"start_time"`
	EndTime           string             `json:"end_time"`
	DurationMinutes   int                `json:"duration_minutes"`
	BufferMinutes     int                `json:"buffer_minutes"`
	Status            string             `json:"status"`
	Notes             string             `json:"notes,omitempty"`
	Recurrence        *recurrencePayload `json:"recurrence,omitempty"`
	CheckedInAt       string             `json:"checked_in_at,omitempty"`
	CancelledAt       string             `json:"cancelled_at,omitempty"`
	CancelReason      string             `json:"cancel_reason,omitempty"`
	CreatedAt         string             `json:"created_at"`
	UpdatedAt         string             `json:"updated_at"`
}

type recurringCreateResponse struct {
	Booked  []appointmentResponse      `json:"booked"`
	Skipped []engine.SkippedOccurrence `json:"skipped"`
}

// Create books an appointment, or a whole series when the body carries a
// recurrence pattern. The Idempotency-Key header makes single-appointment
// creates replay-safe; a replayed request answers 200 instead of 201.
func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "start_time must be RFC 3339", Field: "start_time"})
		return
	}

	createReq := engine.CreateRequest{
		PatientID:         strings.TrimSpace(req.PatientID),
		ProviderID:        strings.TrimSpace(req.ProviderID),
		OperatoryID:       strings.TrimSpace(req.OperatoryID),
		AppointmentTypeID: strings.TrimSpace(req.AppointmentTypeID),
		StartTime:         startTime,
		Notes:             req.Notes,
		IdempotencyKey:    strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}

	if req.Recurrence != nil {
		pattern, err := req.Recurrence.toModel()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "recurrence"})
			return
		}
		createReq.Recurrence = &pattern

		booked, skipped, err := h.engine.CreateRecurring(r.Context(), createReq)
		if err != nil {
			writeEngineError(r.Context(), w, h.logger, err)
			return
		}
		resp := recurringCreateResponse{Skipped: skipped}
		for _, a := range booked {
			resp.Booked = append(resp.Booked, toResponse(a))
		}
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	appt, replayed, err := h.engine.Create(r.Context(), createReq)
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toResponse(appt))
}

// List filters appointments by provider, operatory, patient, status, and a
// time window, all optional.
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.ListFilter{
		ProviderID:  q.Get("provider_id"),
		OperatoryID: q.Get("operatory_id"),
		PatientID:   q.Get("patient_id"),
		Status:      model.AppointmentStatus(q.Get("status")),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from must be RFC 3339", Field: "from"})
			return
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "to must be RFC 3339", Field: "to"})
			return
		}
		filter.To = t
	}

	appts, err := h.engine.List(r.Context(), filter)
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	out := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	appt, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

type updateAppointmentRequest struct {
	StartTime         *string `json:"start_time"`
	ProviderID        *string `json:"provider_id"`
	OperatoryID       *string `json:"operatory_id"`
	AppointmentTypeID *string `json:"appointment_type_id"`
	Notes             *string `json:"notes"`
}

// Update reschedules or edits an appointment. Absent fields keep their
// current value.
func (h *AppointmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	updateReq := engine.UpdateRequest{
		ProviderID:        req.ProviderID,
		OperatoryID:       req.OperatoryID,
		AppointmentTypeID: req.AppointmentTypeID,
		Notes:             req.Notes,
	}
	if req.StartTime != nil {
		t, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "start_time must be RFC 3339", Field: "start_time"})
			return
		}
		updateReq.StartTime = &t
	}

	appt, err := h.engine.Update(r.Context(), r.PathValue("id"), updateReq)
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

// StatusAction returns a handler that advances the appointment to a fixed
// status. Used for the confirm/checkin/start/complete/noshow routes.
func (h *AppointmentHandler) StatusAction(next model.AppointmentStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, err := h.engine.ChangeStatus(r.Context(), r.PathValue("id"), next, "")
		if err != nil {
			writeEngineError(r.Context(), w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(appt))
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel takes an optional reason body. Cancelling frees the slot
// immediately; repeating a cancel is a no-op.
func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
			return
		}
	}
	appt, err := h.engine.ChangeStatus(r.Context(), r.PathValue("id"), model.StatusCancelled, strings.TrimSpace(req.Reason))
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p recurrencePayload) toModel() (model.RecurringPattern, error) {
	pattern := model.RecurringPattern{
		Frequency: model.RecurrenceFrequency(p.Frequency),
		Interval:  p.Interval,
	}
	if p.EndDate != "" {
		endDate, err := time.Parse("2006-01-02", p.EndDate)
		if err != nil {
			endDate, err = time.Parse(time.RFC3339, p.EndDate)
		}
		if err != nil {
			return model.RecurringPattern{}, err
		}
		pattern.EndDate = endDate
	}
	for _, d := range p.DaysOfWeek {
		pattern.DaysOfWeek = append(pattern.DaysOfWeek, time.Weekday(d))
	}
	return pattern, nil
}

func toResponse(a model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:                a.ID,
		PatientID:         a.PatientID,
		ProviderID:        a.ProviderID,
		OperatoryID:       a.OperatoryID,
		AppointmentTypeID: a.AppointmentTypeID,
		StartTime:         a.StartTime.Format(time.RFC3339),
		EndTime:           a.Occupied().End.Format(time.RFC3339),
		DurationMinutes:   a.DurationMinutes,
		BufferMinutes:     a.BufferMinutes,
		Status:            string(a.Status),
		Notes:             a.Notes,
		CancelReason:      a.CancelReason,
		CreatedAt:         a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         a.UpdatedAt.Format(time.RFC3339),
	}
	if a.Recurrence != nil {
		rec := recurrencePayload{
			Frequency: string(a.Recurrence.Frequency),
			Interval:  a.Recurrence.Interval,
			EndDate:   a.Recurrence.EndDate.Format("2006-01-02"),
		}
		for _, d := range a.Recurrence.DaysOfWeek {
			rec.DaysOfWeek = append(rec.DaysOfWeek, int(d))
		}
		resp.Recurrence = &rec
	}
	if a.CheckedInAt != nil {
		resp.CheckedInAt = a.CheckedInAt.Format(time.RFC3339)
	}
	if a.CancelledAt != nil {
		resp.CancelledAt = a.CancelledAt.Format(time.RFC3339)
	}
	return resp
}

// Package engine implements the booking rules: validation against the
// resource catalog, conflict detection over occupied intervals, the
// appointment lifecycle state machine, and recurring-series expansion. All
// writes run inside Store.Serialized so conflict checks and inserts are
// atomic per resource.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/availability"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/interval"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/recurrence"
)

// conflictLookaround bounds the window of committed appointments loaded for a
// conflict check. No single occupied interval is anywhere near this long.
const conflictLookaround = 24 * time.Hour

// Domain event types emitted through the transactional outbox.
const (
	EventBooked        = "scheduling.appointment.booked.v1"
	EventRescheduled   = "scheduling.appointment.rescheduled.v1"
	EventStatusChanged = "scheduling.appointment.status_changed.v1"
	EventCancelled     = "scheduling.appointment.cancelled.v1"
	EventDeleted       = "scheduling.appointment.deleted.v1"
)

type Engine struct {
	store    Store
	catalog  Catalog
	patients PatientDirectory
	blocked  []availability.ClockRange
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, catalog Catalog, patients PatientDirectory, blocked []availability.ClockRange, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		catalog:  catalog,
		patients: patients,
		blocked:  blocked,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateRequest carries everything needed to book one appointment. Duration
// and buffer come from the appointment type, never from the caller.
type CreateRequest struct {
	PatientID         string
	ProviderID        string
	OperatoryID       string
	AppointmentTypeID string
	StartTime         time.Time
	Notes             string
	Recurrence        *model.RecurringPattern

	// IdempotencyKey, when set, makes the create replay-safe: a repeated key
	// returns the originally booked appointment instead of double-booking.
	IdempotencyKey string
}

// Create books a single appointment. The conflict check and insert run under
// per-resource serialization; a serialization failure is retried once before
// surfacing as ConcurrencyError. The bool reports an idempotency-key replay:
// true means the returned appointment was booked by an earlier request
// carrying the same key and nothing was written.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (model.Appointment, bool, error) {
	provider, operatory, apptType, err := e.validateBooking(ctx, req.PatientID, req.ProviderID, req.OperatoryID, req.AppointmentTypeID, req.StartTime)
	if err != nil {
		return model.Appointment{}, false, err
	}

	now := e.now().UTC()
	appt := model.Appointment{
		ID:                uuid.NewString(),
		PatientID:         req.PatientID,
		ProviderID:        provider.ID,
		OperatoryID:       operatory.ID,
		AppointmentTypeID: apptType.ID,
		StartTime:         req.StartTime,
		DurationMinutes:   apptType.DurationMinutes,
		BufferMinutes:     apptType.BufferMinutes,
		Status:            model.StatusScheduled,
		Notes:             req.Notes,
		Recurrence:        req.Recurrence,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.checkWithinHours(provider, appt.StartTime, appt.Occupied()); err != nil {
		return model.Appointment{}, false, err
	}

	var replayed bool
	err = e.serializedRetry(ctx, "create appointment", resourceKeys(appt), func(tx Tx) error {
		replayed = false
		if req.IdempotencyKey != "" {
			existingID, seen, err := tx.ClaimIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if seen {
				existing, err := tx.GetAppointment(ctx, existingID)
				if err != nil {
					return err
				}
				appt = existing
				replayed = true
				return nil
			}
		}

		if err := e.checkConflicts(ctx, tx, appt, ""); err != nil {
			return err
		}
		if err := tx.Insert(ctx, appt); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := tx.BindIdempotencyKey(ctx, req.IdempotencyKey, appt.ID); err != nil {
				return err
			}
		}
		return tx.AppendEvent(ctx, Event{
			Type:        EventBooked,
			AggregateID: appt.ID,
			Payload:     appointmentPayload(appt),
		})
	})
	if err != nil {
		return model.Appointment{}, false, err
	}

	if !replayed {
		e.logger.InfoContext(ctx, "appointment booked",
			"appointment_id", appt.ID,
			"provider_id", appt.ProviderID,
			"operatory_id", appt.OperatoryID,
			"start", appt.StartTime,
		)
	}
	return appt, replayed, nil
}

// SkippedOccurrence records one occurrence of a recurring series that could
// not be booked, and why.
type SkippedOccurrence struct {
	StartTime time.Time `json:"start_time"`
	Reason    string    `json:"reason"`
}

// CreateRecurring expands req.Recurrence from req.StartTime and books each
// occurrence independently. Occurrences that fail validation or collide with
// existing bookings are skipped and reported; the rest of the series still
// books. Only the first booked occurrence carries the pattern.
func (e *Engine) CreateRecurring(ctx context.Context, req CreateRequest) ([]model.Appointment, []SkippedOccurrence, error) {
	if req.Recurrence == nil {
		return nil, nil, validationf("recurrence", "recurring pattern is required")
	}
	starts, err := recurrence.Expand(*req.Recurrence, req.StartTime)
	if err != nil {
		return nil, nil, &ValidationError{Field: "recurrence", Reason: err.Error()}
	}

	var (
		booked  []model.Appointment
		skipped []SkippedOccurrence
	)
	for i, start := range starts {
		occReq := req
		occReq.StartTime = start
		occReq.IdempotencyKey = ""
		if i > 0 {
			occReq.Recurrence = nil
		}

		appt, _, err := e.Create(ctx, occReq)
		if err != nil {
			if !skippable(err) {
				return booked, skipped, err
			}
			skipped = append(skipped, SkippedOccurrence{StartTime: start, Reason: err.Error()})
			continue
		}
		booked = append(booked, appt)
	}

	e.logger.InfoContext(ctx, "recurring series booked",
		"booked", len(booked),
		"skipped", len(skipped),
	)
	return booked, skipped, nil
}

// skippable reports whether a per-occurrence failure should skip just that
// occurrence rather than abort the series.
func skippable(err error) bool {
	var (
		ve *ValidationError
		ce *ConflictError
		ke *ConcurrencyError
	)
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &ke)
}

// UpdateRequest reschedules or edits an appointment. Nil pointer fields keep
// the current value.
type UpdateRequest struct {
	StartTime         *time.Time
	ProviderID        *string
	OperatoryID       *string
	AppointmentTypeID *string
	Notes             *string
}

// Update moves or edits an appointment atomically: the old interval is
// released and the new one claimed in one transaction, so a crash mid-move
// can never lose the booking. The appointment's own interval is excluded
// from the conflict check, which keeps pure edits (notes only) and small
// shifts within the old interval legal.
func (e *Engine) Update(ctx context.Context, id string, req UpdateRequest) (model.Appointment, error) {
	current, err := e.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if current.Status.Terminal() || current.Status == model.StatusInProgress {
		return model.Appointment{}, validationf("status", "appointment in status %q cannot be rescheduled", current.Status)
	}

	next := current
	if req.StartTime != nil {
		next.StartTime = *req.StartTime
	}
	if req.ProviderID != nil {
		next.ProviderID = *req.ProviderID
	}
	if req.OperatoryID != nil {
		next.OperatoryID = *req.OperatoryID
	}
	if req.AppointmentTypeID != nil {
		next.AppointmentTypeID = *req.AppointmentTypeID
	}
	if req.Notes != nil {
		next.Notes = *req.Notes
	}

	provider, _, apptType, err := e.validateBooking(ctx, next.PatientID, next.ProviderID, next.OperatoryID, next.AppointmentTypeID, next.StartTime)
	if err != nil {
		return model.Appointment{}, err
	}
	next.DurationMinutes = apptType.DurationMinutes
	next.BufferMinutes = apptType.BufferMinutes
	if err := e.checkWithinHours(provider, next.StartTime, next.Occupied()); err != nil {
		return model.Appointment{}, err
	}

	// Lock both the old and the new resources: the move must be atomic from
	// either resource's point of view.
	keys := dedupe(append(resourceKeys(current), resourceKeys(next)...))
	err = e.serializedRetry(ctx, "update appointment", keys, func(tx Tx) error {
		fresh, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if fresh.Status.Terminal() || fresh.Status == model.StatusInProgress {
			return validationf("status", "appointment in status %q cannot be rescheduled", fresh.Status)
		}
		next.Status = fresh.Status
		next.UpdatedAt = e.now().UTC()

		if err := e.checkConflicts(ctx, tx, next, next.ID); err != nil {
			return err
		}
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, Event{
			Type:        EventRescheduled,
			AggregateID: next.ID,
			Payload:     reschedulePayload(fresh, next),
		})
	})
	if err != nil {
		return model.Appointment{}, err
	}

	e.logger.InfoContext(ctx, "appointment rescheduled",
		"appointment_id", next.ID,
		"start", next.StartTime,
	)
	return next, nil
}

// ChangeStatus advances an appointment through its lifecycle. Repeating a
// cancel is a no-op rather than a StateError, since front desks routinely
// double-submit cancellations. Cancelling frees the occupied interval
// immediately.
func (e *Engine) ChangeStatus(ctx context.Context, id string, next model.AppointmentStatus, reason string) (model.Appointment, error) {
	if !next.Valid() {
		return model.Appointment{}, validationf("status", "unknown status %q", next)
	}

	current, err := e.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}

	var updated model.Appointment
	err = e.serializedRetry(ctx, "change appointment status", resourceKeys(current), func(tx Tx) error {
		appt, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status == model.StatusCancelled && next == model.StatusCancelled {
			updated = appt
			return nil
		}
		if !appt.Status.CanTransitionTo(next) {
			return &StateError{From: appt.Status, To: next}
		}

		from := appt.Status
		now := e.now().UTC()
		appt.Status = next
		appt.UpdatedAt = now
		switch next {
		case model.StatusCheckedIn:
			appt.CheckedInAt = &now
		case model.StatusCancelled:
			appt.CancelledAt = &now
			appt.CancelReason = reason
		}

		if err := tx.Update(ctx, appt); err != nil {
			return err
		}
		evType := EventStatusChanged
		if next == model.StatusCancelled {
			evType = EventCancelled
		}
		if err := tx.AppendEvent(ctx, Event{
			Type:        evType,
			AggregateID: appt.ID,
			Payload:     statusPayload(appt, from, reason),
		}); err != nil {
			return err
		}
		updated = appt
		return nil
	})
	if err != nil {
		return model.Appointment{}, err
	}

	e.logger.InfoContext(ctx, "appointment status changed",
		"appointment_id", updated.ID,
		"status", updated.Status,
	)
	return updated, nil
}

// Delete removes an appointment entirely. Cancellation is the normal path;
// delete exists for records created in error.
func (e *Engine) Delete(ctx context.Context, id string) error {
	current, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	err = e.serializedRetry(ctx, "delete appointment", resourceKeys(current), func(tx Tx) error {
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, Event{
			Type:        EventDeleted,
			AggregateID: id,
			Payload:     map[string]string{"appointment_id": id},
		})
	})
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "appointment deleted", "appointment_id", id)
	return nil
}

// Get loads one appointment, mapping a storage miss to NotFoundError.
func (e *Engine) Get(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := e.store.GetAppointment(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return model.Appointment{}, &NotFoundError{Kind: "appointment", ID: id}
	}
	return appt, err
}

func (e *Engine) List(ctx context.Context, f ListFilter) ([]model.Appointment, error) {
	return e.store.ListAppointments(ctx, f)
}

// SlotQuery asks for a provider's availability grid on one calendar day.
// When AppointmentTypeID is set, slot availability is computed for that
// procedure's duration plus buffer, exactly the interval a booking of that
// type would claim. DurationMinutes asks for an explicit fit length instead;
// with neither, availability reflects a bare single-granularity opening.
type SlotQuery struct {
	ProviderID        string
	OperatoryID       string
	Day               time.Time
	AppointmentTypeID string
	DurationMinutes   int
}

// Slots generates the day's availability grid for a provider, optionally
// intersected with an operatory's bookings.
func (e *Engine) Slots(ctx context.Context, q SlotQuery) ([]model.TimeSlot, error) {
	if q.ProviderID == "" {
		return nil, validationf("provider_id", "provider is required")
	}
	if q.Day.IsZero() {
		return nil, validationf("date", "date is required")
	}

	provider, err := e.catalog.GetProvider(ctx, q.ProviderID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "provider", ID: q.ProviderID}
	}
	if err != nil {
		return nil, err
	}

	if q.DurationMinutes < 0 {
		return nil, validationf("duration_minutes", "must be positive")
	}
	duration := availability.SlotGranularity
	if q.DurationMinutes > 0 {
		duration = time.Duration(q.DurationMinutes) * time.Minute
	}
	if q.AppointmentTypeID != "" {
		apptType, err := e.catalog.GetAppointmentType(ctx, q.AppointmentTypeID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil, &NotFoundError{Kind: "appointment type", ID: q.AppointmentTypeID}
		}
		if err != nil {
			return nil, err
		}
		duration = time.Duration(apptType.DurationMinutes+apptType.BufferMinutes) * time.Minute
	}

	schedule, working := availability.ScheduleFor(provider, q.Day, e.blocked)
	if !working {
		return nil, nil
	}

	dayStart := time.Date(q.Day.Year(), q.Day.Month(), q.Day.Day(), 0, 0, 0, 0, q.Day.Location())
	busy, err := e.store.ListAppointments(ctx, ListFilter{
		ProviderID: q.ProviderID,
		From:       dayStart.Add(-conflictLookaround),
		To:         dayStart.AddDate(0, 0, 1).Add(conflictLookaround),
	})
	if err != nil {
		return nil, err
	}
	if q.OperatoryID != "" {
		opBusy, err := e.store.ListAppointments(ctx, ListFilter{
			OperatoryID: q.OperatoryID,
			From:        dayStart.Add(-conflictLookaround),
			To:          dayStart.AddDate(0, 0, 1).Add(conflictLookaround),
		})
		if err != nil {
			return nil, err
		}
		busy = mergeAppointments(busy, opBusy)
	}

	return schedule.Slots(duration, busy), nil
}

// validateBooking resolves and checks the reference data a booking depends
// on. It never touches appointment rows.
func (e *Engine) validateBooking(ctx context.Context, patientID, providerID, operatoryID, apptTypeID string, start time.Time) (model.Provider, model.Operatory, model.AppointmentType, error) {
	var (
		provider  model.Provider
		operatory model.Operatory
		apptType  model.AppointmentType
	)
	if patientID == "" {
		return provider, operatory, apptType, validationf("patient_id", "patient is required")
	}
	if providerID == "" {
		return provider, operatory, apptType, validationf("provider_id", "provider is required")
	}
	if operatoryID == "" {
		return provider, operatory, apptType, validationf("operatory_id", "operatory is required")
	}
	if apptTypeID == "" {
		return provider, operatory, apptType, validationf("appointment_type_id", "appointment type is required")
	}
	if start.IsZero() {
		return provider, operatory, apptType, validationf("start_time", "start time is required")
	}

	provider, err := e.catalog.GetProvider(ctx, providerID)
	if errors.Is(err, ErrRecordNotFound) {
		return provider, operatory, apptType, &NotFoundError{Kind: "provider", ID: providerID}
	}
	if err != nil {
		return provider, operatory, apptType, err
	}
	if !provider.Active {
		return provider, operatory, apptType, validationf("provider_id", "provider %q is inactive", providerID)
	}

	operatory, err = e.catalog.GetOperatory(ctx, operatoryID)
	if errors.Is(err, ErrRecordNotFound) {
		return provider, operatory, apptType, &NotFoundError{Kind: "operatory", ID: operatoryID}
	}
	if err != nil {
		return provider, operatory, apptType, err
	}
	if !operatory.Active {
		return provider, operatory, apptType, validationf("operatory_id", "operatory %q is inactive", operatoryID)
	}

	apptType, err = e.catalog.GetAppointmentType(ctx, apptTypeID)
	if errors.Is(err, ErrRecordNotFound) {
		return provider, operatory, apptType, &NotFoundError{Kind: "appointment type", ID: apptTypeID}
	}
	if err != nil {
		return provider, operatory, apptType, err
	}
	if apptType.DurationMinutes <= 0 {
		return provider, operatory, apptType, validationf("appointment_type_id", "appointment type %q has no duration", apptTypeID)
	}
	if apptType.RequiresOperatoryType != "" && apptType.RequiresOperatoryType != operatory.Type {
		return provider, operatory, apptType, validationf("operatory_id",
			"appointment type %q requires a %s operatory, %q is %s",
			apptType.Name, apptType.RequiresOperatoryType, operatory.Name, operatory.Type)
	}

	if e.patients != nil {
		exists, err := e.patients.PatientExists(ctx, patientID)
		if err != nil {
			return provider, operatory, apptType, fmt.Errorf("patient lookup: %w", err)
		}
		if !exists {
			return provider, operatory, apptType, &NotFoundError{Kind: "patient", ID: patientID}
		}
	}
	return provider, operatory, apptType, nil
}

// checkWithinHours verifies the full occupied interval, buffer included,
// fits the provider's working windows on the appointment's day.
func (e *Engine) checkWithinHours(provider model.Provider, start time.Time, occupied interval.Interval) error {
	if reason, off := provider.UnavailableOn(start); off {
		return validationf("start_time", "provider %q is unavailable on %s (%s)",
			provider.ID, start.Format("2006-01-02"), reason)
	}
	schedule, working := availability.ScheduleFor(provider, start, e.blocked)
	if !working {
		return validationf("start_time", "provider %q does not work on %s",
			provider.ID, start.Format("2006-01-02"))
	}
	if !schedule.Fits(occupied) {
		return validationf("start_time", "appointment does not fit the provider's working hours on %s",
			start.Format("2006-01-02"))
	}
	return nil
}

// checkConflicts loads committed bookings around the candidate's occupied
// interval on both resources and rejects the first overlap found. Must run
// inside the Serialized block for the candidate's resource keys.
func (e *Engine) checkConflicts(ctx context.Context, tx Tx, appt model.Appointment, excludeID string) error {
	occ := appt.Occupied()
	window := interval.Interval{
		Start: occ.Start.Add(-conflictLookaround),
		End:   occ.End.Add(conflictLookaround),
	}
	blocking, err := tx.ListBlocking(ctx, appt.ProviderID, appt.OperatoryID, window, excludeID)
	if err != nil {
		return err
	}
	for _, other := range blocking {
		if !other.Status.Blocks() || !other.Occupied().Overlaps(occ) {
			continue
		}
		if other.ProviderID == appt.ProviderID {
			return &ConflictError{Resource: "provider", ResourceID: appt.ProviderID, CollidingWith: other}
		}
		return &ConflictError{Resource: "operatory", ResourceID: appt.OperatoryID, CollidingWith: other}
	}
	return nil
}

// serializedRetry runs fn under Store.Serialized and retries exactly once
// when a concurrent writer forces a serialization failure. The closure must
// be safe to re-run from scratch.
func (e *Engine) serializedRetry(ctx context.Context, op string, keys []string, fn func(tx Tx) error) error {
	err := e.store.Serialized(ctx, keys, fn)
	if !errors.Is(err, ErrSerializationFailure) {
		return err
	}
	e.logger.WarnContext(ctx, "serialization failure, retrying once", "op", op)
	err = e.store.Serialized(ctx, keys, fn)
	if errors.Is(err, ErrSerializationFailure) {
		return &ConcurrencyError{Op: op}
	}
	return err
}

func resourceKeys(a model.Appointment) []string {
	return []string{"provider:" + a.ProviderID, "operatory:" + a.OperatoryID}
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func mergeAppointments(a, b []model.Appointment) []model.Appointment {
	seen := make(map[string]bool, len(a))
	for _, x := range a {
		seen[x.ID] = true
	}
	for _, x := range b {
		if !seen[x.ID] {
			a = append(a, x)
		}
	}
	return a
}

func appointmentPayload(a model.Appointment) map[string]any {
	return map[string]any{
		"appointment_id":      a.ID,
		"patient_id":          a.PatientID,
		"provider_id":         a.ProviderID,
		"operatory_id":        a.OperatoryID,
		"appointment_type_id": a.AppointmentTypeID,
		"start_time":          a.StartTime,
		"duration_minutes":    a.DurationMinutes,
		"buffer_minutes":      a.BufferMinutes,
		"status":              a.Status,
	}
}

func reschedulePayload(old, next model.Appointment) map[string]any {
	p := appointmentPayload(next)
	p["previous_start_time"] = old.StartTime
	p["previous_provider_id"] = old.ProviderID
	p["previous_operatory_id"] = old.OperatoryID
	return p
}

func statusPayload(a model.Appointment, from model.AppointmentStatus, reason string) map[string]any {
	p := map[string]any{
		"appointment_id": a.ID,
		"patient_id":     a.PatientID,
		"provider_id":    a.ProviderID,
		"from":           from,
		"to":             a.Status,
	}
	if reason != "" {
		p["reason"] = reason
	}
	return p
}

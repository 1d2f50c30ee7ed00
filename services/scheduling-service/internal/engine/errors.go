package engine

import (
	"errors"
	"fmt"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

// Sentinels the storage layer translates driver-level failures into. The
// engine never sees pgx directly.
var (
	// ErrRecordNotFound maps a no-rows lookup.
	ErrRecordNotFound = errors.New("record not found")
	// ErrSerializationFailure maps a constraint or serialization conflict
	// raised by concurrent writers. The engine retries the operation once.
	ErrSerializationFailure = errors.New("serialization failure")
)

// ValidationError rejects malformed or semantically impossible input before
// any conflict detection runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the entity a lookup missed.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError reports a double-booking attempt. Resource names the
// contended resource ("provider" or "operatory") and CollidingWith is the
// committed appointment whose occupied interval the request intersects.
type ConflictError struct {
	Resource      string
	ResourceID    string
	CollidingWith model.Appointment
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q is occupied by appointment %s from %s to %s",
		e.Resource, e.ResourceID, e.CollidingWith.ID,
		e.CollidingWith.StartTime.Format("2006-01-02 15:04"),
		e.CollidingWith.Occupied().End.Format("15:04"))
}

// StateError rejects a lifecycle transition the state machine does not allow.
type StateError struct {
	From model.AppointmentStatus
	To   model.AppointmentStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot transition appointment from %q to %q", e.From, e.To)
}

// ConcurrencyError surfaces only after the engine's single automatic retry
// also lost the race.
type ConcurrencyError struct {
	Op string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s lost a concurrent update race, retry the request", e.Op)
}

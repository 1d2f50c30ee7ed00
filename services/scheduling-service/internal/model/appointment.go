package model

import (
	"time"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/interval"
)

type RecurrenceFrequency string

const (
	FrequencyDaily   RecurrenceFrequency = "daily"
	FrequencyWeekly  RecurrenceFrequency = "weekly"
	FrequencyMonthly RecurrenceFrequency = "monthly"
)

func (f RecurrenceFrequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// RecurringPattern describes how an appointment repeats. It is owned by the
// originating appointment; sibling occurrences are independent appointments
// without a pattern of their own.
type RecurringPattern struct {
	Frequency  RecurrenceFrequency `json:"frequency"`
	Interval   int                 `json:"interval"`
	EndDate    time.Time           `json:"end_date"`
	DaysOfWeek []time.Weekday      `json:"days_of_week,omitempty"`
}

// Appointment is the committed booking record. Duration and buffer are copied
// from the appointment type at creation time, so later catalog edits never
// retroactively change a committed interval.
type Appointment struct {
	ID                string
	PatientID         string
	ProviderID        string
	OperatoryID       string
	AppointmentTypeID string
	StartTime         time.Time
	DurationMinutes   int
	BufferMinutes     int
	Status            AppointmentStatus
	Notes             string
	Recurrence        *RecurringPattern
	CheckedInAt       *time.Time
	CancelledAt       *time.Time
	CancelReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a Appointment) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

func (a Appointment) Buffer() time.Duration {
	return time.Duration(a.BufferMinutes) * time.Minute
}

// Occupied is the interval this appointment blocks on its provider and
// operatory: [start, start + duration + buffer).
func (a Appointment) Occupied() interval.Interval {
	return interval.Occupied(a.StartTime, a.Duration(), a.Buffer())
}

// TimeSlot is a derived, never-persisted view of one grid cell in a day's
// schedule. Appointments lists the committed bookings overlapping the slot's
// own span, for calendar rendering; Available reflects whether a booking of
// the queried duration could start here.
type TimeSlot struct {
	Time         time.Time
	Duration     time.Duration
	Available    bool
	Appointments []Appointment
}

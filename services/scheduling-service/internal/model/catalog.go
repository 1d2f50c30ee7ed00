package model

import "time"

// OperatoryType categorizes a treatment room by the procedures it supports.
type OperatoryType string

const (
	OperatoryGeneral   OperatoryType = "general"
	OperatoryHygiene   OperatoryType = "hygiene"
	OperatorySurgical  OperatoryType = "surgical"
	OperatoryPediatric OperatoryType = "pediatric"
	OperatoryOrtho     OperatoryType = "ortho"
	OperatoryRadiology OperatoryType = "radiology"
)

func (t OperatoryType) Valid() bool {
	switch t {
	case OperatoryGeneral, OperatoryHygiene, OperatorySurgical, OperatoryPediatric, OperatoryOrtho, OperatoryRadiology:
		return true
	}
	return false
}

// WeeklyHours is one declared working window, in minutes from midnight,
// half-open [StartMinute, EndMinute). A weekday without an entry is a
// non-working day.
type WeeklyHours struct {
	Weekday     time.Weekday `json:"weekday"`
	StartMinute int          `json:"start_minute"`
	EndMinute   int          `json:"end_minute"`
}

// DayOverride marks a specific calendar date as unavailable (vacation,
// conference, sick day), overriding the weekly hours for that date.
type DayOverride struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Reason string `json:"reason"`
}

// Provider is a clinician. Reference data owned by practice administration;
// read-only to the scheduler.
type Provider struct {
	ID          string
	Name        string
	Role        string
	Specialties []string
	Hours       []WeeklyHours
	Overrides   []DayOverride
	Active      bool
}

// HoursFor returns the provider's declared window for a weekday.
func (p Provider) HoursFor(wd time.Weekday) (WeeklyHours, bool) {
	for _, h := range p.Hours {
		if h.Weekday == wd && h.EndMinute > h.StartMinute {
			return h, true
		}
	}
	return WeeklyHours{}, false
}

// UnavailableOn reports whether a date override blocks the given day and why.
func (p Provider) UnavailableOn(day time.Time) (string, bool) {
	date := day.Format("2006-01-02")
	for _, o := range p.Overrides {
		if o.Date == date {
			return o.Reason, true
		}
	}
	return "", false
}

// Operatory is a physical treatment room/chair, schedulable independently of
// the provider. An inactive operatory must never be offered or booked.
type Operatory struct {
	ID        string
	Name      string
	Type      OperatoryType
	Equipment []string
	Active    bool
}

// AppointmentType is immutable reference data: the procedure's display name
// and color, its chair time, the buffer appended after it, and an optional
// operatory-type requirement (e.g. surgical extractions need a surgical room).
type AppointmentType struct {
	ID                    string
	Name                  string
	Color                 string
	DurationMinutes       int
	BufferMinutes         int
	RequiresOperatoryType OperatoryType // empty = any operatory
}

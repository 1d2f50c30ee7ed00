// Package availability turns a provider's declared weekly hours, date
// overrides, and the practice's blocked periods into concrete working windows
// for a day, and enumerates the 15-minute slot grid over them. Slot generation
// is a pure function of its inputs and the committed appointments passed in;
// a slot it reports available is guaranteed bookable as long as no write lands
// in between.
package availability

import (
	"time"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/interval"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

// SlotGranularity is the fixed quantization of candidate start times.
const SlotGranularity = 15 * time.Minute

// ClockRange is a recurring daily window in minutes from midnight, half-open.
// Used for practice-wide blocked periods such as lunch.
type ClockRange struct {
	StartMinute int
	EndMinute   int
}

// DaySchedule is a provider's resolved schedule for one calendar day.
type DaySchedule struct {
	// Span is the full declared business-hours window for the day.
	Span interval.Interval
	// Windows is Span minus blocked periods: the sub-windows a booking's
	// occupied interval must fit entirely inside.
	Windows []interval.Interval
}

// ScheduleFor resolves the working schedule of a provider on a given day.
// It returns ok=false when the provider is inactive, has no hours for the
// weekday, or an override marks the date unavailable.
func ScheduleFor(p model.Provider, day time.Time, blocked []ClockRange) (DaySchedule, bool) {
	if !p.Active {
		return DaySchedule{}, false
	}
	if _, off := p.UnavailableOn(day); off {
		return DaySchedule{}, false
	}
	hours, ok := p.HoursFor(day.Weekday())
	if !ok {
		return DaySchedule{}, false
	}

	span := minuteWindow(day, hours.StartMinute, hours.EndMinute)
	var blocks []interval.Interval
	for _, b := range blocked {
		if b.EndMinute <= b.StartMinute {
			continue
		}
		blocks = append(blocks, minuteWindow(day, b.StartMinute, b.EndMinute))
	}
	return DaySchedule{Span: span, Windows: subtract(span, blocks)}, true
}

// Slots enumerates candidate starts at SlotGranularity across the day's span.
// A slot is available when a hypothetical booking of length duration, started
// at the slot, fits entirely inside a working window and overlaps none of the
// busy appointments. Callers booking against an appointment type must fold the
// type's buffer into duration so that availability and booking agree exactly.
//
// Independently of the availability flag, each slot carries the busy
// appointments whose occupied interval overlaps the slot's own 15-minute span,
// for calendar-grid rendering.
func (ds DaySchedule) Slots(duration time.Duration, busy []model.Appointment) []model.TimeSlot {
	if duration <= 0 || !ds.Span.Valid() {
		return nil
	}

	blocking := make([]model.Appointment, 0, len(busy))
	for _, a := range busy {
		if a.Status.Blocks() {
			blocking = append(blocking, a)
		}
	}

	var slots []model.TimeSlot
	for t := ds.Span.Start; t.Before(ds.Span.End); t = t.Add(SlotGranularity) {
		candidate := interval.Interval{Start: t, End: t.Add(duration)}
		slotSpan := interval.Interval{Start: t, End: t.Add(SlotGranularity)}

		available := fitsAny(ds.Windows, candidate)
		var overlapping []model.Appointment
		for _, a := range blocking {
			occ := a.Occupied()
			if available && occ.Overlaps(candidate) {
				available = false
			}
			if occ.Overlaps(slotSpan) {
				overlapping = append(overlapping, a)
			}
		}

		slots = append(slots, model.TimeSlot{
			Time:         t,
			Duration:     SlotGranularity,
			Available:    available,
			Appointments: overlapping,
		})
	}
	return slots
}

// Fits reports whether a candidate occupied interval lies entirely inside one
// of the day's working windows. Booking validation uses the same test as slot
// generation so the two can never disagree.
func (ds DaySchedule) Fits(candidate interval.Interval) bool {
	return fitsAny(ds.Windows, candidate)
}

func fitsAny(windows []interval.Interval, candidate interval.Interval) bool {
	for _, w := range windows {
		if w.Contains(candidate) {
			return true
		}
	}
	return false
}

// subtract removes blocks from span, returning the remaining sub-windows in
// order. Blocks may overlap each other or extend past the span.
func subtract(span interval.Interval, blocks []interval.Interval) []interval.Interval {
	remaining := []interval.Interval{span}
	for _, b := range blocks {
		var next []interval.Interval
		for _, w := range remaining {
			if !w.Overlaps(b) {
				next = append(next, w)
				continue
			}
			if b.Start.After(w.Start) {
				next = append(next, interval.Interval{Start: w.Start, End: b.Start})
			}
			if b.End.Before(w.End) {
				next = append(next, interval.Interval{Start: b.End, End: w.End})
			}
		}
		remaining = next
	}
	return remaining
}

func minuteWindow(day time.Time, startMinute, endMinute int) interval.Interval {
	base := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return interval.Interval{
		Start: base.Add(time.Duration(startMinute) * time.Minute),
		End:   base.Add(time.Duration(endMinute) * time.Minute),
	}
}

// Package recurrence expands a recurring-appointment pattern into the bounded
// list of concrete candidate start instants. Expansion is pure; every
// candidate is validated and booked independently by the engine.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

// MaxOccurrences caps a single series. A weekly pattern over a year stays far
// under it; anything hitting the cap is a malformed request.
const MaxOccurrences = 366

var ErrTooManyOccurrences = fmt.Errorf("recurrence expands to more than %d occurrences", MaxOccurrences)

// Expand returns the ordered candidate start instants for pattern, beginning
// at first (inclusive) and ending on pattern.EndDate (inclusive, compared by
// calendar day in first's location). The time of day of every candidate is
// first's time of day.
func Expand(pattern model.RecurringPattern, first time.Time) ([]time.Time, error) {
	if !pattern.Frequency.Valid() {
		return nil, fmt.Errorf("invalid recurrence frequency %q", pattern.Frequency)
	}
	step := pattern.Interval
	if step == 0 {
		step = 1
	}
	if step < 0 {
		return nil, errors.New("recurrence interval must be positive")
	}
	if pattern.EndDate.IsZero() {
		return nil, errors.New("recurrence end date is required")
	}
	if first.IsZero() {
		return nil, errors.New("recurrence start is required")
	}
	lastDay := dateOnly(pattern.EndDate.In(first.Location()))
	if lastDay.Before(dateOnly(first)) {
		return nil, errors.New("recurrence end date precedes first occurrence")
	}

	switch pattern.Frequency {
	case model.FrequencyDaily:
		return expandByDays(first, lastDay, step)
	case model.FrequencyWeekly:
		if len(pattern.DaysOfWeek) == 0 {
			return expandByDays(first, lastDay, 7*step)
		}
		return expandWeekdays(first, lastDay, step, pattern.DaysOfWeek)
	case model.FrequencyMonthly:
		return expandMonthly(first, lastDay, step)
	}
	return nil, fmt.Errorf("invalid recurrence frequency %q", pattern.Frequency)
}

func expandByDays(first, lastDay time.Time, stepDays int) ([]time.Time, error) {
	var out []time.Time
	for t := first; !dateOnly(t).After(lastDay); t = t.AddDate(0, 0, stepDays) {
		out = append(out, t)
		if len(out) > MaxOccurrences {
			return nil, ErrTooManyOccurrences
		}
	}
	return out, nil
}

// expandWeekdays emits one occurrence per matching weekday in every
// interval-numbered week, week parity anchored on the week of the first
// occurrence (weeks start Monday).
func expandWeekdays(first, lastDay time.Time, stepWeeks int, days []time.Weekday) ([]time.Time, error) {
	wanted := map[time.Weekday]bool{}
	for _, d := range days {
		wanted[d] = true
	}

	anchor := startOfWeek(first)
	var out []time.Time
	for t := first; !dateOnly(t).After(lastDay); t = t.AddDate(0, 0, 1) {
		if !wanted[t.Weekday()] {
			continue
		}
		// Rounded, not truncated: a DST change makes a calendar week 167 or
		// 169 hours long.
		weeks := int(startOfWeek(t).Sub(anchor).Hours()/(24*7) + 0.5)
		if weeks%stepWeeks != 0 {
			continue
		}
		out = append(out, t)
		if len(out) > MaxOccurrences {
			return nil, ErrTooManyOccurrences
		}
	}
	return out, nil
}

// expandMonthly keeps the day-of-month of the first occurrence. Months lacking
// that day (e.g. the 31st in February) are skipped rather than shifted, so
// expansion stays deterministic.
func expandMonthly(first, lastDay time.Time, stepMonths int) ([]time.Time, error) {
	year, month, day := first.Date()
	hour, min, sec := first.Clock()

	var out []time.Time
	for i := 0; ; i += stepMonths {
		t := time.Date(year, month+time.Month(i), day, hour, min, sec, 0, first.Location())
		if t.Day() != day {
			// time.Date normalized an out-of-range day into the next month.
			if dateOnly(time.Date(year, month+time.Month(i), 1, 0, 0, 0, 0, first.Location())).After(lastDay) {
				break
			}
			continue
		}
		if dateOnly(t).After(lastDay) {
			break
		}
		out = append(out, t)
		if len(out) > MaxOccurrences {
			return nil, ErrTooManyOccurrences
		}
	}
	return out, nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfWeek(t time.Time) time.Time {
	d := dateOnly(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	return d.AddDate(0, 0, -offset)
}

// Package interval holds the time-interval arithmetic every scheduling
// decision reduces to. All intervals are half-open: [Start, End).
package interval

import "time"

type Interval struct {
	Start time.Time
	End   time.Time
}

// Occupied is the interval a procedure blocks on its resources: the procedure
// itself plus its buffer (cleanup/reset) time. Buffer is appended strictly
// after the procedure, never before, so an appointment never appears to start
// earlier than requested.
func Occupied(start time.Time, duration, buffer time.Duration) Interval {
	return Interval{Start: start, End: start.Add(duration + buffer)}
}

func (iv Interval) Valid() bool {
	return !iv.Start.IsZero() && iv.End.After(iv.Start)
}

// Overlaps reports whether two half-open intervals intersect:
// iv.Start < o.End && o.Start < iv.End. Touching endpoints do not overlap,
// so a booking may begin exactly when the previous buffer ends.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start.Before(o.End) && o.Start.Before(iv.End)
}

// Contains reports whether o lies entirely within iv.
func (iv Interval) Contains(o Interval) bool {
	return !o.Start.Before(iv.Start) && !o.End.After(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

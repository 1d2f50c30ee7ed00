package model

// AppointmentStatus is the closed set of appointment lifecycle states. Every
// transition is requested by an explicit caller action; nothing moves an
// appointment between states on a timer.
type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusCheckedIn  AppointmentStatus = "checkedIn"
	StatusInProgress AppointmentStatus = "inProgress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "noShow"
)

// transitions is the legal-transition table. Terminal states have no entries.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:  {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusCheckedIn:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
	StatusNoShow:     nil,
}

func (s AppointmentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Blocks reports whether an appointment in this status occupies its interval
// for conflict checking. Cancelling is the one way a committed interval is
// released.
func (s AppointmentStatus) Blocks() bool {
	return s != StatusCancelled
}

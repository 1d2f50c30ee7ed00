package model

import "testing"

func TestCanTransitionTo_HappyPath(t *testing.T) {
	steps := []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted}
	for i := 0; i < len(steps)-1; i++ {
		if !steps[i].CanTransitionTo(steps[i+1]) {
			t.Fatalf("expected %s -> %s to be allowed", steps[i], steps[i+1])
		}
	}
}

func TestCanTransitionTo_NoSkipping(t *testing.T) {
	cases := [][2]AppointmentStatus{
		{StatusScheduled, StatusCheckedIn},
		{StatusScheduled, StatusInProgress},
		{StatusScheduled, StatusCompleted},
		{StatusConfirmed, StatusInProgress},
		{StatusCheckedIn, StatusCompleted},
	}
	for _, c := range cases {
		if c[0].CanTransitionTo(c[1]) {
			t.Fatalf("expected %s -> %s to be rejected", c[0], c[1])
		}
	}
}

func TestCanTransitionTo_TerminalStatesAreDeadEnds(t *testing.T) {
	terminals := []AppointmentStatus{StatusCompleted, StatusCancelled, StatusNoShow}
	all := []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow}
	for _, from := range terminals {
		if !from.Terminal() {
			t.Fatalf("expected %s to be terminal", from)
		}
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Fatalf("expected no transition out of %s, got %s", from, to)
			}
		}
	}
}

func TestCancelAndNoShowReachableFromActiveStates(t *testing.T) {
	for _, from := range []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusCheckedIn, StatusInProgress} {
		if !from.CanTransitionTo(StatusCancelled) {
			t.Fatalf("expected %s -> cancelled to be allowed", from)
		}
		if !from.CanTransitionTo(StatusNoShow) {
			t.Fatalf("expected %s -> noShow to be allowed", from)
		}
	}
}

func TestBlocks(t *testing.T) {
	if StatusCancelled.Blocks() {
		t.Fatal("cancelled appointments must not block resources")
	}
	for _, s := range []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted, StatusNoShow} {
		if !s.Blocks() {
			t.Fatalf("expected %s to block its interval", s)
		}
	}
}

func TestValid(t *testing.T) {
	if AppointmentStatus("checkedin").Valid() {
		t.Fatal("status values are case sensitive")
	}
	if !StatusCheckedIn.Valid() {
		t.Fatal("expected checkedIn to be valid")
	}
}

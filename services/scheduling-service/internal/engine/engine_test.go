package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/availability"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/interval"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

// fakeStore is an in-memory Store with the same serialization contract as the
// Postgres implementation: one writer at a time, rollback on error.
type fakeStore struct {
	mu     sync.Mutex
	appts  map[string]model.Appointment
	idem   map[string]string
	events []Event

	// failNext injects this many serialization failures before letting
	// Serialized run.
	failNext int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appts: map[string]model.Appointment{},
		idem:  map[string]string{},
	}
}

func (s *fakeStore) Serialized(_ context.Context, _ []string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("%w: injected", ErrSerializationFailure)
	}

	snapshot := make(map[string]model.Appointment, len(s.appts))
	for k, v := range s.appts {
		snapshot[k] = v
	}
	idemSnapshot := make(map[string]string, len(s.idem))
	for k, v := range s.idem {
		idemSnapshot[k] = v
	}
	eventsLen := len(s.events)

	if err := fn(&fakeTx{s: s}); err != nil {
		s.appts = snapshot
		s.idem = idemSnapshot
		s.events = s.events[:eventsLen]
		return err
	}
	return nil
}

func (s *fakeStore) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, ErrRecordNotFound
	}
	return a, nil
}

func (s *fakeStore) ListAppointments(_ context.Context, f ListFilter) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, a := range s.appts {
		if f.ProviderID != "" && a.ProviderID != f.ProviderID {
			continue
		}
		if f.OperatoryID != "" && a.OperatoryID != f.OperatoryID {
			continue
		}
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && !a.Occupied().End.After(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.StartTime.Before(f.To) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	a, ok := t.s.appts[id]
	if !ok {
		return model.Appointment{}, ErrRecordNotFound
	}
	return a, nil
}

func (t *fakeTx) ListBlocking(_ context.Context, providerID, operatoryID string, window interval.Interval, excludeID string) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range t.s.appts {
		if a.ID == excludeID {
			continue
		}
		if a.ProviderID != providerID && a.OperatoryID != operatoryID {
			continue
		}
		if a.Status == model.StatusCancelled {
			continue
		}
		if !a.Occupied().Overlaps(window) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (t *fakeTx) Insert(_ context.Context, a model.Appointment) error {
	t.s.appts[a.ID] = a
	return nil
}

func (t *fakeTx) Update(_ context.Context, a model.Appointment) error {
	if _, ok := t.s.appts[a.ID]; !ok {
		return ErrRecordNotFound
	}
	t.s.appts[a.ID] = a
	return nil
}

func (t *fakeTx) Delete(_ context.Context, id string) error {
	if _, ok := t.s.appts[id]; !ok {
		return ErrRecordNotFound
	}
	delete(t.s.appts, id)
	return nil
}

func (t *fakeTx) AppendEvent(_ context.Context, ev Event) error {
	t.s.events = append(t.s.events, ev)
	return nil
}

func (t *fakeTx) ClaimIdempotencyKey(_ context.Context, key string) (string, bool, error) {
	if id, ok := t.s.idem[key]; ok {
		return id, true, nil
	}
	t.s.idem[key] = ""
	return "", false, nil
}

func (t *fakeTx) BindIdempotencyKey(_ context.Context, key, appointmentID string) error {
	t.s.idem[key] = appointmentID
	return nil
}

type fakeCatalog struct {
	providers   map[string]model.Provider
	operatories map[string]model.Operatory
	types       map[string]model.AppointmentType
}

func (c *fakeCatalog) GetProvider(_ context.Context, id string) (model.Provider, error) {
	p, ok := c.providers[id]
	if !ok {
		return model.Provider{}, ErrRecordNotFound
	}
	return p, nil
}

func (c *fakeCatalog) ListProviders(_ context.Context) ([]model.Provider, error) {
	var out []model.Provider
	for _, p := range c.providers {
		out = append(out, p)
	}
	return out, nil
}

func (c *fakeCatalog) GetOperatory(_ context.Context, id string) (model.Operatory, error) {
	o, ok := c.operatories[id]
	if !ok {
		return model.Operatory{}, ErrRecordNotFound
	}
	return o, nil
}

func (c *fakeCatalog) ListOperatories(_ context.Context) ([]model.Operatory, error) {
	var out []model.Operatory
	for _, o := range c.operatories {
		out = append(out, o)
	}
	return out, nil
}

func (c *fakeCatalog) GetAppointmentType(_ context.Context, id string) (model.AppointmentType, error) {
	t, ok := c.types[id]
	if !ok {
		return model.AppointmentType{}, ErrRecordNotFound
	}
	return t, nil
}

func (c *fakeCatalog) ListAppointmentTypes(_ context.Context) ([]model.AppointmentType, error) {
	var out []model.AppointmentType
	for _, t := range c.types {
		out = append(out, t)
	}
	return out, nil
}

var monday = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func weekdayHours() []model.WeeklyHours {
	var hours []model.WeeklyHours
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hours = append(hours, model.WeeklyHours{Weekday: wd, StartMinute: 9 * 60, EndMinute: 17 * 60})
	}
	return hours
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		providers: map[string]model.Provider{
			"dr-lee": {ID: "dr-lee", Name: "Dr. Lee", Role: "dentist", Active: true, Hours: weekdayHours()},
			"dr-paz": {ID: "dr-paz", Name: "Dr. Paz", Role: "dentist", Active: true, Hours: weekdayHours()},
		},
		operatories: map[string]model.Operatory{
			"op-1": {ID: "op-1", Name: "Operatory 1", Type: model.OperatoryGeneral, Active: true},
			"op-2": {ID: "op-2", Name: "Operatory 2", Type: model.OperatoryHygiene, Active: true},
		},
		types: map[string]model.AppointmentType{
			"exam":     {ID: "exam", Name: "Exam", DurationMinutes: 45, BufferMinutes: 5},
			"cleaning": {ID: "cleaning", Name: "Cleaning", DurationMinutes: 30},
			"srp":      {ID: "srp", Name: "Scaling", DurationMinutes: 60, BufferMinutes: 10, RequiresOperatoryType: model.OperatoryHygiene},
		},
	}
}

func newTestEngine(store *fakeStore) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	blocked := []availability.ClockRange{{StartMinute: 12 * 60, EndMinute: 13 * 60}}
	return New(store, testCatalog(), nil, blocked, logger)
}

func createReq(start time.Time, typeID string) CreateRequest {
	return CreateRequest{
		PatientID:         "pat-1",
		ProviderID:        "dr-lee",
		OperatoryID:       "op-1",
		AppointmentTypeID: typeID,
		StartTime:         start,
	}
}

func TestCreate_CopiesDurationFromType(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	appt, replayed, err := eng.Create(context.Background(), createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replayed {
		t.Fatal("fresh create must not report a replay")
	}
	if appt.DurationMinutes != 45 || appt.BufferMinutes != 5 {
		t.Fatalf("expected 45+5 from the exam type, got %d+%d", appt.DurationMinutes, appt.BufferMinutes)
	}
	if appt.Status != model.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", appt.Status)
	}
	if !appt.Occupied().End.Equal(monday.Add(10*time.Hour + 50*time.Minute)) {
		t.Fatalf("expected occupied end 10:50, got %s", appt.Occupied().End)
	}
}

func TestCreate_BufferBlocksUntilItEnds(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	// Exam occupies [10:00, 10:50) on provider and operatory.
	if _, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam")); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	_, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour+49*time.Minute), "cleaning"))
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError at 10:49, got %v", err)
	}
	if ce.CollidingWith.ID == "" {
		t.Fatal("conflict must name the colliding appointment")
	}

	if _, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour+50*time.Minute), "cleaning")); err != nil {
		t.Fatalf("expected 10:50 to book cleanly, got %v", err)
	}
}

func TestCreate_OperatoryIsIndependentlyScarce(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	if _, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam")); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	// Different provider, same operatory, overlapping time.
	req := createReq(monday.Add(10*time.Hour+15*time.Minute), "cleaning")
	req.ProviderID = "dr-paz"
	_, _, err := eng.Create(ctx, req)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected operatory conflict, got %v", err)
	}
	if ce.Resource != "operatory" {
		t.Fatalf("expected operatory named as the contended resource, got %q", ce.Resource)
	}
}

func TestCreate_CancellationFreesCapacity(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	if _, err := eng.ChangeStatus(ctx, appt.ID, model.StatusCancelled, "patient request"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam")); err != nil {
		t.Fatalf("expected slot to be free after cancellation, got %v", err)
	}
}

func TestCreate_ValidationFailures(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	cases := []struct {
		name string
		mod  func(*CreateRequest)
	}{
		{"unknown provider", func(r *CreateRequest) { r.ProviderID = "nobody" }},
		{"unknown type", func(r *CreateRequest) { r.AppointmentTypeID = "nope" }},
		{"missing patient", func(r *CreateRequest) { r.PatientID = "" }},
		{"outside hours", func(r *CreateRequest) { r.StartTime = monday.Add(7 * time.Hour) }},
		{"crosses close", func(r *CreateRequest) { r.StartTime = monday.Add(16*time.Hour + 30*time.Minute) }},
		{"during lunch", func(r *CreateRequest) { r.StartTime = monday.Add(12*time.Hour + 15*time.Minute) }},
		{"non working day", func(r *CreateRequest) { r.StartTime = monday.AddDate(0, 0, -1).Add(10 * time.Hour) }},
	}
	for _, tc := range cases {
		req := createReq(monday.Add(10*time.Hour), "exam")
		tc.mod(&req)
		_, _, err := eng.Create(ctx, req)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		var ve *ValidationError
		var nf *NotFoundError
		if !errors.As(err, &ve) && !errors.As(err, &nf) {
			t.Fatalf("%s: expected validation or not-found error, got %v", tc.name, err)
		}
	}
}

func TestCreate_OperatoryTypeRequirement(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	req := createReq(monday.Add(10*time.Hour), "srp")
	_, _, err := eng.Create(ctx, req)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for general operatory, got %v", err)
	}

	req.OperatoryID = "op-2"
	if _, _, err := eng.Create(ctx, req); err != nil {
		t.Fatalf("expected hygiene operatory to accept srp, got %v", err)
	}
}

func TestCreate_ProviderDayOverride(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store)
	catalog := eng.catalog.(*fakeCatalog)
	p := catalog.providers["dr-lee"]
	p.Overrides = []model.DayOverride{{Date: "2025-01-06", Reason: "conference"}}
	catalog.providers["dr-lee"] = p

	_, _, err := eng.Create(context.Background(), createReq(monday.Add(10*time.Hour), "exam"))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error on an override day, got %v", err)
	}
}

func TestCreate_IdempotencyKeyReplays(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	req := createReq(monday.Add(10*time.Hour), "exam")
	req.IdempotencyKey = "retry-abc"

	first, replayed, err := eng.Create(ctx, req)
	if err != nil || replayed {
		t.Fatalf("first create: err=%v replayed=%v", err, replayed)
	}
	second, replayed, err := eng.Create(ctx, req)
	if err != nil {
		t.Fatalf("replayed create failed: %v", err)
	}
	if !replayed {
		t.Fatal("expected second create to report a replay")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same appointment back, got %s and %s", first.ID, second.ID)
	}
}

func TestCreate_RetriesSerializationFailureOnce(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store)

	store.failNext = 1
	if _, _, err := eng.Create(context.Background(), createReq(monday.Add(10*time.Hour), "exam")); err != nil {
		t.Fatalf("expected single failure to be retried away, got %v", err)
	}

	store.failNext = 2
	_, _, err := eng.Create(context.Background(), createReq(monday.Add(14*time.Hour), "exam"))
	var ke *ConcurrencyError
	if !errors.As(err, &ke) {
		t.Fatalf("expected ConcurrencyError after two failures, got %v", err)
	}
}

func TestChangeStatus_Lifecycle(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	for _, next := range []model.AppointmentStatus{model.StatusConfirmed, model.StatusCheckedIn, model.StatusInProgress, model.StatusCompleted} {
		appt, err = eng.ChangeStatus(ctx, appt.ID, next, "")
		if err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
		if appt.Status != next {
			t.Fatalf("expected %s, got %s", next, appt.Status)
		}
	}
	if appt.CheckedInAt == nil {
		t.Fatal("expected check-in timestamp to be recorded")
	}
}

func TestChangeStatus_IllegalTransitionRejected(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	_, err = eng.ChangeStatus(ctx, appt.ID, model.StatusCompleted, "")
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError for scheduled -> completed, got %v", err)
	}
	if se.From != model.StatusScheduled || se.To != model.StatusCompleted {
		t.Fatalf("expected transition in error, got %s -> %s", se.From, se.To)
	}
}

func TestChangeStatus_CancelIsIdempotent(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	first, err := eng.ChangeStatus(ctx, appt.ID, model.StatusCancelled, "patient request")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if first.CancelledAt == nil || first.CancelReason != "patient request" {
		t.Fatal("expected cancellation details recorded")
	}
	second, err := eng.ChangeStatus(ctx, appt.ID, model.StatusCancelled, "again")
	if err != nil {
		t.Fatalf("repeated cancel must be a no-op, got %v", err)
	}
	if second.CancelReason != "patient request" {
		t.Fatal("repeated cancel must not overwrite the original reason")
	}
}

func TestUpdate_AtomicMoveExcludesSelf(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	// Shift 15 minutes into the old occupied interval. Excluding self from
	// the conflict check makes this legal.
	newStart := monday.Add(10*time.Hour + 15*time.Minute)
	moved, err := eng.Update(ctx, appt.ID, UpdateRequest{StartTime: &newStart})
	if err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if !moved.StartTime.Equal(newStart) {
		t.Fatalf("expected start %s, got %s", newStart, moved.StartTime)
	}
}

func TestUpdate_ConflictOnNewSlot(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	if _, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam")); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	victim, _, err := eng.Create(ctx, createReq(monday.Add(14*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	newStart := monday.Add(10*time.Hour + 30*time.Minute)
	_, err = eng.Update(ctx, victim.ID, UpdateRequest{StartTime: &newStart})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict moving onto a busy slot, got %v", err)
	}
	// The failed move must not have released the original slot.
	still, err := eng.Get(ctx, victim.ID)
	if err != nil {
		t.Fatalf("get after failed move: %v", err)
	}
	if !still.StartTime.Equal(monday.Add(14 * time.Hour)) {
		t.Fatalf("expected appointment to stay at 14:00, got %s", still.StartTime)
	}
}

func TestUpdate_TerminalAppointmentRejected(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	if _, err := eng.ChangeStatus(ctx, appt.ID, model.StatusCancelled, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	newStart := monday.Add(15 * time.Hour)
	_, err = eng.Update(ctx, appt.ID, UpdateRequest{StartTime: &newStart})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error rescheduling a cancelled appointment, got %v", err)
	}
}

func TestDelete_RemovesAppointment(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	if err := eng.Delete(ctx, appt.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, err = eng.Get(ctx, appt.ID)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
}

func TestCreateRecurring_SkipAndReport(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	// Pre-book the second Monday so one occurrence of the series collides.
	blockerStart := monday.AddDate(0, 0, 7).Add(9 * time.Hour)
	if _, _, err := eng.Create(ctx, createReq(blockerStart, "exam")); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	req := createReq(monday.Add(9*time.Hour), "exam")
	req.Recurrence = &model.RecurringPattern{
		Frequency:  model.FrequencyWeekly,
		Interval:   1,
		EndDate:    monday.AddDate(0, 0, 21),
		DaysOfWeek: []time.Weekday{time.Monday},
	}

	booked, skipped, err := eng.CreateRecurring(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(booked) != 3 {
		t.Fatalf("expected 3 booked occurrences, got %d", len(booked))
	}
	if len(skipped) != 1 {
		t.Fatalf("expected 1 skipped occurrence, got %d", len(skipped))
	}
	if !skipped[0].StartTime.Equal(blockerStart) {
		t.Fatalf("expected the blocked Monday to be skipped, got %s", skipped[0].StartTime)
	}
	if skipped[0].Reason == "" {
		t.Fatal("skip must carry a reason")
	}
	if booked[0].Recurrence == nil {
		t.Fatal("first booked occurrence must carry the pattern")
	}
	for _, a := range booked[1:] {
		if a.Recurrence != nil {
			t.Fatal("sibling occurrences must not carry the pattern")
		}
	}
}

func TestCreateRecurring_InvalidPatternRejectsWholeSeries(t *testing.T) {
	eng := newTestEngine(newFakeStore())

	req := createReq(monday.Add(9*time.Hour), "exam")
	req.Recurrence = &model.RecurringPattern{Frequency: "yearly", Interval: 1, EndDate: monday.AddDate(1, 0, 0)}

	_, _, err := eng.CreateRecurring(context.Background(), req)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSlots_AgreeWithBooking(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	ctx := context.Background()

	if _, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam")); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	slots, err := eng.Slots(ctx, SlotQuery{ProviderID: "dr-lee", Day: monday, AppointmentTypeID: "cleaning"})
	if err != nil {
		t.Fatalf("slots query failed: %v", err)
	}

	byTime := map[time.Time]model.TimeSlot{}
	for _, s := range slots {
		byTime[s.Time] = s
	}

	// 10:45 is unavailable because the exam's buffer runs to 10:50; booking
	// there must fail with the same verdict.
	if byTime[monday.Add(10*time.Hour+45*time.Minute)].Available {
		t.Fatal("expected 10:45 unavailable")
	}
	_, _, err = eng.Create(ctx, createReq(monday.Add(10*time.Hour+45*time.Minute), "cleaning"))
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected booking at 10:45 to conflict, got %v", err)
	}

	// 11:00 is available and must book.
	if !byTime[monday.Add(11*time.Hour)].Available {
		t.Fatal("expected 11:00 available")
	}
	if _, _, err := eng.Create(ctx, createReq(monday.Add(11*time.Hour), "cleaning")); err != nil {
		t.Fatalf("expected booking at 11:00 to succeed, got %v", err)
	}
}

func TestSlots_NonWorkingDayReturnsEmpty(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	slots, err := eng.Slots(context.Background(), SlotQuery{ProviderID: "dr-lee", Day: monday.AddDate(0, 0, -1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots on a Sunday, got %d", len(slots))
	}
}

func TestSlots_ExplicitDuration(t *testing.T) {
	eng := newTestEngine(newFakeStore())
	slots, err := eng.Slots(context.Background(), SlotQuery{ProviderID: "dr-lee", Day: monday, DurationMinutes: 60})
	if err != nil {
		t.Fatalf("slots query failed: %v", err)
	}

	byTime := map[time.Time]model.TimeSlot{}
	for _, s := range slots {
		byTime[s.Time] = s
	}

	if !byTime[monday.Add(11*time.Hour)].Available {
		t.Fatal("expected 11:00 available for a 60-minute fit")
	}
	// A 60-minute fit starting 11:15 would run into the lunch block.
	if byTime[monday.Add(11*time.Hour+15*time.Minute)].Available {
		t.Fatal("expected 11:15 unavailable for a 60-minute fit")
	}

	if _, err := eng.Slots(context.Background(), SlotQuery{ProviderID: "dr-lee", Day: monday, DurationMinutes: -30}); err == nil {
		t.Fatal("expected validation error for negative duration")
	}
}

func TestEventsEmittedThroughOutbox(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store)
	ctx := context.Background()

	appt, _, err := eng.Create(ctx, createReq(monday.Add(10*time.Hour), "exam"))
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	if _, err := eng.ChangeStatus(ctx, appt.ID, model.StatusConfirmed, ""); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := eng.ChangeStatus(ctx, appt.ID, model.StatusCancelled, "weather"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	want := []string{EventBooked, EventStatusChanged, EventCancelled}
	if len(store.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(store.events))
	}
	for i, ev := range store.events {
		if ev.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
		if ev.AggregateID != appt.ID {
			t.Fatalf("event %d: expected aggregate %s, got %s", i, appt.ID, ev.AggregateID)
		}
	}
}

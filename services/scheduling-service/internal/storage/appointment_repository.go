// Package storage is the Postgres persistence layer. It implements the
// engine's Store/Tx interfaces and translates driver-level failures into the
// engine's sentinels, so nothing above this package imports pgx.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chairsidehq/scheduling/libs/db"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/engine"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/interval"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/outbox"
)

type AppointmentStore struct {
	pool *db.Pool
}

func NewAppointmentStore(pool *db.Pool) *AppointmentStore {
	return &AppointmentStore{pool: pool}
}

var _ engine.Store = (*AppointmentStore)(nil)

// translate maps driver errors to the engine's sentinels. Exclusion
// violations (23P01) and serialization failures (40001) both mean a
// concurrent writer won; the engine retries those once. Deadlocks (40P01)
// cannot happen while advisory locks are taken in sorted order, but are
// mapped the same way as a backstop.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.ErrRecordNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01", "40001", "40P01":
			return fmt.Errorf("%w: %s", engine.ErrSerializationFailure, pgErr.Message)
		}
	}
	return err
}

func (s *AppointmentStore) Serialized(ctx context.Context, resourceKeys []string, fn func(tx engine.Tx) error) error {
	err := s.pool.Serialized(ctx, resourceKeys, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return translate(err)
}

func (s *AppointmentStore) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return getAppointment(ctx, s.pool, id)
}

func (s *AppointmentStore) ListAppointments(ctx context.Context, f engine.ListFilter) ([]model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if f.ProviderID != "" {
		add(" AND provider_id = $%d", f.ProviderID)
	}
	if f.OperatoryID != "" {
		add(" AND operatory_id = $%d", f.OperatoryID)
	}
	if f.PatientID != "" {
		add(" AND patient_id = $%d", f.PatientID)
	}
	if f.Status != "" {
		add(" AND status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add(" AND end_time > $%d", f.From)
	}
	if !f.To.IsZero() {
		add(" AND start_time < $%d", f.To)
	}
	query += " ORDER BY start_time"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// pgTx adapts one pgx transaction to the engine's Tx surface.
type pgTx struct {
	tx pgx.Tx
}

var _ engine.Tx = (*pgTx)(nil)

func (t *pgTx) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return getAppointment(ctx, t.tx, id)
}

func (t *pgTx) ListBlocking(ctx context.Context, providerID, operatoryID string, window interval.Interval, excludeID string) ([]model.Appointment, error) {
	var exclude any
	if excludeID != "" {
		exclude = excludeID
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE (provider_id = $1 OR operatory_id = $2)
		  AND status <> 'cancelled'
		  AND tstzrange(start_time, end_time, '[)') && tstzrange($3, $4, '[)')
		  AND ($5::uuid IS NULL OR id <> $5::uuid)
		ORDER BY start_time`,
		providerID, operatoryID, window.Start, window.End, exclude)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (t *pgTx) Insert(ctx context.Context, a model.Appointment) error {
	recurrence, err := marshalRecurrence(a.Recurrence)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO appointments (
			id, patient_id, provider_id, operatory_id, appointment_type_id,
			start_time, end_time, duration_minutes, buffer_minutes,
			status, notes, recurrence, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.PatientID, a.ProviderID, a.OperatoryID, a.AppointmentTypeID,
		a.StartTime, a.Occupied().End, a.DurationMinutes, a.BufferMinutes,
		string(a.Status), a.Notes, recurrence, a.CreatedAt, a.UpdatedAt)
	return translate(err)
}

func (t *pgTx) Update(ctx context.Context, a model.Appointment) error {
	recurrence, err := marshalRecurrence(a.Recurrence)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments SET
			patient_id = $2, provider_id = $3, operatory_id = $4,
			appointment_type_id = $5, start_time = $6, end_time = $7,
			duration_minutes = $8, buffer_minutes = $9, status = $10,
			notes = $11, recurrence = $12, checked_in_at = $13,
			cancelled_at = $14, cancel_reason = $15, updated_at = $16
		WHERE id = $1`,
		a.ID, a.PatientID, a.ProviderID, a.OperatoryID,
		a.AppointmentTypeID, a.StartTime, a.Occupied().End,
		a.DurationMinutes, a.BufferMinutes, string(a.Status),
		a.Notes, recurrence, a.CheckedInAt,
		a.CancelledAt, a.CancelReason, a.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, ev engine.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return translate(outbox.Insert(ctx, t.tx, ev.Type, ev.AggregateID, payload))
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (key) VALUES ($1)
		ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return "", false, translate(err)
	}
	if tag.RowsAffected() == 1 {
		// Fresh key, now claimed by this transaction.
		return "", false, nil
	}

	var appointmentID *string
	err = t.tx.QueryRow(ctx, `
		SELECT appointment_id FROM booking_idempotency_keys WHERE key = $1`, key).
		Scan(&appointmentID)
	if err != nil {
		return "", false, translate(err)
	}
	if appointmentID == nil {
		// Claimed by a transaction that has not bound a result yet.
		return "", false, fmt.Errorf("%w: idempotency key %q in flight", engine.ErrSerializationFailure, key)
	}
	return *appointmentID, true, nil
}

func (t *pgTx) BindIdempotencyKey(ctx context.Context, key, appointmentID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $2, completed_at = now()
		WHERE key = $1`, key, appointmentID)
	return translate(err)
}

const appointmentColumns = `
	id, patient_id, provider_id, operatory_id, appointment_type_id,
	start_time, duration_minutes, buffer_minutes, status, notes,
	recurrence, checked_in_at, cancelled_at, cancel_reason,
	created_at, updated_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAppointment(ctx context.Context, q querier, id string) (model.Appointment, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, translate(err)
	}
	return a, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, a)
	}
	return out, translate(rows.Err())
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		a          model.Appointment
		status     string
		recurrence []byte
	)
	err := row.Scan(
		&a.ID, &a.PatientID, &a.ProviderID, &a.OperatoryID, &a.AppointmentTypeID,
		&a.StartTime, &a.DurationMinutes, &a.BufferMinutes, &status, &a.Notes,
		&recurrence, &a.CheckedInAt, &a.CancelledAt, &a.CancelReason,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.AppointmentStatus(status)
	if len(recurrence) > 0 {
		var p model.RecurringPattern
		if err := json.Unmarshal(recurrence, &p); err != nil {
			return model.Appointment{}, fmt.Errorf("decode recurrence for appointment %s: %w", a.ID, err)
		}
		a.Recurrence = &p
	}
	return a, nil
}

func marshalRecurrence(p *model.RecurringPattern) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode recurrence: %w", err)
	}
	return b, nil
}

// PurgeIdempotencyKeys removes keys older than the retention window. Run by
// the service's janitor goroutine.
func (s *AppointmentStore) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM booking_idempotency_keys
		WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

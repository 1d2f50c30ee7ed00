// Package outbox implements the transactional outbox: domain events are
// inserted in the same transaction as the state change they describe, and a
// background publisher drains them to Kafka. At-least-once delivery;
// consumers dedupe on event ID.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	otelx "github.com/chairsidehq/scheduling/libs/otel"
)

type Event struct {
	ID          string
	Type        string
	AggregateID string
	Payload     []byte
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
}

// Insert stages an event inside the caller's transaction. The active trace
// context is captured alongside so the publisher can continue the trace that
// caused the event.
func Insert(ctx context.Context, tx pgx.Tx, eventType, aggregateID string, payload []byte) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_id, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), eventType, aggregateID, payload, traceparent, tracestate,
	)
	return err
}

// fetchUnpublished locks and returns up to limit unpublished events, oldest
// first. SKIP LOCKED lets multiple publisher replicas drain in parallel
// without double-publishing inside one polling round.
func fetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_type, aggregate_id, payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.AggregateID, &ev.Payload, &ev.Traceparent, &ev.Tracestate, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func markPublished(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = $1`, id)
	return err
}

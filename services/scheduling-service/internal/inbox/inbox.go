// Package inbox deduplicates consumed Kafka events. Delivery is
// at-least-once; recording the event ID in a unique-keyed table makes
// processing effectively exactly-once.
package inbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chairsidehq/scheduling/libs/db"
)

// Record remembers an event ID. It returns false when the event was already
// recorded, meaning the caller should skip processing.
func Record(ctx context.Context, pool *db.Pool, eventID, eventType string) (bool, error) {
	_, err := pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type) VALUES ($1, $2)`,
		eventID, eventType)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

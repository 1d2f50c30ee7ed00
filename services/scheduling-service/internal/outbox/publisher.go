package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/chairsidehq/scheduling/libs/db"
	"github.com/chairsidehq/scheduling/libs/kafkax"
	otelx "github.com/chairsidehq/scheduling/libs/otel"
)

const (
	pollInterval = 500 * time.Millisecond
	batchSize    = 100
)

// Publisher drains unpublished outbox rows to a Kafka topic. Rows are locked,
// published, and marked in one transaction; a crash between publish and commit
// re-delivers, never loses.
type Publisher struct {
	pool   *db.Pool
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(pool *db.Pool, brokers []string, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		pool: pool,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

// Run polls until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.publishBatch(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "outbox publish batch failed", "error", err)
			}
			if n > 0 {
				p.logger.DebugContext(ctx, "outbox batch published", "events", n)
			}
		}
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	events, err := fetchUnpublished(ctx, tx, batchSize)
	if err != nil || len(events) == 0 {
		return 0, err
	}

	for _, ev := range events {
		headers := []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.Type)},
		}
		// Resume the trace captured at insert time so the Kafka message links
		// back to the request that produced the event.
		evCtx := otelx.ContextWithTraceContext(ctx, ev.Traceparent, ev.Tracestate)
		headers = kafkax.InjectTraceHeaders(evCtx, headers)

		msg := kafka.Message{
			Key:     []byte(ev.AggregateID),
			Value:   ev.Payload,
			Headers: headers,
		}
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			return 0, err
		}
		if err := markPublished(ctx, tx, ev.ID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(events), nil
}

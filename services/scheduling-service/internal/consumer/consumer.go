// Package consumer keeps the local resource catalog in sync with the
// practice-management directory by consuming its change events from Kafka.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chairsidehq/scheduling/libs/db"
	"github.com/chairsidehq/scheduling/libs/kafkax"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/inbox"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/storage"
)

// Event types published by the directory service.
const (
	EventProviderUpserted        = "directory.provider.upserted.v1"
	EventOperatoryUpserted       = "directory.operatory.upserted.v1"
	EventAppointmentTypeUpserted = "directory.appointment_type.upserted.v1"
)

type DirectoryConsumer struct {
	reader  *kafka.Reader
	pool    *db.Pool
	catalog *storage.CatalogStore
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewDirectoryConsumer(brokers []string, topic, groupID string, pool *db.Pool, catalog *storage.CatalogStore, logger *slog.Logger) *DirectoryConsumer {
	return &DirectoryConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // explicit commits only
		}),
		pool:    pool,
		catalog: catalog,
		logger:  logger,
		tracer:  otel.Tracer("scheduling-service/directory-consumer"),
	}
}

// Run consumes until ctx is cancelled. A message is committed only after it
// was processed or recognized as a duplicate; processing errors leave the
// offset uncommitted so the message redelivers.
func (c *DirectoryConsumer) Run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.ErrorContext(ctx, "directory consumer fetch failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			c.logger.ErrorContext(ctx, "directory event failed, will redeliver",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			time.Sleep(time.Second)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "directory consumer commit failed", "error", err)
		}
	}
}

func (c *DirectoryConsumer) Close() error {
	return c.reader.Close()
}

func (c *DirectoryConsumer) handle(ctx context.Context, msg kafka.Message) error {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	meta := kafkax.ExtractEventMeta(msg)

	ctx, span := c.tracer.Start(ctx, "directory.consume "+meta.EventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.message.id", meta.EventID),
			attribute.String("event.type", meta.EventType),
		),
	)
	defer span.End()

	fresh, err := inbox.Record(ctx, c.pool, meta.EventID, meta.EventType)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("inbox record: %w", err)
	}
	if !fresh {
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		return nil
	}

	if err := c.apply(ctx, meta.EventType, msg.Value); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.logger.InfoContext(ctx, "directory event applied",
		"event_id", meta.EventID,
		"event_type", meta.EventType,
	)
	return nil
}

func (c *DirectoryConsumer) apply(ctx context.Context, eventType string, payload []byte) error {
	switch eventType {
	case EventProviderUpserted:
		var p providerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode provider payload: %w", err)
		}
		return c.catalog.UpsertProvider(ctx, p.toModel())
	case EventOperatoryUpserted:
		var o operatoryPayload
		if err := json.Unmarshal(payload, &o); err != nil {
			return fmt.Errorf("decode operatory payload: %w", err)
		}
		return c.catalog.UpsertOperatory(ctx, o.toModel())
	case EventAppointmentTypeUpserted:
		var t appointmentTypePayload
		if err := json.Unmarshal(payload, &t); err != nil {
			return fmt.Errorf("decode appointment type payload: %w", err)
		}
		return c.catalog.UpsertAppointmentType(ctx, t.toModel())
	default:
		// Unknown event versions are skipped, not failed, so a directory
		// deploy never wedges this consumer group.
		c.logger.WarnContext(ctx, "skipping unknown directory event type", "event_type", eventType)
		return nil
	}
}

type providerPayload struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Role        string              `json:"role"`
	Specialties []string            `json:"specialties"`
	Hours       []model.WeeklyHours `json:"hours"`
	Overrides   []model.DayOverride `json:"overrides"`
	Active      bool                `json:"active"`
}

func (p providerPayload) toModel() model.Provider {
	return model.Provider{
		ID:          p.ID,
		Name:        p.Name,
		Role:        p.Role,
		Specialties: p.Specialties,
		Hours:       p.Hours,
		Overrides:   p.Overrides,
		Active:      p.Active,
	}
}

type operatoryPayload struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Equipment []string `json:"equipment"`
	Active    bool     `json:"active"`
}

func (o operatoryPayload) toModel() model.Operatory {
	return model.Operatory{
		ID:        o.ID,
		Name:      o.Name,
		Type:      model.OperatoryType(o.Type),
		Equipment: o.Equipment,
		Active:    o.Active,
	}
}

type appointmentTypePayload struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Color                 string `json:"color"`
	DurationMinutes       int    `json:"duration_minutes"`
	BufferMinutes         int    `json:"buffer_minutes"`
	RequiresOperatoryType string `json:"requires_operatory_type"`
}

func (t appointmentTypePayload) toModel() model.AppointmentType {
	return model.AppointmentType{
		ID:                    t.ID,
		Name:                  t.Name,
		Color:                 t.Color,
		DurationMinutes:       t.DurationMinutes,
		BufferMinutes:         t.BufferMinutes,
		RequiresOperatoryType: model.OperatoryType(t.RequiresOperatoryType),
	}
}

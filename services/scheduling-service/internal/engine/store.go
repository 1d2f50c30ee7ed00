package engine

import (
	"context"
	"time"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/interval"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

// Store is the persistence surface the engine drives. Implementations must
// guarantee that Serialized runs fn under mutual exclusion per resource key:
// two calls sharing any key never interleave between the conflict check and
// the write. The Postgres implementation uses transaction-scoped advisory
// locks; the test fake uses a plain mutex.
type Store interface {
	// Serialized runs fn inside one transaction holding exclusive locks on
	// every resource key, acquired in sorted order. An error from fn rolls
	// the transaction back and is returned verbatim.
	Serialized(ctx context.Context, resourceKeys []string, fn func(tx Tx) error) error

	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]model.Appointment, error)
}

// Tx is the write surface available inside a Serialized block.
type Tx interface {
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	// ListBlocking returns appointments on the given provider or operatory
	// whose occupied interval may intersect window, excluding cancelled ones
	// and the appointment named by excludeID (empty string excludes nothing).
	ListBlocking(ctx context.Context, providerID, operatoryID string, window interval.Interval, excludeID string) ([]model.Appointment, error)
	Insert(ctx context.Context, a model.Appointment) error
	Update(ctx context.Context, a model.Appointment) error
	Delete(ctx context.Context, id string) error

	// AppendEvent stages a domain event in the same transaction as the write
	// it describes (transactional outbox).
	AppendEvent(ctx context.Context, ev Event) error

	// ClaimIdempotencyKey reserves key for this request. It returns the
	// appointment ID a previous successful request bound to the key, or
	// ok=false when the key is fresh and now claimed by this transaction.
	ClaimIdempotencyKey(ctx context.Context, key string) (appointmentID string, ok bool, err error)
	// BindIdempotencyKey records the created appointment against a claimed
	// key so replays return the original result.
	BindIdempotencyKey(ctx context.Context, key, appointmentID string) error
}

// Event is a domain event destined for the outbox. Payload must be
// JSON-marshalable.
type Event struct {
	Type        string
	AggregateID string
	Payload     any
}

// ListFilter narrows appointment listings. Zero values mean "any".
type ListFilter struct {
	ProviderID  string
	OperatoryID string
	PatientID   string
	Status      model.AppointmentStatus
	From        time.Time
	To          time.Time
}

// Catalog is the read surface over reference data: providers, operatories and
// appointment types. Kept current by the directory-events consumer.
type Catalog interface {
	GetProvider(ctx context.Context, id string) (model.Provider, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)
	GetOperatory(ctx context.Context, id string) (model.Operatory, error)
	ListOperatories(ctx context.Context) ([]model.Operatory, error)
	GetAppointmentType(ctx context.Context, id string) (model.AppointmentType, error)
	ListAppointmentTypes(ctx context.Context) ([]model.AppointmentType, error)
}

// PatientDirectory resolves patient IDs against the practice-management
// system. A nil-safe disabled implementation accepts every ID.
type PatientDirectory interface {
	PatientExists(ctx context.Context, id string) (bool, error)
}

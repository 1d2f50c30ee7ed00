package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chairsidehq/scheduling/libs/db"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/engine"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

// CatalogStore holds the local replica of practice reference data. Reads
// serve booking validation and availability; upserts are driven by the
// directory-events consumer.
type CatalogStore struct {
	pool *db.Pool
}

func NewCatalogStore(pool *db.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

var _ engine.Catalog = (*CatalogStore)(nil)

func (s *CatalogStore) GetProvider(ctx context.Context, id string) (model.Provider, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, role, specialties, hours, overrides, active
		FROM providers WHERE id = $1`, id)

	var (
		p         model.Provider
		hours     []byte
		overrides []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Role, &p.Specialties, &hours, &overrides, &p.Active)
	if err != nil {
		return model.Provider{}, translate(err)
	}
	if err := decodeJSON(hours, &p.Hours); err != nil {
		return model.Provider{}, fmt.Errorf("decode hours for provider %s: %w", id, err)
	}
	if err := decodeJSON(overrides, &p.Overrides); err != nil {
		return model.Provider{}, fmt.Errorf("decode overrides for provider %s: %w", id, err)
	}
	return p, nil
}

func (s *CatalogStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, role, specialties, hours, overrides, active
		FROM providers ORDER BY name`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		var (
			p         model.Provider
			hours     []byte
			overrides []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Role, &p.Specialties, &hours, &overrides, &p.Active); err != nil {
			return nil, translate(err)
		}
		if err := decodeJSON(hours, &p.Hours); err != nil {
			return nil, fmt.Errorf("decode hours for provider %s: %w", p.ID, err)
		}
		if err := decodeJSON(overrides, &p.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides for provider %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, translate(rows.Err())
}

func (s *CatalogStore) UpsertProvider(ctx context.Context, p model.Provider) error {
	hours, err := json.Marshal(p.Hours)
	if err != nil {
		return err
	}
	overrides, err := json.Marshal(p.Overrides)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO providers (id, name, role, specialties, hours, overrides, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role,
			specialties = EXCLUDED.specialties, hours = EXCLUDED.hours,
			overrides = EXCLUDED.overrides, active = EXCLUDED.active,
			updated_at = now()`,
		p.ID, p.Name, p.Role, p.Specialties, hours, overrides, p.Active)
	return translate(err)
}

func (s *CatalogStore) GetOperatory(ctx context.Context, id string) (model.Operatory, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, type, equipment, active FROM operatories WHERE id = $1`, id)
	var (
		o     model.Operatory
		otype string
	)
	if err := row.Scan(&o.ID, &o.Name, &otype, &o.Equipment, &o.Active); err != nil {
		return model.Operatory{}, translate(err)
	}
	o.Type = model.OperatoryType(otype)
	return o, nil
}

func (s *CatalogStore) ListOperatories(ctx context.Context) ([]model.Operatory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, equipment, active FROM operatories ORDER BY name`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []model.Operatory
	for rows.Next() {
		var (
			o     model.Operatory
			otype string
		)
		if err := rows.Scan(&o.ID, &o.Name, &otype, &o.Equipment, &o.Active); err != nil {
			return nil, translate(err)
		}
		o.Type = model.OperatoryType(otype)
		out = append(out, o)
	}
	return out, translate(rows.Err())
}

func (s *CatalogStore) UpsertOperatory(ctx context.Context, o model.Operatory) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operatories (id, name, type, equipment, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type,
			equipment = EXCLUDED.equipment, active = EXCLUDED.active,
			updated_at = now()`,
		o.ID, o.Name, string(o.Type), o.Equipment, o.Active)
	return translate(err)
}

func (s *CatalogStore) GetAppointmentType(ctx context.Context, id string) (model.AppointmentType, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, color, duration_minutes, buffer_minutes, requires_operatory_type
		FROM appointment_types WHERE id = $1`, id)
	var (
		t        model.AppointmentType
		requires string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Color, &t.DurationMinutes, &t.BufferMinutes, &requires); err != nil {
		return model.AppointmentType{}, translate(err)
	}
	t.RequiresOperatoryType = model.OperatoryType(requires)
	return t, nil
}

func (s *CatalogStore) ListAppointmentTypes(ctx context.Context) ([]model.AppointmentType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, color, duration_minutes, buffer_minutes, requires_operatory_type
		FROM appointment_types ORDER BY name`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []model.AppointmentType
	for rows.Next() {
		var (
			t        model.AppointmentType
			requires string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &t.DurationMinutes, &t.BufferMinutes, &requires); err != nil {
			return nil, translate(err)
		}
		t.RequiresOperatoryType = model.OperatoryType(requires)
		out = append(out, t)
	}
	return out, translate(rows.Err())
}

func (s *CatalogStore) UpsertAppointmentType(ctx context.Context, t model.AppointmentType) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointment_types (id, name, color, duration_minutes, buffer_minutes, requires_operatory_type, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, color = EXCLUDED.color,
			duration_minutes = EXCLUDED.duration_minutes,
			buffer_minutes = EXCLUDED.buffer_minutes,
			requires_operatory_type = EXCLUDED.requires_operatory_type,
			updated_at = now()`,
		t.ID, t.Name, t.Color, t.DurationMinutes, t.BufferMinutes, string(t.RequiresOperatoryType))
	return translate(err)
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/engine"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
)

// CatalogHandler exposes read-only views of the resource catalog for
// front-desk UIs.
type CatalogHandler struct {
	catalog engine.Catalog
	logger  *slog.Logger
}

func NewCatalogHandler(catalog engine.Catalog, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, logger: logger}
}

type providerResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Role        string              `json:"role"`
	Specialties []string            `json:"specialties,omitempty"`
	Hours       []model.WeeklyHours `json:"hours"`
	Overrides   []model.DayOverride `json:"overrides,omitempty"`
	Active      bool                `json:"active"`
}

type operatoryResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Equipment []string `json:"equipment,omitempty"`
	Active    bool     `json:"active"`
}

type appointmentTypeResponse struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Color                 string `json:"color"`
	DurationMinutes       int    `json:"duration_minutes"`
	BufferMinutes         int    `json:"buffer_minutes"`
	RequiresOperatoryType string `json:"requires_operatory_type,omitempty"`
}

func (h *CatalogHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.catalog.ListProviders(r.Context())
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	out := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		out = append(out, toProviderResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CatalogHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.catalog.GetProvider(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "provider not found"})
			return
		}
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(p))
}

func (h *CatalogHandler) ListOperatories(w http.ResponseWriter, r *http.Request) {
	operatories, err := h.catalog.ListOperatories(r.Context())
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	out := make([]operatoryResponse, 0, len(operatories))
	for _, o := range operatories {
		out = append(out, operatoryResponse{
			ID:        o.ID,
			Name:      o.Name,
			Type:      string(o.Type),
			Equipment: o.Equipment,
			Active:    o.Active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CatalogHandler) ListAppointmentTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.catalog.ListAppointmentTypes(r.Context())
	if err != nil {
		writeEngineError(r.Context(), w, h.logger, err)
		return
	}
	out := make([]appointmentTypeResponse, 0, len(types))
	for _, t := range types {
		out = append(out, appointmentTypeResponse{
			ID:                    t.ID,
			Name:                  t.Name,
			Color:                 t.Color,
			DurationMinutes:       t.DurationMinutes,
			BufferMinutes:         t.BufferMinutes,
			RequiresOperatoryType: string(t.RequiresOperatoryType),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func toProviderResponse(p model.Provider) providerResponse {
	return providerResponse{
		ID:          p.ID,
		Name:        p.Name,
		Role:        p.Role,
		Specialties: p.Specialties,
		Hours:       p.Hours,
		Overrides:   p.Overrides,
		Active:      p.Active,
	}
}

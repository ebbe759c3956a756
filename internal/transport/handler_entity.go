package transport

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/dealdesk/internal/definition"
	"github.com/pitabwire/dealdesk/model"
)

// handleListEntities returns the descriptors of every entity type the
// caller may edit.
func handleListEntities(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if model.RequestContextFrom(r.Context()) == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		caps := CapabilitiesFrom(r.Context())

		descriptors := make([]model.EntityDescriptor, 0, registry.EntityCount())
		for _, domain := range registry.AllDomains() {
			for _, def := range domain.Entities {
				if caps.HasAll(def.Capabilities...) {
					descriptors = append(descriptors, def.Descriptor(domain.Domain))
				}
			}
		}
		sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     descriptors,
			"checksum": registry.Checksum(),
		})
	}
}

// handleGetEntity returns one entity type's descriptor. Types the caller
// may not edit are reported as missing.
func handleGetEntity(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if model.RequestContextFrom(r.Context()) == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		entityType := chi.URLParam(r, "entityType")

		def, ok := registry.GetEntity(entityType)
		if !ok || !CapabilitiesFrom(r.Context()).HasAll(def.Capabilities...) {
			writeRequestError(w, r, model.NewNotFoundError(fmt.Sprintf("entity type %q not found", entityType)))
			return
		}
		desc, _ := registry.Descriptor(entityType)
		WriteJSON(w, http.StatusOK, desc)
	}
}

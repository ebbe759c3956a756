package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/dealdesk/model"
)

// entry is an entity definition together with the domain that declared it.
type entry struct {
	domain string
	def    model.EntityDefinition
}

type snapshot struct {
	domains  map[string]model.DomainDefinition
	entities map[string]entry
	order    []string
	checksum string
}

// Registry serves loaded definitions. Reads are lock-free; Replace swaps in
// a new snapshot atomically.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.DomainDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(defs []model.DomainDefinition) {
	s := &snapshot{
		domains:  make(map[string]model.DomainDefinition, len(defs)),
		entities: make(map[string]entry),
	}

	var checksumParts []string
	for _, def := range defs {
		s.domains[def.Domain] = def
		checksumParts = append(checksumParts, def.Checksum)
		for _, e := range def.Entities {
			if _, dup := s.entities[e.ID]; !dup {
				s.order = append(s.order, e.ID)
			}
			s.entities[e.ID] = entry{domain: def.Domain, def: e}
		}
	}
	sort.Strings(s.order)

	sort.Strings(checksumParts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, ":"))))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetEntity returns the definition of an entity type.
func (r *Registry) GetEntity(entityType string) (model.EntityDefinition, bool) {
	e, ok := r.current().entities[entityType]
	return e.def, ok
}

// Descriptor returns the UI descriptor of an entity type.
func (r *Registry) Descriptor(entityType string) (model.EntityDescriptor, bool) {
	e, ok := r.current().entities[entityType]
	if !ok {
		return model.EntityDescriptor{}, false
	}
	return e.def.Descriptor(e.domain), true
}

// AllEntities returns every entity definition sorted by ID.
func (r *Registry) AllEntities() []model.EntityDefinition {
	s := r.current()
	out := make([]model.EntityDefinition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entities[id].def)
	}
	return out
}

// AllDomains returns all domain definitions.
func (r *Registry) AllDomains() []model.DomainDefinition {
	s := r.current()
	defs := make([]model.DomainDefinition, 0, len(s.domains))
	for _, d := range s.domains {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Domain < defs[j].Domain })
	return defs
}

// EntityCount returns the number of entity types loaded.
func (r *Registry) EntityCount() int {
	return len(r.current().entities)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

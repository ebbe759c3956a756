package model

import "github.com/pitabwire/dealdesk/reconcile"

// DomainDefinition is one definition file: a group of editable entity types.
type DomainDefinition struct {
	Domain     string             `yaml:"domain"   json:"domain"`
	Version    string             `yaml:"version"  json:"version"`
	Entities   []EntityDefinition `yaml:"entities" json:"entities"`
	Checksum   string             `yaml:"-"        json:"-"`
	SourceFile string             `yaml:"-"        json:"-"`
}

// EntityDefinition binds an entity type to the backend operations that load
// and save it and declares its editable fields.
type EntityDefinition struct {
	ID           string   `yaml:"id"           json:"id"`
	Title        string   `yaml:"title"        json:"title"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`

	// IDParam is the path parameter that carries the entity ID. Defaults to "id".
	IDParam string        `yaml:"id_param" json:"id_param,omitempty"`
	Fetch   OperationRef  `yaml:"fetch"    json:"fetch"`
	Save    OperationRef  `yaml:"save"     json:"save"`
	Create  *OperationRef `yaml:"create"   json:"create,omitempty"`

	// ResponsePath is a dot path to the entity inside response bodies, for
	// APIs that wrap it in an envelope such as {"data": {...}}.
	ResponsePath string `yaml:"response_path" json:"response_path,omitempty"`

	// IDField is the entity attribute holding its ID. Defaults to "id".
	IDField string `yaml:"id_field" json:"id_field,omitempty"`

	Fields []reconcile.FieldSpec `yaml:"fields" json:"fields"`
}

// PathParam returns the path parameter name for the entity ID.
func (e EntityDefinition) PathParam() string {
	if e.IDParam == "" {
		return "id"
	}
	return e.IDParam
}

// IDAttribute returns the entity attribute holding its ID.
func (e EntityDefinition) IDAttribute() string {
	if e.IDField == "" {
		return "id"
	}
	return e.IDField
}

// Field returns the FieldSpec declared for key.
func (e EntityDefinition) Field(key string) (reconcile.FieldSpec, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return reconcile.FieldSpec{}, false
}

// Descriptor returns what the UI needs to render the entity's form.
func (e EntityDefinition) Descriptor(domain string) EntityDescriptor {
	return EntityDescriptor{
		ID:        e.ID,
		Domain:    domain,
		Title:     e.Title,
		Creatable: e.Create != nil,
		Fields:    e.Fields,
	}
}

// EntityDescriptor is the UI-facing view of an EntityDefinition.
type EntityDescriptor struct {
	ID        string                `json:"id"`
	Domain    string                `json:"domain"`
	Title     string                `json:"title"`
	Creatable bool                  `json:"creatable"`
	Fields    []reconcile.FieldSpec `json:"fields"`
}

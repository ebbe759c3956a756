package reconcile

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Kind selects how a field is coerced, compared, and serialized.
type Kind string

const (
	KindString      Kind = "string"
	KindNumber      Kind = "number"
	KindBoolean     Kind = "boolean"
	KindDate        Kind = "date"
	KindStringArray Kind = "stringArray"
	KindJSON        Kind = "json"
)

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindDate, KindStringArray, KindJSON:
		return true
	}
	return false
}

// FieldSpec declares one editable field of an entity.
type FieldSpec struct {
	Key               string `yaml:"key"                 json:"key"`
	Kind              Kind   `yaml:"kind"                json:"kind"`
	NullableWhenEmpty bool   `yaml:"nullable_when_empty" json:"nullable_when_empty,omitempty"`
	Default           any    `yaml:"default"             json:"default,omitempty"`
	Label             string `yaml:"label"               json:"label,omitempty"`
}

// Value is the typed state of a single field. Only the members relevant to
// Kind are populated. Values are treated as immutable once placed in a State.
type Value struct {
	Kind Kind `json:"kind"`

	// Text holds the string value, the number as typed, or the local
	// editable form of a date.
	Text string `json:"text,omitempty"`

	// Number is nil while the number field is blank or not numeric.
	Number  *float64 `json:"number,omitempty"`
	Invalid bool     `json:"invalid,omitempty"`

	Bool bool `json:"bool,omitempty"`

	// Instant is the canonical time behind a date's Text.
	Instant *time.Time `json:"instant,omitempty"`

	List []string        `json:"list,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// Equal compares two values of the same kind. Numbers and dates compare
// their canonical form when both sides have one, so "10" equals "10.0" and
// two renderings of the same instant are equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		if v.Number != nil && o.Number != nil {
			return *v.Number == *o.Number
		}
		if v.Number != nil || o.Number != nil {
			return false
		}
		if v.Empty() && o.Empty() {
			return true
		}
		return v.Text == o.Text
	case KindBoolean:
		return v.Bool == o.Bool
	case KindDate:
		if v.Instant != nil && o.Instant != nil {
			return v.Instant.Equal(*o.Instant)
		}
		if v.Instant != nil || o.Instant != nil {
			return false
		}
		return v.Text == o.Text
	case KindStringArray:
		return slices.Equal(v.List, o.List)
	case KindJSON:
		return bytes.Equal(v.JSON, o.JSON)
	default:
		return v.Text == o.Text
	}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	c := v
	if v.Number != nil {
		n := *v.Number
		c.Number = &n
	}
	if v.Instant != nil {
		t := *v.Instant
		c.Instant = &t
	}
	if v.Kind == KindStringArray {
		c.List = append(make([]string, 0, len(v.List)), v.List...)
	}
	if v.JSON != nil {
		c.JSON = append(json.RawMessage(nil), v.JSON...)
	}
	return c
}

// Empty reports whether the field holds the empty string form. Only string,
// number and date fields can be empty. A number that is only whitespace is
// blank.
func (v Value) Empty() bool {
	switch v.Kind {
	case KindString:
		return v.Text == ""
	case KindNumber:
		return v.Number == nil && strings.TrimSpace(v.Text) == ""
	case KindDate:
		return v.Instant == nil && v.Text == ""
	}
	return false
}

// Display returns the value in the form an input control binds to.
func (v Value) Display() any {
	switch v.Kind {
	case KindNumber:
		if v.Number != nil && !v.Invalid {
			return *v.Number
		}
		return v.Text
	case KindBoolean:
		return v.Bool
	case KindStringArray:
		return append(make([]string, 0, len(v.List)), v.List...)
	case KindJSON:
		if len(v.JSON) == 0 {
			return json.RawMessage("null")
		}
		return append(json.RawMessage(nil), v.JSON...)
	default:
		return v.Text
	}
}

// State maps every declared field key to its value.
type State map[string]Value

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v.Clone()
	}
	return out
}

// Conforms reports whether s holds exactly the keys and kinds of specs.
func (s State) Conforms(specs []FieldSpec) bool {
	if len(s) != len(specs) {
		return false
	}
	for _, spec := range specs {
		v, ok := s[spec.Key]
		if !ok || v.Kind != spec.Kind {
			return false
		}
	}
	return true
}

// Values returns the display form of every field.
func (s State) Values() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v.Display()
	}
	return out
}

// Patch maps changed field keys to the values sent to the server.
type Patch map[string]any

// Empty reports whether there is nothing to send.
func (p Patch) Empty() bool { return len(p) == 0 }

// Keys returns the patched keys in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

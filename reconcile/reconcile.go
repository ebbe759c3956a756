// Package reconcile tracks edits to a single entity and computes the minimal
// patch to send back to the server.
//
// A baseline State holds the fields as last loaded or saved; a working State
// holds them as edited. Both always carry every key declared by the entity's
// FieldSpecs. All functions here are pure: they never mutate their inputs and
// perform no I/O.
package reconcile

import (
	"encoding/json"
	"slices"
	"time"
)

// Initialize builds the baseline and working states for entity. Fields the
// entity omits or sets to null take the FieldSpec default, else the kind default.
// The two states are deep copies of each other.
func Initialize(entity map[string]any, specs []FieldSpec, loc *time.Location) (State, State) {
	loc = location(loc)
	baseline := make(State, len(specs))
	for _, spec := range specs {
		baseline[spec.Key] = initialValue(spec, entity[spec.Key], loc)
	}
	return baseline, baseline.Clone()
}

func initialValue(spec FieldSpec, raw any, loc *time.Location) Value {
	if raw == nil {
		raw = spec.Default
	}
	if raw == nil {
		return zeroValue(spec.Kind)
	}
	if v, ok := coerce(spec.Kind, raw, loc, false); ok {
		return v
	}
	return zeroValue(spec.Kind)
}

// UpdateField returns working with key set from an input control's raw value.
// Keys not present in working are ignored. Malformed input never fails: a
// non-numeric string in a number field is kept as typed and left for the
// server to reject.
func UpdateField(working State, key string, raw any, loc *time.Location) State {
	cur, ok := working[key]
	if !ok {
		return working
	}
	// Re-submitting the displayed date keeps the stored instant's precision.
	if s, isString := raw.(string); isString && cur.Kind == KindDate && s == cur.Text {
		return working
	}
	v, ok := coerce(cur.Kind, raw, location(loc), true)
	if !ok {
		return working
	}
	next := make(State, len(working))
	for k, existing := range working {
		next[k] = existing
	}
	next[key] = v
	return next
}

// HasChanges reports whether any field of working differs from baseline.
func HasChanges(baseline, working State) bool {
	if len(baseline) != len(working) {
		return true
	}
	for key, b := range baseline {
		w, ok := working[key]
		if !ok || !b.Equal(w) {
			return true
		}
	}
	return false
}

// Changed returns the sorted keys whose working value differs from baseline.
func Changed(baseline, working State) []string {
	var keys []string
	for key, w := range working {
		if b, ok := baseline[key]; !ok || !b.Equal(w) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// BuildPatch returns the changed fields in their wire form. Unchanged and
// undeclared keys never appear. An empty patch means there is nothing to
// send.
func BuildPatch(baseline, working State, specs []FieldSpec) Patch {
	patch := make(Patch)
	for _, spec := range specs {
		w, ok := working[spec.Key]
		if !ok || w.Kind != spec.Kind {
			continue
		}
		if b, ok := baseline[spec.Key]; ok && b.Equal(w) {
			continue
		}
		if v, ok := wireValue(spec, w); ok {
			patch[spec.Key] = v
		}
	}
	return patch
}

// Unsendable returns the sorted dirty keys that BuildPatch leaves out
// because their value has no wire form, such as a cleared date that is not
// nullable. A save cannot clean these fields.
func Unsendable(baseline, working State, specs []FieldSpec) []string {
	var keys []string
	for _, spec := range specs {
		w, ok := working[spec.Key]
		if !ok || w.Kind != spec.Kind {
			continue
		}
		if b, ok := baseline[spec.Key]; ok && b.Equal(w) {
			continue
		}
		if _, ok := wireValue(spec, w); !ok {
			keys = append(keys, spec.Key)
		}
	}
	slices.Sort(keys)
	return keys
}

func wireValue(spec FieldSpec, v Value) (any, bool) {
	if spec.NullableWhenEmpty && v.Empty() {
		return nil, true
	}
	switch v.Kind {
	case KindNumber:
		switch {
		case v.Number != nil:
			return *v.Number, true
		case v.Empty():
			return float64(0), true
		default:
			// Text that is not a number has no numeric form.
			return nil, true
		}
	case KindBoolean:
		return v.Bool, true
	case KindDate:
		switch {
		case v.Instant != nil:
			return v.Instant.UTC().Format(isoLayout), true
		case v.Text == "":
			return nil, false
		default:
			return v.Text, true
		}
	case KindStringArray:
		return append(make([]string, 0, len(v.List)), v.List...), true
	case KindJSON:
		if len(v.JSON) == 0 {
			return json.RawMessage("null"), true
		}
		return append(json.RawMessage(nil), v.JSON...), true
	default:
		return v.Text, true
	}
}

// Commit rebuilds both states from the entity the server returned after a
// save, so server-side defaults and computed fields become the new baseline.
func Commit(entity map[string]any, specs []FieldSpec, loc *time.Location) (State, State) {
	return Initialize(entity, specs, loc)
}

// Rebase carries edits forward onto a fresh baseline. Fields whose working
// value differs from previous keep it; every other field takes the value in
// fresh.
func Rebase(fresh, previous, working State) State {
	out := fresh.Clone()
	for key, w := range working {
		f, ok := out[key]
		if !ok || f.Kind != w.Kind {
			continue
		}
		if p, ok := previous[key]; ok && p.Equal(w) {
			continue
		}
		out[key] = w.Clone()
	}
	return out
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// EditableLayout is the local editable form of a date field.
	EditableLayout = "2006-01-02T15:04"

	// isoLayout is how dates are sent to the server.
	isoLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Layouts without a zone are read in the session location.
var localLayouts = []string{
	EditableLayout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func zeroValue(kind Kind) Value {
	switch kind {
	case KindStringArray:
		return Value{Kind: kind, List: []string{}}
	case KindJSON:
		return Value{Kind: kind, JSON: json.RawMessage("null")}
	default:
		return Value{Kind: kind}
	}
}

// coerce converts raw into a value of the given kind. input marks values
// that come from an input control rather than from the server. ok is false
// when raw cannot be represented at all and the caller should keep what it
// has.
func coerce(kind Kind, raw any, loc *time.Location, input bool) (Value, bool) {
	if raw == nil {
		return zeroValue(kind), true
	}
	switch kind {
	case KindString:
		return Value{Kind: kind, Text: formatScalar(raw)}, true
	case KindNumber:
		return coerceNumber(raw), true
	case KindBoolean:
		return coerceBool(raw)
	case KindDate:
		return coerceDate(raw, loc), true
	case KindStringArray:
		return coerceList(raw)
	case KindJSON:
		return coerceJSON(raw, input)
	}
	return Value{}, false
}

func coerceNumber(raw any) Value {
	v := Value{Kind: KindNumber}
	if s, ok := raw.(string); ok {
		v.Text = s
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return v
		}
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			v.Invalid = true
			return v
		}
		v.Number = &n
		return v
	}
	if n, ok := toFloat(raw); ok {
		v.Number = &n
		v.Text = strconv.FormatFloat(n, 'f', -1, 64)
		return v
	}
	v.Text = formatScalar(raw)
	v.Invalid = true
	return v
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func coerceBool(raw any) (Value, bool) {
	switch b := raw.(type) {
	case bool:
		return Value{Kind: KindBoolean, Bool: b}, true
	case string:
		if strings.TrimSpace(b) == "" {
			return Value{Kind: KindBoolean}, true
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: KindBoolean, Bool: parsed}, true
	}
	return Value{}, false
}

func coerceDate(raw any, loc *time.Location) Value {
	if t, ok := raw.(time.Time); ok {
		return dateValue(t, loc)
	}
	s, ok := raw.(string)
	if !ok {
		return Value{Kind: KindDate, Text: formatScalar(raw)}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{Kind: KindDate}
	}
	if t, ok := parseInstant(s, loc); ok {
		return dateValue(t, loc)
	}
	return Value{Kind: KindDate, Text: s}
}

func dateValue(t time.Time, loc *time.Location) Value {
	return Value{Kind: KindDate, Text: t.In(loc).Format(EditableLayout), Instant: &t}
}

func parseInstant(s string, loc *time.Location) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func coerceList(raw any) (Value, bool) {
	switch items := raw.(type) {
	case []string:
		return Value{Kind: KindStringArray, List: append(make([]string, 0, len(items)), items...)}, true
	case []any:
		list := make([]string, 0, len(items))
		for _, item := range items {
			if item == nil {
				continue
			}
			list = append(list, formatScalar(item))
		}
		return Value{Kind: KindStringArray, List: list}, true
	case string:
		trimmed := strings.TrimSpace(items)
		if strings.HasPrefix(trimmed, "[") {
			var decoded []any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return coerceList(decoded)
			}
		}
		list := []string{}
		for _, line := range strings.Split(items, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				list = append(list, line)
			}
		}
		return Value{Kind: KindStringArray, List: list}, true
	}
	return Value{}, false
}

func coerceJSON(raw any, input bool) (Value, bool) {
	if s, ok := raw.(string); ok && input && json.Valid([]byte(s)) {
		raw = json.RawMessage(s)
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return Value{}, false
	}
	return Value{Kind: KindJSON, JSON: canonical}, true
}

// canonicalJSON encodes v compactly with object keys sorted. Numbers are
// normalised so 1, 1.0 and 1e0 share one encoding, and integers keep every
// digit.
func canonicalJSON(v any) (json.RawMessage, error) {
	var raw []byte
	switch b := v.(type) {
	case json.RawMessage:
		raw = b
	case []byte:
		raw = b
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("reconcile: encode json value: %w", err)
		}
		raw = encoded
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("reconcile: decode json value: %w", err)
	}
	out, err := json.Marshal(normaliseNumbers(decoded))
	if err != nil {
		return nil, fmt.Errorf("reconcile: encode json value: %w", err)
	}
	return out, nil
}

func normaliseNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normaliseNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normaliseNumbers(item)
		}
		return t
	case json.Number:
		return canonicalNumber(t)
	}
	return v
}

// canonicalNumber keeps integers written without a fraction or exponent
// exact and folds everything else through float64.
func canonicalNumber(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			return json.Number("0")
		}
		return n
	}
	f, err := n.Float64()
	if err != nil {
		return n
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return f
}

func formatScalar(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	}
	if n, ok := toFloat(raw); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	if b, err := json.Marshal(raw); err == nil {
		return string(b)
	}
	return fmt.Sprint(raw)
}

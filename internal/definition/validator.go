package definition

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/pitabwire/dealdesk/internal/openapi"
	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and against the OpenAPI index.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(defs []model.DomainDefinition, index *openapi.Index) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		errs = append(errs, v.validateDomain(prefix, def, index, seen)...)
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition, index *openapi.Index, seen map[string]string) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Entities) == 0 {
		errs = append(errs, VError{Path: prefix + ".entities", Code: "REQUIRED", Message: "at least one entity is required"})
	}

	for i, e := range def.Entities {
		ep := fmt.Sprintf("%s.entities[%d]", prefix, i)
		if e.ID != "" {
			if other, dup := seen[e.ID]; dup {
				errs = append(errs, VError{Path: ep + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("entity %q already declared at %s", e.ID, other)})
			}
			seen[e.ID] = ep
		}
		errs = append(errs, v.validateEntity(ep, def.Domain, e, index)...)
	}

	return errs
}

func (v *Validator) validateEntity(prefix, domain string, e model.EntityDefinition, index *openapi.Index) []VError {
	var errs []VError

	if e.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if e.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "title is required"})
	}
	if domain != "" {
		for _, cap := range e.Capabilities {
			if !strings.HasPrefix(cap, domain+":") && cap != "*" {
				errs = append(errs, VError{
					Path:    prefix + ".capabilities",
					Code:    "NAMESPACE_MISMATCH",
					Message: fmt.Sprintf("capability %q does not match domain %q", cap, domain),
				})
			}
		}
	}

	if len(e.Fields) == 0 {
		errs = append(errs, VError{Path: prefix + ".fields", Code: "REQUIRED", Message: "at least one field is required"})
	}
	keys := make(map[string]bool, len(e.Fields))
	for i, f := range e.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if keys[f.Key] {
			errs = append(errs, VError{Path: fp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("field %q declared twice", f.Key)})
		}
		keys[f.Key] = true
		errs = append(errs, validateField(fp, f)...)
	}
	if keys[e.IDAttribute()] {
		errs = append(errs, VError{Path: prefix + ".fields", Code: "READ_ONLY", Message: fmt.Sprintf("id attribute %q cannot be editable", e.IDAttribute())})
	}

	errs = append(errs, v.validateOperation(prefix+".fetch", e.Fetch, true, e.PathParam(), []string{http.MethodGet}, index)...)
	errs = append(errs, v.validateOperation(prefix+".save", e.Save, true, e.PathParam(), []string{http.MethodPut, http.MethodPatch}, index)...)
	if e.Create != nil {
		errs = append(errs, v.validateOperation(prefix+".create", *e.Create, false, "", []string{http.MethodPost}, index)...)
	}

	if index != nil && !e.Save.IsZero() {
		if props := index.RequestProperties(e.Save.ServiceID, e.Save.OperationID); len(props) > 0 {
			for i, f := range e.Fields {
				if _, ok := slices.BinarySearch(props, f.Key); !ok {
					errs = append(errs, VError{
						Path:    fmt.Sprintf("%s.fields[%d].key", prefix, i),
						Code:    "UNKNOWN_PROPERTY",
						Message: fmt.Sprintf("field %q is not accepted by %s", f.Key, e.Save),
					})
				}
			}
		}
	}

	return errs
}

func (v *Validator) validateOperation(prefix string, ref model.OperationRef, needsID bool, idParam string, methods []string, index *openapi.Index) []VError {
	if ref.ServiceID == "" || ref.OperationID == "" {
		return []VError{{Path: prefix, Code: "REQUIRED", Message: "service_id and operation_id are required"}}
	}
	if index == nil {
		return nil
	}

	op, ok := index.GetOperation(ref.ServiceID, ref.OperationID)
	if !ok {
		return []VError{{Path: prefix, Code: "UNKNOWN_OPERATION", Message: fmt.Sprintf("operation %s not found in OpenAPI index", ref)}}
	}

	var errs []VError
	if !slices.Contains(methods, op.Method) {
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "INVALID_METHOD",
			Message: fmt.Sprintf("operation %s uses %s, want one of %s", ref, op.Method, strings.Join(methods, ", ")),
		})
	}
	if needsID && !op.HasPathParam(idParam) {
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "MISSING_PATH_PARAM",
			Message: fmt.Sprintf("operation %s path %s has no {%s} parameter", ref, op.PathTemplate, idParam),
		})
	}
	return errs
}

func validateField(prefix string, f reconcile.FieldSpec) []VError {
	var errs []VError

	if f.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "key is required"})
	}
	if !f.Kind.Valid() {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid kind %q", f.Kind)})
		return errs
	}
	if f.NullableWhenEmpty {
		switch f.Kind {
		case reconcile.KindString, reconcile.KindNumber, reconcile.KindDate:
		default:
			errs = append(errs, VError{
				Path:    prefix + ".nullable_when_empty",
				Code:    "INVALID_COMBINATION",
				Message: fmt.Sprintf("kind %q has no empty form", f.Kind),
			})
		}
	}
	if f.Default != nil && !defaultMatches(f.Kind, f.Default) {
		errs = append(errs, VError{
			Path:    prefix + ".default",
			Code:    "TYPE_MISMATCH",
			Message: fmt.Sprintf("default %v does not fit kind %q", f.Default, f.Kind),
		})
	}
	return errs
}

func defaultMatches(kind reconcile.Kind, v any) bool {
	switch kind {
	case reconcile.KindString, reconcile.KindDate:
		_, ok := v.(string)
		return ok
	case reconcile.KindNumber:
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case reconcile.KindBoolean:
		_, ok := v.(bool)
		return ok
	case reconcile.KindStringArray:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return true
}

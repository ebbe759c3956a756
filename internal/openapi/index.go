// Package openapi loads and indexes OpenAPI specifications, providing
// operation lookup by operationId and request schema inspection.
package openapi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI spec file to load.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	BaseURL      string
}

// HasPathParam reports whether the path template declares {name}.
func (op IndexedOperation) HasPathParam(name string) bool {
	return strings.Contains(op.PathTemplate, "{"+name+"}")
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of OpenAPI operations keyed by (serviceID, operationID).
type Index struct {
	operations map[string]IndexedOperation
	byService  map[string][]string
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string]IndexedOperation),
		byService:  make(map[string][]string),
	}
}

func operationKey(serviceID, operationID string) string {
	return serviceID + ":" + operationID
}

// Load parses OpenAPI specs from the given sources and indexes all operations.
func (idx *Index) Load(ctx context.Context, specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := doc.Validate(ctx); err != nil {
			return fmt.Errorf("openapi: validating %s: %w", src.ServiceID, err)
		}

		baseURL := strings.TrimRight(src.BaseURL, "/")
		if baseURL == "" && len(doc.Servers) > 0 {
			baseURL = strings.TrimRight(doc.Servers[0].URL, "/")
		}

		for path, pathItem := range doc.Paths.Map() {
			for method, op := range pathItem.Operations() {
				if op.OperationID == "" {
					continue
				}

				params := make([]*openapi3.Parameter, 0, len(pathItem.Parameters)+len(op.Parameters))
				for _, ref := range pathItem.Parameters {
					if ref.Value != nil {
						params = append(params, ref.Value)
					}
				}
				for _, ref := range op.Parameters {
					if ref.Value != nil {
						params = append(params, ref.Value)
					}
				}

				var reqBody *openapi3.RequestBody
				if op.RequestBody != nil && op.RequestBody.Value != nil {
					reqBody = op.RequestBody.Value
				}

				key := operationKey(src.ServiceID, op.OperationID)
				if _, dup := idx.operations[key]; !dup {
					idx.byService[src.ServiceID] = append(idx.byService[src.ServiceID], op.OperationID)
				}
				idx.operations[key] = IndexedOperation{
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Method:       method,
					PathTemplate: path,
					Parameters:   params,
					RequestBody:  reqBody,
					BaseURL:      baseURL,
				}
			}
		}
	}

	return nil
}

// GetOperation returns the indexed operation for the given service and operation ID.
func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	return op, ok
}

// AllOperationIDs returns all operation IDs for the given service, sorted.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	ids := make([]string, len(idx.byService[serviceID]))
	copy(ids, idx.byService[serviceID])
	sort.Strings(ids)
	return ids
}

// OperationCount returns the number of indexed operations.
func (idx *Index) OperationCount() int {
	return len(idx.operations)
}

// RequestProperties returns the property names of the operation's JSON
// request body, merged across allOf. It returns nil when the operation has
// no body or the schema declares no properties.
func (idx *Index) RequestProperties(serviceID, operationID string) []string {
	schema := idx.requestSchema(serviceID, operationID)
	if schema == nil {
		return nil
	}
	props, _ := flatten(schema)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRequest checks a request body against the operation's required
// properties. Returns an empty slice if valid.
func (idx *Index) ValidateRequest(serviceID, operationID string, body map[string]any) []ValidationError {
	if _, ok := idx.operations[operationKey(serviceID, operationID)]; !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s/%s not found", serviceID, operationID)}}
	}
	schema := idx.requestSchema(serviceID, operationID)
	if schema == nil {
		return nil
	}

	_, required := flatten(schema)
	var errs []ValidationError
	for _, req := range required {
		if v, exists := body[req]; !exists || v == nil {
			errs = append(errs, ValidationError{
				Field:   req,
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}
	return errs
}

func (idx *Index) requestSchema(serviceID, operationID string) *openapi3.Schema {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	if !ok || op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil {
		return nil
	}
	return ct.Schema.Value
}

// flatten merges properties and required names of a schema and its allOf
// members.
func flatten(schema *openapi3.Schema) (map[string]*openapi3.SchemaRef, []string) {
	props := make(map[string]*openapi3.SchemaRef)
	var required []string
	seen := make(map[string]bool)

	var walk func(s *openapi3.Schema)
	walk = func(s *openapi3.Schema) {
		if s == nil {
			return
		}
		for name, ref := range s.Properties {
			props[name] = ref
		}
		for _, r := range s.Required {
			if !seen[r] {
				seen[r] = true
				required = append(required, r)
			}
		}
		for _, ref := range s.AllOf {
			if ref != nil {
				walk(ref.Value)
			}
		}
	}
	walk(schema)
	sort.Strings(required)
	return props, required
}

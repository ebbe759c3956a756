package model

import "context"

// OperationRef names a backend operation indexed from an OpenAPI document.
type OperationRef struct {
	ServiceID   string `yaml:"service_id"   json:"service_id"`
	OperationID string `yaml:"operation_id" json:"operation_id"`
}

// IsZero reports whether no operation is referenced.
func (r OperationRef) IsZero() bool {
	return r.ServiceID == "" && r.OperationID == ""
}

func (r OperationRef) String() string {
	return r.ServiceID + ":" + r.OperationID
}

// OperationInvoker calls backend operations.
type OperationInvoker interface {
	Invoke(ctx context.Context, rctx *RequestContext, op OperationRef, input InvocationInput) (InvocationResult, error)
}

// InvocationInput is the constructed backend request.
type InvocationInput struct {
	PathParams  map[string]string `json:"path_params,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
}

// InvocationResult is the backend response. Body is the decoded JSON, or nil
// when the response had none.
type InvocationResult struct {
	StatusCode int               `json:"status_code"`
	Body       any               `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// OK reports a 2xx status.
func (r InvocationResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

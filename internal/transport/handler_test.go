package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/dealdesk/internal/definition"
	"github.com/pitabwire/dealdesk/internal/session"
	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

// --- Test helpers ---

// contextMiddleware injects a RequestContext and CapabilitySet into the request.
func contextMiddleware(rctx *model.RequestContext, caps model.CapabilitySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if rctx != nil {
				ctx = model.WithRequestContext(ctx, rctx)
			}
			ctx = context.WithValue(ctx, capabilitiesKey{}, caps)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func testRequestContext() *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
		Email:     "user@example.com",
	}
}

func testCaps() model.CapabilitySet {
	return model.CapabilitySet{"shop:product:edit": true}
}

func testDomain() model.DomainDefinition {
	return model.DomainDefinition{
		Domain:  "shop",
		Version: "1.0.0",
		Entities: []model.EntityDefinition{
			{
				ID:           "product",
				Title:        "Product",
				Capabilities: []string{"shop:product:edit"},
				Fetch:        model.OperationRef{ServiceID: "shop", OperationID: "getProduct"},
				Save:         model.OperationRef{ServiceID: "shop", OperationID: "updateProduct"},
				Fields: []reconcile.FieldSpec{
					{Key: "name", Kind: reconcile.KindString},
					{Key: "price", Kind: reconcile.KindNumber},
					{Key: "tags", Kind: reconcile.KindStringArray},
				},
			},
			{
				ID:           "coupon",
				Title:        "Coupon",
				Capabilities: []string{"shop:coupon:edit"},
				Fetch:        model.OperationRef{ServiceID: "shop", OperationID: "getCoupon"},
				Save:         model.OperationRef{ServiceID: "shop", OperationID: "updateCoupon"},
				Fields: []reconcile.FieldSpec{
					{Key: "code", Kind: reconcile.KindString},
				},
			},
		},
	}
}

// stubInvoker serves one product record and merges saved bodies into it.
type stubInvoker struct {
	mu     sync.Mutex
	record map[string]any
	calls  []model.OperationRef
	bodies []any
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{record: map[string]any{
		"id":    "p-1",
		"name":  "Kettle",
		"price": 40.0,
		"tags":  []any{"kitchen"},
	}}
}

func (s *stubInvoker) Invoke(_ context.Context, _ *model.RequestContext, op model.OperationRef, input model.InvocationInput) (model.InvocationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if input.PathParams["id"] != "p-1" {
		return model.InvocationResult{StatusCode: http.StatusNotFound, Body: map[string]any{"message": "no such product"}}, nil
	}
	if input.Body != nil {
		s.bodies = append(s.bodies, input.Body)
		raw, _ := json.Marshal(input.Body)
		var patch map[string]any
		_ = json.Unmarshal(raw, &patch)
		for k, v := range patch {
			s.record[k] = v
		}
	}
	out := make(map[string]any, len(s.record))
	for k, v := range s.record {
		out[k] = v
	}
	return model.InvocationResult{StatusCode: http.StatusOK, Body: out}, nil
}

type handlerFixture struct {
	registry *definition.Registry
	engine   *session.Engine
	invoker  *stubInvoker
	router   chi.Router
}

// newHandlerFixture wires the session routes behind a context-injecting
// middleware instead of the authentication chain.
func newHandlerFixture(rctx *model.RequestContext, caps model.CapabilitySet) *handlerFixture {
	f := &handlerFixture{
		registry: definition.NewRegistry([]model.DomainDefinition{testDomain()}),
		invoker:  newStubInvoker(),
	}
	f.engine = session.NewEngine(f.registry, session.NewMemoryStore(), f.invoker, &mockResolver{caps: caps})

	r := chi.NewRouter()
	r.Use(contextMiddleware(rctx, caps))
	r.Get("/ui/entities", handleListEntities(f.registry))
	r.Get("/ui/entities/{entityType}", handleGetEntity(f.registry))
	r.Post("/ui/sessions", handleOpenSession(f.engine))
	r.Get("/ui/sessions", handleListSessions(f.engine))
	r.Get("/ui/sessions/{sessionId}", handleGetSession(f.engine))
	r.Delete("/ui/sessions/{sessionId}", handleDiscardSession(f.engine))
	r.Patch("/ui/sessions/{sessionId}/fields", handleUpdateFields(f.engine))
	r.Get("/ui/sessions/{sessionId}/changes", handleSessionChanges(f.engine))
	r.Post("/ui/sessions/{sessionId}/save", handleSaveSession(f.engine))
	r.Post("/ui/sessions/{sessionId}/reload", handleReloadSession(f.engine))
	r.Post("/ui/sessions/{sessionId}/reset", handleResetSession(f.engine))
	f.router = r
	return f
}

func (f *handlerFixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *handlerFixture) open(t *testing.T) model.SessionView {
	t.Helper()
	w := f.do("POST", "/ui/sessions", `{"entity_type":"product","entity_id":"p-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("open status = %d, body = %s", w.Code, w.Body.String())
	}
	var view model.SessionView
	decodeResponse(t, w, &view)
	return view
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	decodeResponse(t, w, &body)
	return body.Error.Code
}

// --- Entity handlers ---

func TestHandleListEntities_filtersByCapabilities(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())
	w := f.do("GET", "/ui/entities", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data     []model.EntityDescriptor `json:"data"`
		Checksum string                   `json:"checksum"`
	}
	decodeResponse(t, w, &body)
	if len(body.Data) != 1 || body.Data[0].ID != "product" {
		t.Errorf("entities = %+v, want only product", body.Data)
	}
	if body.Checksum != f.registry.Checksum() {
		t.Errorf("checksum = %q, want %q", body.Checksum, f.registry.Checksum())
	}
}

func TestHandleListEntities_wildcard(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), model.CapabilitySet{"shop:*": true})
	var body struct {
		Data []model.EntityDescriptor `json:"data"`
	}
	decodeResponse(t, f.do("GET", "/ui/entities", ""), &body)
	if len(body.Data) != 2 || body.Data[0].ID != "coupon" || body.Data[1].ID != "product" {
		t.Errorf("entities = %+v, want [coupon product]", body.Data)
	}
}

func TestHandleGetEntity(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())

	w := f.do("GET", "/ui/entities/product", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var desc model.EntityDescriptor
	decodeResponse(t, w, &desc)
	if len(desc.Fields) != 3 || desc.Domain != "shop" {
		t.Errorf("descriptor = %+v", desc)
	}

	for _, path := range []string{"/ui/entities/coupon", "/ui/entities/missing"} {
		w := f.do("GET", path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

// --- Session handlers ---

func TestHandleOpenSession(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())

	view := f.open(t)
	if view.ID == "" || view.EntityID != "p-1" || view.Status != reconcile.StatusClean {
		t.Errorf("view = %+v", view)
	}
	if view.Values["name"] != "Kettle" {
		t.Errorf("name = %v, want Kettle", view.Values["name"])
	}
}

func TestHandleOpenSession_badRequests(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "empty body", body: "", wantCode: 400, wantErr: model.ErrBadRequest},
		{name: "invalid JSON", body: "{", wantCode: 400, wantErr: model.ErrBadRequest},
		{name: "missing entity type", body: `{"entity_id":"p-1"}`, wantCode: 422, wantErr: model.ErrValidationError},
		{name: "unknown entity type", body: `{"entity_type":"order","entity_id":"o-1"}`, wantCode: 404, wantErr: model.ErrNotFound},
		{name: "not creatable", body: `{"entity_type":"product"}`, wantCode: 400, wantErr: model.ErrBadRequest},
		{name: "forbidden", body: `{"entity_type":"coupon","entity_id":"c-1"}`, wantCode: 403, wantErr: model.ErrForbidden},
		{name: "backend 404", body: `{"entity_type":"product","entity_id":"p-2"}`, wantCode: 404, wantErr: model.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture(testRequestContext(), testCaps())
			w := f.do("POST", "/ui/sessions", tc.body)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d; body = %s", w.Code, tc.wantCode, w.Body.String())
			}
			if got := errorCode(t, w); got != tc.wantErr {
				t.Errorf("code = %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestHandlers_missingRequestContext(t *testing.T) {
	f := newHandlerFixture(nil, testCaps())

	w := f.do("POST", "/ui/sessions", `{"entity_type":"product","entity_id":"p-1"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	w = f.do("GET", "/ui/sessions/abc", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleUpdateFields(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())
	view := f.open(t)
	path := "/ui/sessions/" + view.ID + "/fields"

	w := f.do("PATCH", path, `{"fields":{"price":"42.5","tags":["kitchen","sale"]}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	decodeResponse(t, w, &view)
	if view.Status != reconcile.StatusDirty || strings.Join(view.DirtyFields, ",") != "price,tags" {
		t.Errorf("status = %s, dirty = %v", view.Status, view.DirtyFields)
	}

	w = f.do("PATCH", path, `{"fields":{"sku":"K-1"}}`)
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != model.ErrUnknownField {
		t.Errorf("unknown field: status = %d", w.Code)
	}

	w = f.do("PATCH", path, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status = %d, want 400", w.Code)
	}
}

func TestHandleSessionChanges(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())
	view := f.open(t)
	f.do("PATCH", "/ui/sessions/"+view.ID+"/fields", `{"fields":{"name":"Electric kettle"}}`)

	w := f.do("GET", "/ui/sessions/"+view.ID+"/changes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data []model.FieldChange `json:"data"`
	}
	decodeResponse(t, w, &body)
	if len(body.Data) != 1 {
		t.Fatalf("changes = %+v, want one", body.Data)
	}
	c := body.Data[0]
	if c.Field != "name" || c.Before != "Kettle" || c.After != "Electric kettle" || len(c.Diff) == 0 {
		t.Errorf("change = %+v", c)
	}
}

func TestHandleSaveSession(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())
	view := f.open(t)
	f.do("PATCH", "/ui/sessions/"+view.ID+"/fields", `{"fields":{"price":"45"}}`)

	w := f.do("POST", "/ui/sessions/"+view.ID+"/save", "", "X-Idempotency-Key", "k-1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var result model.SaveResult
	decodeResponse(t, w, &result)
	if !result.Saved || len(result.Patch) != 1 || result.Patch["price"] != 45.0 {
		t.Errorf("result = %+v", result)
	}
	if result.Session.HasChanges {
		t.Error("session should be clean after save")
	}
	if len(f.invoker.bodies) != 1 {
		t.Errorf("backend writes = %d, want 1", len(f.invoker.bodies))
	}

	w = f.do("POST", "/ui/sessions/"+view.ID+"/save", "", "X-Idempotency-Key", strings.Repeat("x", 256))
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized key: status = %d, want 400", w.Code)
	}
}

func TestHandleReloadAndReset(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())
	view := f.open(t)
	f.do("PATCH", "/ui/sessions/"+view.ID+"/fields", `{"fields":{"name":"Teapot"}}`)

	w := f.do("POST", "/ui/sessions/"+view.ID+"/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body = %s", w.Code, w.Body.String())
	}
	decodeResponse(t, w, &view)
	if view.Values["name"] != "Teapot" {
		t.Errorf("reload dropped the edit: %v", view.Values["name"])
	}

	w = f.do("POST", "/ui/sessions/"+view.ID+"/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}
	decodeResponse(t, w, &view)
	if view.HasChanges || view.Values["name"] != "Kettle" {
		t.Errorf("reset view = %+v", view)
	}
}

func TestHandleListAndDiscard(t *testing.T) {
	f := newHandlerFixture(testRequestContext(), testCaps())
	view := f.open(t)
	f.open(t)

	w := f.do("GET", "/ui/sessions?page=1&page_size=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Data     []model.SessionSummary `json:"data"`
		Page     int                    `json:"page"`
		PageSize int                    `json:"page_size"`
	}
	decodeResponse(t, w, &list)
	if len(list.Data) != 1 || list.Page != 1 || list.PageSize != 1 {
		t.Errorf("list = %+v", list)
	}

	w = f.do("DELETE", "/ui/sessions/"+view.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("discard status = %d", w.Code)
	}
	w = f.do("GET", "/ui/sessions/"+view.ID, "")
	if w.Code != http.StatusNotFound || errorCode(t, w) != model.ErrSessionNotFound {
		t.Errorf("get after discard: status = %d", w.Code)
	}
}

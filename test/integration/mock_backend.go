package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is a stateful stand-in for the marketplace API. Records live
// in memory per collection; reads return them and updates merge the request
// body into them. Scripted responses queued with OnOperation take priority,
// each answering one request, and every request is recorded for assertions.
type MockBackend struct {
	t         *testing.T
	serviceID string
	server    *httptest.Server

	mu           sync.RWMutex
	records      map[string]map[string]map[string]any
	scripted     map[string][]*mockResponse
	receivedByOp map[string][]*RecordedRequest
	nextID       int
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for scripting responses of one operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

type opKind int

const (
	opGet opKind = iota
	opUpdate
	opCreate
)

// operationRoute describes how the mock serves one operation.
type operationRoute struct {
	method     string
	path       string
	collection string
	kind       opKind
	// enveloped responses wrap the record as {"data": {...}}.
	enveloped bool
}

// marketplaceRoutes mirrors the operations of specs/marketplace.yaml.
func marketplaceRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		"getDeal":              {method: "GET", path: "/api/deals/{id}", collection: "deals", kind: opGet, enveloped: true},
		"updateDeal":           {method: "PUT", path: "/api/deals/{id}", collection: "deals", kind: opUpdate, enveloped: true},
		"createDealDraft":      {method: "POST", path: "/api/deal-drafts", collection: "deal-drafts", kind: opCreate, enveloped: true},
		"getDealDraft":         {method: "GET", path: "/api/deal-drafts/{id}", collection: "deal-drafts", kind: opGet, enveloped: true},
		"updateDealDraft":      {method: "PUT", path: "/api/deal-drafts/{id}", collection: "deal-drafts", kind: opUpdate, enveloped: true},
		"getUser":              {method: "GET", path: "/api/users/{id}", collection: "users", kind: opGet},
		"updateUser":           {method: "PUT", path: "/api/users/{id}", collection: "users", kind: opUpdate},
		"getVendor":            {method: "GET", path: "/api/vendors/{id}", collection: "vendors", kind: opGet},
		"updateVendor":         {method: "PUT", path: "/api/vendors/{id}", collection: "vendors", kind: opUpdate},
		"getLoyaltyProgram":    {method: "GET", path: "/api/loyalty-programs/{id}", collection: "loyalty-programs", kind: opGet},
		"updateLoyaltyProgram": {method: "PUT", path: "/api/loyalty-programs/{id}", collection: "loyalty-programs", kind: opUpdate},
	}
}

// newMockBackend creates a mock backend and starts its HTTP test server.
func newMockBackend(t *testing.T, serviceID string, routes map[string]operationRoute) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:            t,
		serviceID:    serviceID,
		records:      make(map[string]map[string]map[string]any),
		scripted:     make(map[string][]*mockResponse),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for opID, route := range routes {
		mux.HandleFunc(route.method+" "+route.path, mb.handleOperation(opID, route))
	}

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// Seed stores a record, replacing any record with the same ID.
func (mb *MockBackend) Seed(collection, id string, record map[string]any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.records[collection] == nil {
		mb.records[collection] = make(map[string]map[string]any)
	}
	stored := jsonCopy(record)
	stored["id"] = id
	mb.records[collection][id] = stored
}

// Record returns a copy of a stored record, or nil.
func (mb *MockBackend) Record(collection, id string) map[string]any {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	rec, ok := mb.records[collection][id]
	if !ok {
		return nil
	}
	return jsonCopy(rec)
}

// Set changes one attribute of a stored record, as another client would.
func (mb *MockBackend) Set(collection, id, key string, value any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.records[collection][id][key] = value
}

// OnOperation returns a builder for scripting responses of the named operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith answers the next request with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError answers the next request with an error body.
func (om *OperationMock) RespondWithError(status int, code, message string) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		status: status,
		body:   map[string]any{"code": code, "message": message},
	})
	return om
}

// RespondWithDelay answers the next request normally after a delay.
func (om *OperationMock) RespondWithDelay(delay time.Duration) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{delay: delay})
	return om
}

// RespondWithConnectionError closes the connection of the next request.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.scripted[opID] = append(mb.scripted[opID], resp)
}

func (mb *MockBackend) nextScripted(opID string) *mockResponse {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	queue := mb.scripted[opID]
	if len(queue) == 0 {
		return nil
	}
	mb.scripted[opID] = queue[1:]
	return queue[0]
}

func (mb *MockBackend) handleOperation(opID string, route operationRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		if resp := mb.nextScripted(opID); resp != nil {
			if resp.connError {
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, _ := hj.Hijack(); conn != nil {
						conn.Close()
					}
				}
				return
			}
			if resp.delay > 0 {
				time.Sleep(resp.delay)
			}
			if resp.status != 0 {
				writeMockJSON(w, resp.status, resp.body)
				return
			}
		}

		mb.serve(w, r, route, rec.Body)
	}
}

// serve answers from the stored records.
func (mb *MockBackend) serve(w http.ResponseWriter, r *http.Request, route operationRoute, body map[string]any) {
	mb.mu.Lock()
	if mb.records[route.collection] == nil {
		mb.records[route.collection] = make(map[string]map[string]any)
	}
	collection := mb.records[route.collection]

	var (
		record map[string]any
		status = http.StatusOK
	)
	switch route.kind {
	case opCreate:
		mb.nextID++
		id := fmt.Sprintf("%s-%d", route.collection, mb.nextID)
		record = map[string]any{"id": id}
		for k, v := range body {
			record[k] = v
		}
		collection[id] = record
		status = http.StatusCreated
	case opGet, opUpdate:
		record = collection[r.PathValue("id")]
		if record != nil && route.kind == opUpdate {
			for k, v := range body {
				record[k] = v
			}
		}
	}
	var out any
	if record != nil {
		out = jsonCopy(record)
	}
	mb.mu.Unlock()

	if out == nil {
		writeMockJSON(w, http.StatusNotFound, map[string]any{"code": "NOT_FOUND", "message": "record not found"})
		return
	}
	if route.enveloped {
		out = map[string]any{"data": out}
	}
	writeMockJSON(w, status, out)
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedByOp[operationID])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock %s: operation %q called %d times, want %d", mb.serviceID, operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the given operation,
// or nil.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func jsonCopy(v any) map[string]any {
	raw, _ := json.Marshal(v)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

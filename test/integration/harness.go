// Package integration provides a reusable test harness for end-to-end
// testing of the dealdesk server. It starts a full HTTP server wired to a
// stateful mock marketplace backend, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/dealdesk/internal/capability"
	"github.com/pitabwire/dealdesk/internal/config"
	"github.com/pitabwire/dealdesk/internal/definition"
	"github.com/pitabwire/dealdesk/internal/invoker"
	"github.com/pitabwire/dealdesk/internal/observability"
	"github.com/pitabwire/dealdesk/internal/openapi"
	"github.com/pitabwire/dealdesk/internal/session"
	"github.com/pitabwire/dealdesk/internal/transport"
	"github.com/pitabwire/dealdesk/model"
)

// TestHarness encapsulates a fully wired dealdesk instance with a mock
// backend for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend

	// Internal components exposed for advanced test scenarios.
	Registry     *definition.Registry
	OAIndex      *openapi.Index
	Invoker      *invoker.OpenAPIInvoker
	SessionStore session.Store
	Idempotency  session.IdempotencyStore
	Sessions     *session.Engine
	CapResolver  model.CapabilityResolver
	Metrics      *observability.Metrics
	Gatherer     *prometheus.Registry
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout   time.Duration
	serviceTimeout   time.Duration
	sqliteSessions   bool
	redisIdempotency bool
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithServiceTimeout sets the marketplace client timeout.
func WithServiceTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.serviceTimeout = d
	}
}

// WithSQLiteSessions persists sessions in an in-memory SQLite database
// instead of the memory store.
func WithSQLiteSessions() HarnessOption {
	return func(c *harnessConfig) {
		c.sqliteSessions = true
	}
}

// WithRedisIdempotency keeps idempotency records in an embedded Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redisIdempotency = true
	}
}

// NewTestHarness creates and starts a full dealdesk test instance. The server
// is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		serviceTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	root := repoRoot()
	ctx := context.Background()
	h := &TestHarness{t: t}

	// Step 1: Start the mock marketplace.
	h.backend = newMockBackend(t, "marketplace", marketplaceRoutes())
	h.backend.Seed("deals", "deal-1", DealFixture())
	h.backend.Seed("users", "user-7", UserFixture())

	// Step 2: Load the OpenAPI index with the mock's URL.
	h.OAIndex = openapi.NewIndex()
	err := h.OAIndex.Load(ctx, []openapi.SpecSource{{
		ServiceID: "marketplace",
		BaseURL:   h.backend.URL(),
		SpecPath:  filepath.Join(root, "specs", "marketplace.yaml"),
	}})
	if err != nil {
		t.Fatalf("load OpenAPI specs: %v", err)
	}

	// Step 3: Load and validate definitions.
	defs, err := definition.NewLoader().LoadAll([]string{filepath.Join(root, "definitions")})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs, h.OAIndex); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 4: Build the capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(filepath.Join(root, "policies.yaml"))
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0)

	// Step 5: Metrics on a private registry.
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)

	// Step 6: Build the invoker.
	h.Invoker = invoker.NewOpenAPIInvoker(h.OAIndex, map[string]config.ServiceConfig{
		"marketplace": {
			BaseURL: h.backend.URL(),
			Timeout: hc.serviceTimeout,
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          time.Minute,
			},
			Retry: config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true},
		},
	}, invoker.WithMetrics(h.Metrics))

	// Step 7: Session and idempotency stores.
	h.SessionStore = newSessionStore(t, hc)
	h.Idempotency = newIdempotencyStore(t, hc)

	// Step 8: Session engine.
	h.Sessions = session.NewEngine(h.Registry, h.SessionStore, h.Invoker, h.CapResolver,
		session.WithMetrics(h.Metrics),
		session.WithIdempotency(h.Idempotency, time.Hour),
		session.WithOpenAPIIndex(h.OAIndex),
	)

	// Step 9: JWT issuer and config.
	h.issuer = newTokenIssuer(t)
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 10: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, nil)
	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Registry:           h.Registry,
		Sessions:           h.Sessions,
		Metrics:            h.Metrics,
		Gatherer:           h.Gatherer,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.EntityCount() > 0 },
			OpenAPILoaded:     func() bool { return h.OAIndex.OperationCount() > 0 },
			SessionStore:      h.SessionStore,
			IdempotencyStore:  h.Idempotency,
		},
	})

	// Step 11: Start the test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func newSessionStore(t *testing.T, hc *harnessConfig) session.Store {
	t.Helper()
	if !hc.sqliteSessions {
		return session.NewMemoryStore()
	}
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	store, err := session.OpenSQLiteStore(context.Background(), dsn, session.SQLiteOptions{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newIdempotencyStore(t *testing.T, hc *harnessConfig) session.IdempotencyStore {
	t.Helper()
	if !hc.redisIdempotency {
		return session.NewMemoryIdempotencyStore()
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return session.NewRedisIdempotencyStore(client)
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock marketplace.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do("POST", path, body, token, nil)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do("PATCH", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.Do("DELETE", path, nil, token, nil)
}

// Do performs a request with optional JSON body and extra headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Session helpers ---

// OpenSession opens an edit session and returns its view.
func (h *TestHarness) OpenSession(t *testing.T, token, entityType, entityID string) model.SessionView {
	t.Helper()
	var view model.SessionView
	resp := h.POST("/ui/sessions", map[string]string{"entity_type": entityType, "entity_id": entityID}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &view)
	return view
}

// UpdateFields applies field edits and returns the session view.
func (h *TestHarness) UpdateFields(t *testing.T, token, sessionID string, fields map[string]any) model.SessionView {
	t.Helper()
	var view model.SessionView
	resp := h.PATCH("/ui/sessions/"+sessionID+"/fields", map[string]any{"fields": fields}, token)
	h.AssertJSON(t, resp, http.StatusOK, &view)
	return view
}

// Save saves the session, optionally with an idempotency key.
func (h *TestHarness) Save(sessionID, token, idempotencyKey string) *http.Response {
	h.t.Helper()
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"X-Idempotency-Key": idempotencyKey}
	}
	return h.Do("POST", "/ui/sessions/"+sessionID+"/save", nil, token, headers)
}

// --- Default test claims ---

// VendorClaims returns TestClaims for a vendor who edits and creates deals.
func VendorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-vendor",
		TenantID:  "acme-market",
		Email:     "vendor@acme.example.com",
		Roles:     []string{"vendor"},
	}
}

// OtherVendorClaims returns a second vendor in the same tenant.
func OtherVendorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-vendor-2",
		TenantID:  "acme-market",
		Email:     "vendor2@acme.example.com",
		Roles:     []string{"vendor"},
	}
}

// SupportClaims returns TestClaims for a support agent who edits users.
func SupportClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-support",
		TenantID:  "acme-market",
		Email:     "support@acme.example.com",
		Roles:     []string{"support"},
	}
}

// --- Helpers ---

// repoRoot returns the absolute path of the module root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// DealFixture returns the seeded deal-1 record.
func DealFixture() map[string]any {
	return map[string]any{
		"title":          "Two pizzas for the price of one",
		"description":    "Valid Monday to Thursday",
		"deal_price":     12.0,
		"original_price": 24.0,
		"deposit_amount": nil,
		"max_claims":     nil,
		"is_featured":    false,
		"starts_at":      "2026-03-01T10:00:00.000Z",
		"ends_at":        nil,
		"highlights":     []any{"Dine in", "Takeaway"},
		"fine_print":     []any{},
		"metadata":       map[string]any{"source": "import"},
		"vendor_id":      "vendor-3",
	}
}

// UserFixture returns the seeded user-7 record.
func UserFixture() map[string]any {
	return map[string]any{
		"name":             "Wanjiru Kamau",
		"email":            "wanjiru@example.com",
		"phone":            nil,
		"role":             "customer",
		"is_active":        true,
		"marketing_opt_in": false,
	}
}

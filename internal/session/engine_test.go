package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/dealdesk/internal/definition"
	"github.com/pitabwire/dealdesk/internal/observability"
	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

// --- Test helpers ---

func testRctx() *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-alice",
		TenantID:  "tenant-1",
		Timezone:  "UTC",
	}
}

type mockCapResolver struct {
	caps model.CapabilitySet
}

func (m *mockCapResolver) Resolve(*model.RequestContext) (model.CapabilitySet, error) {
	return m.caps, nil
}
func (m *mockCapResolver) Invalidate(_, _ string) {}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backendCall struct {
	OperationID string
	Input       model.InvocationInput
}

// fakeBackend is a marketplace API holding deals in memory.
type fakeBackend struct {
	mu     sync.Mutex
	deals  map[string]map[string]any
	calls  []backendCall
	nextID int

	// duringSave runs while a save request is being handled.
	duringSave func()
	// saveResult, when set, replaces the normal save response.
	saveResult func() (model.InvocationResult, error)
	// bodilessSave answers saves with 204.
	bodilessSave bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{deals: map[string]map[string]any{
		"deal-1": {
			"id":          "deal-1",
			"title":       "Two pizzas for the price of one",
			"description": "Valid Monday to Thursday",
			"deal_price":  12.0,
			"is_featured": false,
			"starts_at":   "2026-03-01T10:00:00.000Z",
			"highlights":  []any{"Dine in", "Takeaway"},
			"metadata":    map[string]any{"source": "import"},
			"server_rev":  1.0,
		},
	}}
}

func (b *fakeBackend) Invoke(_ context.Context, _ *model.RequestContext, op model.OperationRef, input model.InvocationInput) (model.InvocationResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, backendCall{OperationID: op.OperationID, Input: input})
	b.mu.Unlock()

	switch op.OperationID {
	case "getDeal", "getDealDraft":
		return b.get(input.PathParams["id"]), nil
	case "updateDeal", "updateDealDraft":
		if b.duringSave != nil {
			b.duringSave()
		}
		if b.saveResult != nil {
			return b.saveResult()
		}
		id := input.PathParams["id"]
		if !b.apply(id, input.Body) {
			return notFound(), nil
		}
		if b.bodilessSave {
			return model.InvocationResult{StatusCode: 204}, nil
		}
		return b.get(id), nil
	case "createDealDraft":
		b.mu.Lock()
		b.nextID++
		id := fmt.Sprintf("draft-%d", b.nextID)
		b.deals[id] = map[string]any{"id": id, "category": "food", "server_rev": 0.0}
		b.mu.Unlock()
		b.apply(id, input.Body)
		res := b.get(id)
		res.StatusCode = 201
		return res, nil
	}
	return model.InvocationResult{}, fmt.Errorf("unexpected operation %s", op)
}

func notFound() model.InvocationResult {
	return model.InvocationResult{StatusCode: 404, Body: map[string]any{"message": "deal not found"}}
}

func (b *fakeBackend) get(id string) model.InvocationResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	deal, ok := b.deals[id]
	if !ok {
		return notFound()
	}
	return model.InvocationResult{StatusCode: 200, Body: map[string]any{"data": jsonCopy(deal)}}
}

// apply merges a patch the way the API would after decoding JSON.
func (b *fakeBackend) apply(id string, body any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	deal, ok := b.deals[id]
	if !ok {
		return false
	}
	patch := jsonCopy(body)
	for k, v := range patch {
		deal[k] = v
	}
	deal["server_rev"] = deal["server_rev"].(float64) + 1
	return true
}

func (b *fakeBackend) set(id, key string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deals[id][key] = v
}

func (b *fakeBackend) count(operationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.OperationID == operationID {
			n++
		}
	}
	return n
}

func (b *fakeBackend) lastBody(operationID string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].OperationID == operationID {
			return jsonCopy(b.calls[i].Input.Body)
		}
	}
	return nil
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

func testDefinitions() []model.DomainDefinition {
	dealFields := []reconcile.FieldSpec{
		{Key: "title", Kind: reconcile.KindString, Label: "Title"},
		{Key: "description", Kind: reconcile.KindString, NullableWhenEmpty: true},
		{Key: "deal_price", Kind: reconcile.KindNumber},
		{Key: "is_featured", Kind: reconcile.KindBoolean},
		{Key: "starts_at", Kind: reconcile.KindDate},
		{Key: "highlights", Kind: reconcile.KindStringArray},
		{Key: "metadata", Kind: reconcile.KindJSON, Default: map[string]any{}},
	}
	return []model.DomainDefinition{{
		Domain:  "marketplace",
		Version: "1.0.0",
		Entities: []model.EntityDefinition{
			{
				ID:           "deal",
				Title:        "Deal",
				Capabilities: []string{"marketplace:deal:edit"},
				Fetch:        model.OperationRef{ServiceID: "marketplace", OperationID: "getDeal"},
				Save:         model.OperationRef{ServiceID: "marketplace", OperationID: "updateDeal"},
				ResponsePath: "data",
				Fields:       dealFields,
			},
			{
				ID:           "deal_draft",
				Title:        "New deal",
				Capabilities: []string{"marketplace:deal:create"},
				Fetch:        model.OperationRef{ServiceID: "marketplace", OperationID: "getDealDraft"},
				Save:         model.OperationRef{ServiceID: "marketplace", OperationID: "updateDealDraft"},
				Create:       &model.OperationRef{ServiceID: "marketplace", OperationID: "createDealDraft"},
				ResponsePath: "data",
				Fields: []reconcile.FieldSpec{
					{Key: "title", Kind: reconcile.KindString},
					{Key: "category", Kind: reconcile.KindString, Default: "food"},
					{Key: "deal_price", Kind: reconcile.KindNumber, NullableWhenEmpty: true},
				},
			},
		},
	}}
}

type testEnv struct {
	engine  *Engine
	store   *MemoryStore
	backend *fakeBackend
	clock   *fakeClock
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   NewMemoryStore(),
		backend: newFakeBackend(),
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}
	ids := 0
	base := []Option{
		WithClock(env.clock.Now),
		WithMetrics(env.metrics),
		WithIDGenerator(func() string { ids++; return fmt.Sprintf("sess-%d", ids) }),
		WithIdempotency(NewMemoryIdempotencyStore(), time.Hour),
	}
	env.engine = NewEngine(
		definition.NewRegistry(testDefinitions()),
		env.store,
		env.backend,
		&mockCapResolver{caps: model.CapabilitySet{"marketplace:*": true}},
		append(base, opts...)...,
	)
	return env
}

func (env *testEnv) open(t *testing.T) model.SessionView {
	t.Helper()
	view, err := env.engine.Open(context.Background(), testRctx(), "deal", "deal-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return view
}

func (env *testEnv) update(t *testing.T, id string, fields map[string]any) model.SessionView {
	t.Helper()
	view, err := env.engine.UpdateFields(context.Background(), testRctx(), id, fields)
	if err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	return view
}

// --- Open ---

func TestEngine_Open(t *testing.T) {
	env := newTestEnv(t)
	view := env.open(t)

	if view.ID != "sess-1" || view.EntityID != "deal-1" || view.Version != 1 {
		t.Errorf("view = %+v", view)
	}
	if view.Status != reconcile.StatusClean || view.HasChanges || len(view.DirtyFields) != 0 {
		t.Errorf("fresh session should be clean: %+v", view)
	}
	if view.Values["title"] != "Two pizzas for the price of one" {
		t.Errorf("title = %v", view.Values["title"])
	}
	if view.Values["starts_at"] != "2026-03-01T10:00" {
		t.Errorf("starts_at = %v", view.Values["starts_at"])
	}
	if _, ok := view.Values["server_rev"]; ok {
		t.Error("undeclared attributes must not be tracked")
	}
	if got := testutil.ToFloat64(env.metrics.SessionsActive); got != 1 {
		t.Errorf("active sessions = %v", got)
	}
}

func TestEngine_Open_errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Open(ctx, testRctx(), "coupon", "c-1")
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("unknown type: err = %v", err)
	}

	_, err = env.engine.Open(ctx, testRctx(), "deal", "deal-404")
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("missing entity: err = %v", err)
	}
	if env.store.Len() != 0 {
		t.Error("no session may be created for a missing entity")
	}

	_, err = env.engine.Open(ctx, testRctx(), "deal", "")
	if model.ErrorCode(err) != model.ErrBadRequest {
		t.Errorf("non-creatable type without id: err = %v", err)
	}

	denied := NewEngine(definition.NewRegistry(testDefinitions()), env.store, env.backend,
		&mockCapResolver{caps: model.CapabilitySet{"marketplace:user:edit": true}})
	_, err = denied.Open(ctx, testRctx(), "deal", "deal-1")
	if model.ErrorCode(err) != model.ErrForbidden {
		t.Errorf("missing capability: err = %v", err)
	}
}

// --- Editing ---

func TestEngine_UpdateFields(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID

	view := env.update(t, id, map[string]any{"title": "Three pizzas", "deal_price": "15"})
	if view.Status != reconcile.StatusDirty || !view.HasChanges {
		t.Errorf("view = %+v", view)
	}
	if len(view.DirtyFields) != 2 || view.DirtyFields[0] != "deal_price" || view.DirtyFields[1] != "title" {
		t.Errorf("dirty = %v", view.DirtyFields)
	}
	if view.Version != 2 {
		t.Errorf("version = %d, want 2", view.Version)
	}

	// Typing the original value back makes the field clean again.
	view = env.update(t, id, map[string]any{"title": "Two pizzas for the price of one", "deal_price": "12.0"})
	if view.Status != reconcile.StatusClean {
		t.Errorf("reverted edits should be clean: %+v", view)
	}
}

func TestEngine_UpdateFields_unknownKeyRejectsAll(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID

	_, err := env.engine.UpdateFields(context.Background(), testRctx(), id, map[string]any{
		"title":      "changed",
		"server_rev": 9,
		"owner_id":   "x",
	})
	var envl *model.ErrorEnvelope
	if !errors.As(err, &envl) || envl.Code != model.ErrUnknownField {
		t.Fatalf("err = %v, want UNKNOWN_FIELD", err)
	}
	if len(envl.Details) != 2 || envl.Details[0].Field != "owner_id" || envl.Details[1].Field != "server_rev" {
		t.Errorf("details = %+v", envl.Details)
	}

	view, _ := env.engine.Get(context.Background(), testRctx(), id)
	if view.HasChanges {
		t.Error("no field may be applied when any key is unknown")
	}
}

func TestEngine_sessionsAreSubjectScoped(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID

	bob := testRctx()
	bob.SubjectID = "user-bob"
	_, err := env.engine.Get(context.Background(), bob, id)
	if model.ErrorCode(err) != model.ErrSessionNotFound {
		t.Errorf("other subject: err = %v", err)
	}

	other := testRctx()
	other.TenantID = "tenant-2"
	_, err = env.engine.UpdateFields(context.Background(), other, id, map[string]any{"title": "x"})
	if model.ErrorCode(err) != model.ErrSessionNotFound {
		t.Errorf("other tenant: err = %v", err)
	}
}

func TestEngine_Changes(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Two large pizzas for the price of one", "is_featured": true})

	changes, err := env.engine.Changes(context.Background(), testRctx(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 || changes[0].Field != "title" || changes[1].Field != "is_featured" {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].Label != "Title" || len(changes[0].Diff) < 2 {
		t.Errorf("title change = %+v", changes[0])
	}
	if changes[1].Before != false || changes[1].After != true {
		t.Errorf("is_featured = %+v", changes[1])
	}
}

// --- Save ---

func TestEngine_Save_sendsOnlyChangedFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Three pizzas", "description": ""})

	result, err := env.engine.Save(ctx, testRctx(), id, "")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !result.Saved || result.Skipped {
		t.Errorf("result = %+v", result)
	}

	body := env.backend.lastBody("updateDeal")
	if len(body) != 2 || body["title"] != "Three pizzas" {
		t.Errorf("patch = %v", body)
	}
	if v, ok := body["description"]; !ok || v != nil {
		t.Errorf("blank nullable field should be sent as null, got %v", body)
	}

	if result.Session.Status != reconcile.StatusClean {
		t.Errorf("session after save = %+v", result.Session)
	}
	if op := result.Session.Operations[model.OpSave]; op.State != model.OperationSucceeded {
		t.Errorf("save operation = %+v", op)
	}
	if got := testutil.ToFloat64(env.metrics.SavesTotal.WithLabelValues("deal", observability.SaveOutcomeSaved)); got != 1 {
		t.Errorf("saved counter = %v", got)
	}
}

func TestEngine_Save_noChangesSkipsBackend(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID

	result, err := env.engine.Save(context.Background(), testRctx(), id, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Skipped || result.Saved || len(result.Patch) != 0 {
		t.Errorf("result = %+v", result)
	}
	if n := env.backend.count("updateDeal"); n != 0 {
		t.Errorf("backend saves = %d, want 0", n)
	}
}

func TestEngine_Save_rejectedKeepsEdits(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID
	env.update(t, id, map[string]any{"deal_price": "-1"})
	env.backend.saveResult = func() (model.InvocationResult, error) {
		return model.InvocationResult{StatusCode: 422, Body: map[string]any{
			"message": "deal_price must be positive",
			"errors":  []any{map[string]any{"field": "deal_price", "message": "must be positive"}},
		}}, nil
	}

	_, err := env.engine.Save(context.Background(), testRctx(), id, "")
	envl, ok := err.(*model.ErrorEnvelope)
	if !ok || envl.Code != model.ErrValidationError || envl.Message != "deal_price must be positive" {
		t.Fatalf("err = %v", err)
	}
	if len(envl.Details) != 1 || envl.Details[0].Field != "deal_price" {
		t.Errorf("details = %+v", envl.Details)
	}

	view, _ := env.engine.Get(context.Background(), testRctx(), id)
	if view.Status != reconcile.StatusDirty || view.Values["deal_price"] != -1.0 {
		t.Errorf("edits must survive a rejected save: %+v", view)
	}
	op := view.Operations[model.OpSave]
	if op.State != model.OperationFailed || op.Error != "deal_price must be positive" {
		t.Errorf("save operation = %+v", op)
	}
}

func TestEngine_Save_transportFailure(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "x"})
	env.backend.saveResult = func() (model.InvocationResult, error) {
		return model.InvocationResult{}, model.NewBackendUnavailableError()
	}

	_, err := env.engine.Save(context.Background(), testRctx(), id, "")
	if model.ErrorCode(err) != model.ErrBackendUnavailable {
		t.Fatalf("err = %v", err)
	}
	view, _ := env.engine.Get(context.Background(), testRctx(), id)
	if view.Status != reconcile.StatusDirty {
		t.Errorf("failed save must leave the session dirty, got %s", view.Status)
	}
}

func TestEngine_Save_conflictAndNotFound(t *testing.T) {
	for status, code := range map[int]string{409: model.ErrConflict, 404: model.ErrNotFound, 503: model.ErrBackendUnavailable} {
		env := newTestEnv(t)
		id := env.open(t).ID
		env.update(t, id, map[string]any{"title": "x"})
		env.backend.saveResult = func() (model.InvocationResult, error) {
			return model.InvocationResult{StatusCode: status}, nil
		}
		_, err := env.engine.Save(context.Background(), testRctx(), id, "")
		if model.ErrorCode(err) != code {
			t.Errorf("status %d: err = %v, want %s", status, err, code)
		}
	}
}

func TestEngine_Save_editsDuringSaveArePreserved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Three pizzas"})

	var during model.SessionView
	env.backend.duringSave = func() {
		env.backend.duringSave = nil
		view, err := env.engine.Get(ctx, testRctx(), id)
		if err != nil || view.Status != reconcile.StatusSaving {
			t.Errorf("status during save = %v (%v)", view.Status, err)
		}
		during = env.update(t, id, map[string]any{"description": "Typed while saving"})
	}

	result, err := env.engine.Save(ctx, testRctx(), id, "")
	if err != nil {
		t.Fatal(err)
	}
	if during.Status != reconcile.StatusSaving {
		t.Errorf("edit during save should report saving, got %s", during.Status)
	}

	view := result.Session
	if view.Values["title"] != "Three pizzas" {
		t.Errorf("title = %v", view.Values["title"])
	}
	if view.Values["description"] != "Typed while saving" {
		t.Errorf("concurrent edit lost: description = %v", view.Values["description"])
	}
	if len(view.DirtyFields) != 1 || view.DirtyFields[0] != "description" {
		t.Errorf("dirty = %v, want only description", view.DirtyFields)
	}

	// The next save sends only the concurrent edit.
	if _, err := env.engine.Save(ctx, testRctx(), id, ""); err != nil {
		t.Fatal(err)
	}
	if body := env.backend.lastBody("updateDeal"); len(body) != 1 || body["description"] != "Typed while saving" {
		t.Errorf("second patch = %v", body)
	}
}

func TestEngine_Save_inProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Three pizzas"})

	var secondErr error
	env.backend.duringSave = func() {
		env.backend.duringSave = nil
		_, secondErr = env.engine.Save(ctx, testRctx(), id, "")
	}
	if _, err := env.engine.Save(ctx, testRctx(), id, ""); err != nil {
		t.Fatal(err)
	}
	if model.ErrorCode(secondErr) != model.ErrSaveInProgress {
		t.Errorf("overlapping save: err = %v", secondErr)
	}
	if n := env.backend.count("updateDeal"); n != 1 {
		t.Errorf("backend saves = %d, want 1", n)
	}
}

func TestEngine_Save_staleLeaseIsIgnored(t *testing.T) {
	env := newTestEnv(t, WithSaveLease(time.Minute))
	ctx := context.Background()
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Three pizzas"})

	// A save abandoned mid-flight by a crashed process.
	sess, _ := env.store.Get(ctx, "tenant-1", id)
	sess.StartOperation(model.OpSave, env.clock.Now())
	if err := env.store.Update(ctx, &sess); err != nil {
		t.Fatal(err)
	}

	_, err := env.engine.Save(ctx, testRctx(), id, "")
	if model.ErrorCode(err) != model.ErrSaveInProgress {
		t.Fatalf("within lease: err = %v", err)
	}
	env.clock.Advance(2 * time.Minute)
	if _, err := env.engine.Save(ctx, testRctx(), id, ""); err != nil {
		t.Errorf("after lease: err = %v", err)
	}
}

func TestEngine_Save_bodilessResponseRefetches(t *testing.T) {
	env := newTestEnv(t)
	env.backend.bodilessSave = true
	id := env.open(t).ID
	env.update(t, id, map[string]any{"highlights": "Dine in\nTakeaway\nDelivery"})

	result, err := env.engine.Save(context.Background(), testRctx(), id, "")
	if err != nil {
		t.Fatal(err)
	}
	if n := env.backend.count("getDeal"); n != 2 {
		t.Errorf("fetches = %d, want open + refetch", n)
	}
	got, _ := result.Session.Values["highlights"].([]string)
	if len(got) != 3 || result.Session.Status != reconcile.StatusClean {
		t.Errorf("session = %+v", result.Session)
	}
}

func TestEngine_Save_idempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Three pizzas"})

	first, err := env.engine.Save(ctx, testRctx(), id, "key-1")
	if err != nil {
		t.Fatal(err)
	}

	// A retry after a lost response replays the stored outcome.
	replayed, err := env.engine.Save(ctx, testRctx(), id, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if !replayed.Saved || replayed.Session.Version != first.Session.Version {
		t.Errorf("replayed = %+v, first = %+v", replayed, first)
	}
	if n := env.backend.count("updateDeal"); n != 1 {
		t.Errorf("backend saves = %d, want 1", n)
	}

	// Reusing the key for different edits is a conflict.
	env.update(t, id, map[string]any{"title": "Four pizzas"})
	_, err = env.engine.Save(ctx, testRctx(), id, "key-1")
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("reused key: err = %v", err)
	}
	if got := testutil.ToFloat64(env.metrics.SavesTotal.WithLabelValues("deal", observability.SaveOutcomeReplayed)); got != 1 {
		t.Errorf("replayed counter = %v", got)
	}
}

func TestEngine_Save_createBindsEntityID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.engine.Open(ctx, testRctx(), "deal_draft", "")
	if err != nil {
		t.Fatal(err)
	}
	if view.EntityID != "" || view.Values["category"] != "food" {
		t.Errorf("draft = %+v", view)
	}
	env.update(t, view.ID, map[string]any{"title": "Sushi for two", "deal_price": ""})

	result, err := env.engine.Save(ctx, testRctx(), view.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Session.EntityID != "draft-1" || result.Session.Status != reconcile.StatusClean {
		t.Errorf("after create = %+v", result.Session)
	}
	if n := env.backend.count("createDealDraft"); n != 1 {
		t.Errorf("creates = %d", n)
	}
	body := env.backend.lastBody("createDealDraft")
	if len(body) != 1 || body["title"] != "Sushi for two" {
		t.Errorf("create body = %v", body)
	}

	// Later saves update the created entity.
	env.update(t, view.ID, map[string]any{"title": "Sushi for three"})
	if _, err := env.engine.Save(ctx, testRctx(), view.ID, ""); err != nil {
		t.Fatal(err)
	}
	if n := env.backend.count("updateDealDraft"); n != 1 {
		t.Errorf("updates = %d", n)
	}
}

// --- Reload, reset, discard, expiry ---

func TestEngine_Reload_keepsEdits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Mine"})

	env.backend.set("deal-1", "description", "Changed on the server")
	env.backend.set("deal-1", "title", "Theirs")

	view, err := env.engine.Reload(ctx, testRctx(), id)
	if err != nil {
		t.Fatal(err)
	}
	if view.Values["title"] != "Mine" || view.Values["description"] != "Changed on the server" {
		t.Errorf("values = %v", view.Values)
	}
	if len(view.DirtyFields) != 1 || view.DirtyFields[0] != "title" {
		t.Errorf("dirty = %v", view.DirtyFields)
	}
	if op := view.Operations[model.OpReload]; op.State != model.OperationSucceeded {
		t.Errorf("reload operation = %+v", op)
	}
}

func TestEngine_Reload_failureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t).ID
	env.backend.mu.Lock()
	delete(env.backend.deals, "deal-1")
	env.backend.mu.Unlock()

	_, err := env.engine.Reload(ctx, testRctx(), id)
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Fatalf("err = %v", err)
	}
	view, _ := env.engine.Get(ctx, testRctx(), id)
	if op := view.Operations[model.OpReload]; op.State != model.OperationFailed || op.Error != "deal not found" {
		t.Errorf("reload operation = %+v", op)
	}
}

func TestEngine_Reset(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "x", "is_featured": true})

	view, err := env.engine.Reset(context.Background(), testRctx(), id)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != reconcile.StatusClean || view.Values["title"] != "Two pizzas for the price of one" {
		t.Errorf("view = %+v", view)
	}
}

func TestEngine_DiscardAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.open(t).ID
	env.clock.Advance(time.Second)
	b := env.open(t).ID
	env.update(t, b, map[string]any{"title": "x"})

	list, err := env.engine.List(ctx, testRctx(), model.SessionFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != b || list[0].Status != reconcile.StatusDirty || list[1].Status != reconcile.StatusClean {
		t.Errorf("list = %+v", list)
	}

	if err := env.engine.Discard(ctx, testRctx(), a); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Get(ctx, testRctx(), a); model.ErrorCode(err) != model.ErrSessionNotFound {
		t.Errorf("discarded session: err = %v", err)
	}
	if got := testutil.ToFloat64(env.metrics.SessionsActive); got != 1 {
		t.Errorf("active sessions = %v", got)
	}
}

func TestEngine_ExpireIdle(t *testing.T) {
	env := newTestEnv(t, WithIdleTimeout(time.Hour))
	ctx := context.Background()
	stale := env.open(t).ID
	env.clock.Advance(50 * time.Minute)
	fresh := env.open(t).ID
	env.clock.Advance(20 * time.Minute)

	n, err := env.engine.ExpireIdle(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireIdle = %d, %v", n, err)
	}
	if _, err := env.engine.Get(ctx, testRctx(), stale); model.ErrorCode(err) != model.ErrSessionNotFound {
		t.Errorf("stale session: err = %v", err)
	}
	if _, err := env.engine.Get(ctx, testRctx(), fresh); err != nil {
		t.Errorf("fresh session: err = %v", err)
	}
}

func TestEngine_definitionChangeMigratesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Mine"})

	defs := testDefinitions()
	deal := &defs[0].Entities[0]
	deal.Fields = append(deal.Fields, reconcile.FieldSpec{Key: "max_claims", Kind: reconcile.KindNumber, NullableWhenEmpty: true})
	env.engine.registry.Replace(defs)

	view, err := env.engine.Get(ctx, testRctx(), id)
	if err != nil {
		t.Fatal(err)
	}
	if view.Values["title"] != "Mine" {
		t.Errorf("edit lost in migration: %v", view.Values["title"])
	}
	if _, ok := view.Values["max_claims"]; !ok {
		t.Error("new field missing after migration")
	}
	if len(view.DirtyFields) != 1 || view.DirtyFields[0] != "title" {
		t.Errorf("dirty = %v", view.DirtyFields)
	}
}

// cancelAwareStore fails every call once the caller's context is done, the
// way the SQL stores do.
type cancelAwareStore struct {
	*MemoryStore
}

func (s cancelAwareStore) Get(ctx context.Context, tenantID, sessionID string) (model.EditSession, error) {
	if err := ctx.Err(); err != nil {
		return model.EditSession{}, err
	}
	return s.MemoryStore.Get(ctx, tenantID, sessionID)
}

func (s cancelAwareStore) Update(ctx context.Context, sess *model.EditSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Update(ctx, sess)
}

type cancelAwareIdempotency struct {
	*MemoryIdempotencyStore
}

func (s cancelAwareIdempotency) Store(ctx context.Context, key string, record IdempotencyRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryIdempotencyStore.Store(ctx, key, record, ttl)
}

func TestEngine_Save_callerGoneStillRecordsOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.engine.store = cancelAwareStore{env.store}
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Three pizzas"})

	ctx, cancel := context.WithCancel(context.Background())
	env.backend.saveResult = func() (model.InvocationResult, error) {
		cancel()
		return model.InvocationResult{}, model.NewBackendTimeoutError()
	}
	if _, err := env.engine.Save(ctx, testRctx(), id, ""); model.ErrorCode(err) != model.ErrBackendTimeout {
		t.Fatalf("err = %v, want %s", err, model.ErrBackendTimeout)
	}

	view, err := env.engine.Get(context.Background(), testRctx(), id)
	if err != nil {
		t.Fatal(err)
	}
	if op := view.Operations[model.OpSave]; op.State != model.OperationFailed {
		t.Errorf("save operation = %+v, want failed", op)
	}
	if view.Status != reconcile.StatusDirty {
		t.Errorf("status = %s, want dirty", view.Status)
	}

	// Clicking Save again goes straight through.
	env.backend.saveResult = nil
	result, err := env.engine.Save(context.Background(), testRctx(), id, "")
	if err != nil {
		t.Fatalf("retry: err = %v", err)
	}
	if !result.Saved || result.Session.Status != reconcile.StatusClean {
		t.Errorf("retry result = %+v", result)
	}
}

func TestEngine_Save_callerGoneStillStoresIdempotencyRecord(t *testing.T) {
	idem := NewMemoryIdempotencyStore()
	env := newTestEnv(t, WithIdempotency(cancelAwareIdempotency{idem}, time.Hour))
	env.engine.store = cancelAwareStore{env.store}
	id := env.open(t).ID
	env.update(t, id, map[string]any{"title": "Three pizzas"})

	ctx, cancel := context.WithCancel(context.Background())
	env.backend.duringSave = func() {
		env.backend.duringSave = nil
		cancel()
	}
	if _, err := env.engine.Save(ctx, testRctx(), id, "key-1"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if idem.Len() != 1 {
		t.Errorf("idempotency records = %d, want 1", idem.Len())
	}

	// A retry with the same key replays instead of reporting a save in flight.
	replayed, err := env.engine.Save(context.Background(), testRctx(), id, "key-1")
	if err != nil {
		t.Fatalf("retry: err = %v", err)
	}
	if !replayed.Saved || replayed.Patch["title"] != "Three pizzas" {
		t.Errorf("replayed = %+v", replayed)
	}
}

func TestEngine_Save_skippedReportsUnsendableFields(t *testing.T) {
	env := newTestEnv(t)
	id := env.open(t).ID

	view := env.update(t, id, map[string]any{"starts_at": ""})
	if !view.HasChanges || len(view.UnsendableFields) != 1 || view.UnsendableFields[0] != "starts_at" {
		t.Fatalf("view = dirty %v, unsendable %v", view.DirtyFields, view.UnsendableFields)
	}

	result, err := env.engine.Save(context.Background(), testRctx(), id, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Skipped || result.Saved {
		t.Errorf("result = %+v, want skipped", result)
	}
	if got := result.Session.UnsendableFields; len(got) != 1 || got[0] != "starts_at" {
		t.Errorf("unsendable = %v, want [starts_at]", got)
	}
	if n := env.backend.count("updateDeal"); n != 0 {
		t.Errorf("backend saves = %d, want 0", n)
	}

	clean := env.open(t)
	if clean.UnsendableFields == nil || len(clean.UnsendableFields) != 0 {
		t.Errorf("clean session unsendable = %#v, want empty list", clean.UnsendableFields)
	}
}

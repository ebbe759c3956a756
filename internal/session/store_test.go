package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

var storeEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testSession(id, tenant, subject string, updated time.Time) model.EditSession {
	specs := []reconcile.FieldSpec{
		{Key: "title", Kind: reconcile.KindString},
		{Key: "deal_price", Kind: reconcile.KindNumber},
		{Key: "metadata", Kind: reconcile.KindJSON},
	}
	baseline, working := reconcile.Initialize(map[string]any{
		"title":      "Half-price pizza",
		"deal_price": 12.5,
		"metadata":   map[string]any{"source": "import"},
	}, specs, time.UTC)
	working = reconcile.UpdateField(working, "title", "Half-price pizza!", time.UTC)

	return model.EditSession{
		ID:         id,
		EntityType: "deal",
		EntityID:   "deal-" + id,
		TenantID:   tenant,
		SubjectID:  subject,
		Timezone:   "Africa/Nairobi",
		Baseline:   baseline,
		Working:    working,
		Operations: map[string]model.AsyncOperation{},
		Version:    1,
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
}

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	store, err := OpenSQLiteStore(context.Background(), dsn, SQLiteOptions{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteTestStore(t) },
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("create_get_roundtrip", func(t *testing.T) { testStoreRoundtrip(t, newStore(t)) })
			t.Run("optimistic_update", func(t *testing.T) { testStoreOptimisticUpdate(t, newStore(t)) })
			t.Run("tenant_isolation", func(t *testing.T) { testStoreTenantIsolation(t, newStore(t)) })
			t.Run("list", func(t *testing.T) { testStoreList(t, newStore(t)) })
			t.Run("delete_idle", func(t *testing.T) { testStoreDeleteIdle(t, newStore(t)) })
		})
	}
}

func mustCreate(t *testing.T, store Store, sess model.EditSession) {
	t.Helper()
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create(%s) error = %v", sess.ID, err)
	}
}

func mustGet(t *testing.T, store Store, tenantID, id string) model.EditSession {
	t.Helper()
	sess, err := store.Get(context.Background(), tenantID, id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return sess
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if got := model.ErrorCode(err); got != code {
		t.Errorf("error = %v, want code %s", err, code)
	}
}

func testStoreRoundtrip(t *testing.T, store Store) {
	sess := testSession("s1", "tenant-1", "alice", storeEpoch)
	started := storeEpoch.Add(time.Second)
	sess.StartOperation(model.OpSave, started)

	mustCreate(t, store, sess)
	got := mustGet(t, store, "tenant-1", "s1")

	if got.EntityID != sess.EntityID || got.Timezone != "Africa/Nairobi" {
		t.Errorf("session = %+v", got)
	}
	if !got.UpdatedAt.Equal(storeEpoch) {
		t.Errorf("UpdatedAt = %s, want %s", got.UpdatedAt, storeEpoch)
	}
	if changed := reconcile.Changed(got.Baseline, got.Working); !slices.Equal(changed, []string{"title"}) {
		t.Errorf("Changed() = %v, want [title]", changed)
	}
	if got.Working.Values()["title"] != sess.Working.Values()["title"] {
		t.Errorf("title = %v", got.Working.Values()["title"])
	}
	if string(got.Baseline["metadata"].JSON) != `{"source":"import"}` {
		t.Errorf("metadata = %s", got.Baseline["metadata"].JSON)
	}
	if n := got.Baseline["deal_price"].Number; n == nil || *n != 12.5 {
		t.Errorf("deal_price = %v", n)
	}

	op := got.Operation(model.OpSave)
	if op.State != model.OperationInFlight || op.StartedAt == nil || !op.StartedAt.Equal(started) {
		t.Errorf("save operation = %+v", op)
	}

	if err := store.Create(context.Background(), sess); err == nil {
		t.Error("duplicate IDs must be rejected")
	}
}

func testStoreOptimisticUpdate(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, testSession("s1", "tenant-1", "alice", storeEpoch))

	first := mustGet(t, store, "tenant-1", "s1")
	stale := first

	first.Working = first.Baseline.Clone()
	first.UpdatedAt = storeEpoch.Add(time.Minute)
	if err := store.Update(ctx, &first); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version = %d, want 2", first.Version)
	}

	wantCode(t, store.Update(ctx, &stale), model.ErrConflict)
	if stale.Version != 1 {
		t.Errorf("a rejected update bumped the caller's version to %d", stale.Version)
	}

	got := mustGet(t, store, "tenant-1", "s1")
	if got.Version != 2 || reconcile.HasChanges(got.Baseline, got.Working) {
		t.Errorf("stored session = version %d, dirty %v", got.Version, reconcile.Changed(got.Baseline, got.Working))
	}

	missing := testSession("nope", "tenant-1", "alice", storeEpoch)
	wantCode(t, store.Update(ctx, &missing), model.ErrSessionNotFound)
}

func testStoreTenantIsolation(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, testSession("s1", "tenant-1", "alice", storeEpoch))

	_, err := store.Get(ctx, "tenant-2", "s1")
	wantCode(t, err, model.ErrSessionNotFound)
	wantCode(t, store.Delete(ctx, "tenant-2", "s1"), model.ErrSessionNotFound)

	if err := store.Delete(ctx, "tenant-1", "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	_, err = store.Get(ctx, "tenant-1", "s1")
	wantCode(t, err, model.ErrSessionNotFound)
}

func testStoreList(t *testing.T, store Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		mustCreate(t, store, testSession(id, "tenant-1", "alice", storeEpoch.Add(time.Duration(i)*time.Minute)))
	}
	mustCreate(t, store, testSession("d", "tenant-1", "bob", storeEpoch))
	user := testSession("e", "tenant-1", "alice", storeEpoch.Add(time.Hour))
	user.EntityType = "user"
	mustCreate(t, store, user)

	tests := []struct {
		name    string
		subject string
		filters model.SessionFilters
		want    []string
	}{
		{name: "newest first", subject: "alice", want: []string{"e", "c", "b", "a"}},
		{name: "type and page", subject: "alice", filters: model.SessionFilters{EntityType: "deal", Page: 2, PageSize: 2}, want: []string{"a"}},
		{name: "no sessions", subject: "carol", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, "tenant-1", tt.subject, tt.filters)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if ids := sessionIDs(got); !slices.Equal(ids, tt.want) {
				t.Errorf("List() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func testStoreDeleteIdle(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, testSession("old", "tenant-1", "alice", storeEpoch))
	mustCreate(t, store, testSession("new", "tenant-1", "alice", storeEpoch.Add(2*time.Hour)))

	n, err := store.DeleteIdle(ctx, storeEpoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteIdle() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteIdle() = %d, want 1", n)
	}

	_, err = store.Get(ctx, "tenant-1", "old")
	wantCode(t, err, model.ErrSessionNotFound)
	mustGet(t, store, "tenant-1", "new")
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func sessionIDs(sessions []model.EditSession) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	store := NewMemoryStore()
	mustCreate(t, store, testSession("s1", "tenant-1", "alice", storeEpoch))

	got := mustGet(t, store, "tenant-1", "s1")
	got.Working["title"] = reconcile.Value{Kind: reconcile.KindString, Text: "mutated"}

	again := mustGet(t, store, "tenant-1", "s1")
	if again.Working["title"].Text != "Half-price pizza!" {
		t.Errorf("stored title = %q, the store handed out shared state", again.Working["title"].Text)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

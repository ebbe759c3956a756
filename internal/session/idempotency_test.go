package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

func testSaveResult() model.SaveResult {
	return model.SaveResult{
		Saved: true,
		Patch: reconcile.Patch{"title": "Half-price pizza!"},
		Session: model.SessionView{
			ID:         "s1",
			EntityType: "deal",
			EntityID:   "deal-1",
			Status:     reconcile.StatusClean,
			Version:    3,
		},
	}
}

func TestHashPatch_stable(t *testing.T) {
	a, err := HashPatch(reconcile.Patch{"title": "x", "deal_price": 10.0})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := HashPatch(reconcile.Patch{"deal_price": 10.0, "title": "x"})
	c, _ := HashPatch(reconcile.Patch{"title": "y", "deal_price": 10.0})
	if a != b {
		t.Error("hash must not depend on key order")
	}
	if a == c {
		t.Error("different patches must hash differently")
	}
}

func TestIdempotencyRecord_Replay(t *testing.T) {
	rec := IdempotencyRecord{PatchHash: "h1", Result: testSaveResult()}

	if got, err := rec.Replay("k", "h1", false); err != nil || got.Session.Version != 3 {
		t.Errorf("same hash: got %+v, %v", got, err)
	}
	if _, err := rec.Replay("k", "h2", true); err != nil {
		t.Errorf("empty patch should replay, got %v", err)
	}
	_, err := rec.Replay("k", "h2", false)
	if model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("different patch: err = %v, want CONFLICT", err)
	}
}

func TestFormatIdempotencyKey(t *testing.T) {
	if got := FormatIdempotencyKey("s1", "abc"); got != "idem:s1:abc" {
		t.Errorf("key = %q", got)
	}
}

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if _, found, err := store.Check(ctx, "idem:s1:k1"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	rec := IdempotencyRecord{PatchHash: "h1", Result: testSaveResult()}
	if err := store.Store(ctx, "idem:s1:k1", rec, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, found, err := store.Check(ctx, "idem:s1:k1")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if got.PatchHash != "h1" || got.Result.Session.EntityID != "deal-1" {
		t.Errorf("record = %+v", got)
	}

	now = now.Add(2 * time.Minute)
	if _, found, _ := store.Check(ctx, "idem:s1:k1"); found {
		t.Error("expired record must not be found")
	}
	if store.Len() != 0 {
		t.Errorf("expired record should be evicted, len = %d", store.Len())
	}
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	store := NewRedisIdempotencyStore(client)
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	if _, found, err := store.Check(ctx, "idem:s1:k1"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	rec := IdempotencyRecord{PatchHash: "h1", Result: testSaveResult()}
	if err := store.Store(ctx, "idem:s1:k1", rec, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, found, err := store.Check(ctx, "idem:s1:k1")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if got.PatchHash != "h1" || !got.Result.Saved || got.Result.Patch["title"] != "Half-price pizza!" {
		t.Errorf("record = %+v", got)
	}
	if ttl := mr.TTL("idem:s1:k1"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, found, _ := store.Check(ctx, "idem:s1:k1"); found {
		t.Error("expired record must not be found")
	}
}

func TestRedisIdempotencyStore_corruptRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if err := mr.Set("idem:s1:bad", "not json"); err != nil {
		t.Fatal(err)
	}
	_, _, err := NewRedisIdempotencyStore(client).Check(context.Background(), "idem:s1:bad")
	if err == nil {
		t.Error("corrupt record should return an error")
	}
}

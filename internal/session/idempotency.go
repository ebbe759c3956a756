package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/dealdesk/model"
)

// IdempotencyStore deduplicates saves retried with the same key.
// Keys have the form "idem:{sessionId}:{key}".
type IdempotencyStore interface {
	// Check looks up the record stored under key. found is false when the
	// key is unknown or expired.
	Check(ctx context.Context, key string) (record *IdempotencyRecord, found bool, err error)

	// Store saves record under key with a TTL.
	Store(ctx context.Context, key string, record IdempotencyRecord, ttl time.Duration) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

// IdempotencyRecord is the outcome of a save, with the hash of the patch
// that produced it.
type IdempotencyRecord struct {
	PatchHash string           `json:"patch_hash"`
	Result    model.SaveResult `json:"result"`
}

// Replay decides whether a save with patchHash may reuse the record. A
// retry whose patch is already committed has nothing left to send, so an
// empty patch replays too. Any other mismatch is a CONFLICT.
func (r IdempotencyRecord) Replay(key, patchHash string, emptyPatch bool) (model.SaveResult, error) {
	if r.PatchHash == patchHash || emptyPatch {
		return r.Result, nil
	}
	return model.SaveResult{}, model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different patch", key),
	)
}

// FormatIdempotencyKey builds the store key for a session save.
func FormatIdempotencyKey(sessionID, key string) string {
	return fmt.Sprintf("idem:%s:%s", sessionID, key)
}

// HashPatch returns a stable hash of patch. Map keys are marshalled in
// sorted order, so equal patches hash equally.
func HashPatch(patch any) (string, error) {
	b, err := json.Marshal(patch)
	if err != nil {
		return "", fmt.Errorf("marshal patch: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	record    IdempotencyRecord
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached record.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*IdempotencyRecord, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	record := entry.record
	return &record, true, nil
}

// Store saves a record with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, record IdempotencyRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{record: record, expiresAt: s.now().Add(ttl)}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached record in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency record %q: %w", key, err)
	}
	return &record, true, nil
}

// Store saves a record in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, record IdempotencyRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

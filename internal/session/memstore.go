package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/dealdesk/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.EditSession // key: session ID
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]model.EditSession),
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, sess model.EditSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("session %q already exists", sess.ID))
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// Get retrieves a session by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, sessionID string) (model.EditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.TenantID != tenantID {
		return model.EditSession{}, model.NewSessionNotFoundError(sessionID)
	}
	return copySession(sess), nil
}

// Update persists an updated session with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, sess *model.EditSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists || existing.TenantID != sess.TenantID {
		return model.NewSessionNotFoundError(sess.ID)
	}
	if existing.Version != sess.Version {
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d, got %d)", sess.ID, sess.Version, existing.Version),
		)
	}

	sess.Version++
	s.sessions[sess.ID] = copySession(*sess)
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.TenantID != tenantID {
		return model.NewSessionNotFoundError(sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// List returns the subject's sessions, most recently updated first.
func (s *MemoryStore) List(_ context.Context, tenantID, subjectID string, filters model.SessionFilters) ([]model.EditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.EditSession
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.SubjectID != subjectID {
			continue
		}
		if filters.EntityType != "" && sess.EntityType != filters.EntityType {
			continue
		}
		result = append(result, copySession(sess))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	limit, offset := pageBounds(filters)
	if offset >= len(result) {
		return []model.EditSession{}, nil
	}
	result = result[offset:]
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// DeleteIdle removes sessions not updated since cutoff.
func (s *MemoryStore) DeleteIdle(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored sessions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// copySession detaches the states and operations of sess from the caller.
func copySession(sess model.EditSession) model.EditSession {
	sess.Baseline = sess.Baseline.Clone()
	sess.Working = sess.Working.Clone()
	if sess.Operations != nil {
		ops := make(map[string]model.AsyncOperation, len(sess.Operations))
		for k, v := range sess.Operations {
			ops[k] = v
		}
		sess.Operations = ops
	}
	return sess
}

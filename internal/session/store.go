// Package session hosts edit sessions: one baseline/working state pair per
// entity being edited, persisted between requests, with the backend calls
// that load and save the entity.
package session

import (
	"context"
	"time"

	"github.com/pitabwire/dealdesk/model"
)

// Store persists edit sessions.
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, sess model.EditSession) error

	// Get retrieves a session by ID, scoped to a tenant. Returns
	// SESSION_NOT_FOUND if it doesn't exist or belongs to another tenant.
	Get(ctx context.Context, tenantID, sessionID string) (model.EditSession, error)

	// Update persists sess with optimistic locking. sess.Version must match
	// the stored version, otherwise CONFLICT is returned. On success the
	// version is incremented both in the store and in sess. The caller sets
	// UpdatedAt.
	Update(ctx context.Context, sess *model.EditSession) error

	// Delete removes a session.
	Delete(ctx context.Context, tenantID, sessionID string) error

	// List returns the sessions of one subject, most recently updated first.
	List(ctx context.Context, tenantID, subjectID string, filters model.SessionFilters) ([]model.EditSession, error)

	// DeleteIdle removes sessions not updated since cutoff and returns how
	// many were removed.
	DeleteIdle(ctx context.Context, cutoff time.Time) (int, error)

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// pageBounds returns the limit and offset for filters.
func pageBounds(filters model.SessionFilters) (limit, offset int) {
	limit = filters.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/dealdesk/model"
)

const pgSelectColumns = `id, entity_type, entity_id, tenant_id, subject_id, timezone,
	       baseline, working, operations, version, created_at, updated_at`

// PGStore is a PostgreSQL-backed Store using pgx/v5.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PostgreSQL session store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the edit_sessions table and its indexes if missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	schema, err := readSchema("postgres.sql")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply session schema: %w", err)
	}
	return nil
}

// Create inserts a new session.
func (s *PGStore) Create(ctx context.Context, sess model.EditSession) error {
	cols, err := encodeColumns(sess)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO edit_sessions (
			id, entity_type, entity_id, tenant_id, subject_id, timezone,
			baseline, working, operations, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.EntityType, sess.EntityID, sess.TenantID, sess.SubjectID, sess.Timezone,
		cols.Baseline, cols.Working, cols.Operations, sess.Version, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert edit session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID, scoped to tenant.
func (s *PGStore) Get(ctx context.Context, tenantID, sessionID string) (model.EditSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgSelectColumns+`
		FROM edit_sessions
		WHERE id = $1 AND tenant_id = $2`,
		sessionID, tenantID,
	)
	sess, err := scanPGSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EditSession{}, model.NewSessionNotFoundError(sessionID)
	}
	if err != nil {
		return model.EditSession{}, fmt.Errorf("query edit session: %w", err)
	}
	return sess, nil
}

// Update persists an updated session with optimistic locking.
func (s *PGStore) Update(ctx context.Context, sess *model.EditSession) error {
	cols, err := encodeColumns(*sess)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE edit_sessions SET
			entity_id = $1,
			timezone = $2,
			baseline = $3,
			working = $4,
			operations = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND tenant_id = $9 AND version = $10`,
		sess.EntityID, sess.Timezone, cols.Baseline, cols.Working, cols.Operations,
		sess.Version+1, sess.UpdatedAt,
		sess.ID, sess.TenantID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update edit session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, sess)
	}
	sess.Version++
	return nil
}

func (s *PGStore) missingOrConflict(ctx context.Context, sess *model.EditSession) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM edit_sessions WHERE id = $1 AND tenant_id = $2)`,
		sess.ID, sess.TenantID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("query edit session: %w", err)
	}
	if !exists {
		return model.NewSessionNotFoundError(sess.ID)
	}
	return model.NewConflictError(
		fmt.Sprintf("session %q version conflict (expected %d)", sess.ID, sess.Version),
	)
}

// Delete removes a session.
func (s *PGStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM edit_sessions
		WHERE id = $1 AND tenant_id = $2`,
		sessionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete edit session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewSessionNotFoundError(sessionID)
	}
	return nil
}

// List returns the subject's sessions, most recently updated first.
func (s *PGStore) List(ctx context.Context, tenantID, subjectID string, filters model.SessionFilters) ([]model.EditSession, error) {
	query := `SELECT ` + pgSelectColumns + `
	          FROM edit_sessions
	          WHERE tenant_id = $1 AND subject_id = $2`
	args := []any{tenantID, subjectID}
	argIdx := 3

	if filters.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filters.EntityType)
		argIdx++
	}

	limit, offset := pageBounds(filters)
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id ASC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edit sessions: %w", err)
	}
	defer rows.Close()

	sessions := []model.EditSession{}
	for rows.Next() {
		sess, err := scanPGSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteIdle removes sessions not updated since cutoff.
func (s *PGStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM edit_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idle edit sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck pings the database.
func (s *PGStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanPGSession(row pgx.Row) (model.EditSession, error) {
	var sess model.EditSession
	var cols sessionColumns
	if err := row.Scan(
		&sess.ID, &sess.EntityType, &sess.EntityID, &sess.TenantID, &sess.SubjectID, &sess.Timezone,
		&cols.Baseline, &cols.Working, &cols.Operations, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return model.EditSession{}, err
	}
	if err := cols.decodeInto(&sess); err != nil {
		return model.EditSession{}, err
	}
	return sess, nil
}

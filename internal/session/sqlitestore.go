package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/pitabwire/dealdesk/model"
)

const sqliteSelectColumns = `id, entity_type, entity_id, tenant_id, subject_id, timezone,
	       baseline, working, operations, version, created_at, updated_at`

// SQLiteStore is a Store on an embedded SQLite database, for single-node
// deployments that need sessions to survive a restart.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteOptions tunes the connection pool of a SQLiteStore.
type SQLiteOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenSQLiteStore opens (creating if needed) the database at dsn and
// applies the session schema.
func OpenSQLiteStore(ctx context.Context, dsn string, opts SQLiteOptions) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := applySQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func applySQLiteSchema(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	schema, err := readSchema("sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply session schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new session.
func (s *SQLiteStore) Create(ctx context.Context, sess model.EditSession) error {
	cols, err := encodeColumns(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edit_sessions (
			id, entity_type, entity_id, tenant_id, subject_id, timezone,
			baseline, working, operations, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.EntityType, sess.EntityID, sess.TenantID, sess.SubjectID, sess.Timezone,
		string(cols.Baseline), string(cols.Working), string(cols.Operations),
		sess.Version, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert edit session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID, scoped to tenant.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, sessionID string) (model.EditSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteSelectColumns+`
		FROM edit_sessions
		WHERE id = ? AND tenant_id = ?`,
		sessionID, tenantID,
	)
	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EditSession{}, model.NewSessionNotFoundError(sessionID)
	}
	if err != nil {
		return model.EditSession{}, fmt.Errorf("query edit session: %w", err)
	}
	return sess, nil
}

// Update persists an updated session with optimistic locking.
func (s *SQLiteStore) Update(ctx context.Context, sess *model.EditSession) error {
	cols, err := encodeColumns(*sess)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE edit_sessions SET
			entity_id = ?,
			timezone = ?,
			baseline = ?,
			working = ?,
			operations = ?,
			version = ?,
			updated_at = ?
		WHERE id = ? AND tenant_id = ? AND version = ?`,
		sess.EntityID, sess.Timezone,
		string(cols.Baseline), string(cols.Working), string(cols.Operations),
		sess.Version+1, sess.UpdatedAt.UnixNano(),
		sess.ID, sess.TenantID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update edit session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update edit session: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM edit_sessions WHERE id = ? AND tenant_id = ?`,
			sess.ID, sess.TenantID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("query edit session: %w", err)
		}
		if exists == 0 {
			return model.NewSessionNotFoundError(sess.ID)
		}
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d)", sess.ID, sess.Version),
		)
	}
	sess.Version++
	return nil
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM edit_sessions WHERE id = ? AND tenant_id = ?`,
		sessionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete edit session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewSessionNotFoundError(sessionID)
	}
	return nil
}

// List returns the subject's sessions, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, tenantID, subjectID string, filters model.SessionFilters) ([]model.EditSession, error) {
	query := `SELECT ` + sqliteSelectColumns + `
	          FROM edit_sessions
	          WHERE tenant_id = ? AND subject_id = ?`
	args := []any{tenantID, subjectID}
	if filters.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, filters.EntityType)
	}
	limit, offset := pageBounds(filters)
	query += " ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edit sessions: %w", err)
	}
	defer rows.Close()

	sessions := []model.EditSession{}
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteIdle removes sessions not updated since cutoff.
func (s *SQLiteStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM edit_sessions WHERE updated_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete idle edit sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete idle edit sessions: %w", err)
	}
	return int(n), nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (model.EditSession, error) {
	var sess model.EditSession
	var baseline, working, operations string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&sess.ID, &sess.EntityType, &sess.EntityID, &sess.TenantID, &sess.SubjectID, &sess.Timezone,
		&baseline, &working, &operations, &sess.Version, &createdAt, &updatedAt,
	); err != nil {
		return model.EditSession{}, err
	}
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()

	cols := sessionColumns{Baseline: []byte(baseline), Working: []byte(working), Operations: []byte(operations)}
	if err := cols.decodeInto(&sess); err != nil {
		return model.EditSession{}, err
	}
	return sess, nil
}

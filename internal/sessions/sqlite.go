package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/stratumlabs/stratum/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	user_id        TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	checksum       TEXT NOT NULL,
	payload        BLOB NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_invocations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	tool_name      TEXT NOT NULL,
	tool_version   TEXT NOT NULL,
	tool_call_id   TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	input          BLOB,
	outcome        TEXT NOT NULL,
	reason         TEXT,
	started_at     TIMESTAMP NOT NULL,
	finished_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_invocations_user ON tool_invocations(user_id, id);
`

// SQLiteStore persists sessions and the invocation log in a single SQLite
// database file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, userID string, rec *models.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, schema_version, checksum, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			checksum = excluded.checksum,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		userID, rec.SchemaVersion, rec.Checksum, []byte(rec.Session), time.Now().UTC())
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, checksum, payload FROM sessions WHERE user_id = ?`,
		userID).Scan(&rec.SchemaVersion, &rec.Checksum, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Session = payload
	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteStore) AppendInvocation(ctx context.Context, inv *models.ToolInvocation) error {
	var finished any
	if !inv.FinishedAt.IsZero() {
		finished = inv.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_invocations
			(correlation_id, tool_name, tool_version, tool_call_id, user_id, input, outcome, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.CorrelationID, inv.ToolName, inv.ToolVersion, inv.ToolCallID,
		inv.UserID, []byte(inv.Input), string(inv.Outcome), inv.Reason,
		inv.StartedAt.UTC(), finished)
	return err
}

func (s *SQLiteStore) ListInvocations(ctx context.Context, userID string, limit int) ([]*models.ToolInvocation, error) {
	query := `
		SELECT correlation_id, tool_name, tool_version, tool_call_id, user_id, input, outcome, reason, started_at, finished_at
		FROM tool_invocations WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ToolInvocation
	for rows.Next() {
		var inv models.ToolInvocation
		var input []byte
		var outcome string
		var finished sql.NullTime
		if err := rows.Scan(&inv.CorrelationID, &inv.ToolName, &inv.ToolVersion,
			&inv.ToolCallID, &inv.UserID, &input, &outcome, &inv.Reason,
			&inv.StartedAt, &finished); err != nil {
			return nil, err
		}
		inv.Input = input
		inv.Outcome = models.InvocationOutcome(outcome)
		if finished.Valid {
			inv.FinishedAt = finished.Time
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

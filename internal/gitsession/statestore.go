// internal/gitsession/statestore.go
package gitsession

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is the durable projection of a session kept for orphan
// recovery across process restarts.
type SessionRecord struct {
	SessionID      string
	Workspace      string
	BranchName     string
	WorktreePath   string
	State          State
	StartedAt      time.Time
	LastActivityAt time.Time
	FailureReason  string
}

// StateStore persists session records in SQLite under the state store path.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore creates or opens the session database at dir/sessions.db.
func OpenStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state store dir: %w", err)
	}

	path := filepath.Join(dir, "sessions.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	s := &StateStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the database schema
func (s *StateStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS git_sessions (
		session_id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		failure_reason TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_git_sessions_workspace_state ON git_sessions(workspace, state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *StateStore) Close() error {
	return s.db.Close()
}

// Save inserts or updates a session record.
func (s *StateStore) Save(rec *SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO git_sessions
		(session_id, workspace, branch_name, worktree_path, state, started_at, last_activity_at, failure_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Workspace, rec.BranchName, rec.WorktreePath,
		rec.State.String(), rec.StartedAt.Unix(), rec.LastActivityAt.Unix(),
		rec.FailureReason, time.Now().Unix())
	return err
}

// Get returns one session record by id.
func (s *StateStore) Get(sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT session_id, workspace, branch_name, worktree_path, state, started_at, last_activity_at, COALESCE(failure_reason, '')
		FROM git_sessions WHERE session_id = ?`, sessionID)
	return scanRecord(row)
}

// Stale returns sessions for a workspace left active or committing by a
// prior process.
func (s *StateStore) Stale(workspace string) ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, workspace, branch_name, worktree_path, state, started_at, last_activity_at, COALESCE(failure_reason, '')
		FROM git_sessions
		WHERE workspace = ? AND state IN ('active', 'committing')
		ORDER BY started_at`, workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Latest returns the most recently started session for a workspace, or nil.
func (s *StateStore) Latest(workspace string) (*SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT session_id, workspace, branch_name, worktree_path, state, started_at, last_activity_at, COALESCE(failure_reason, '')
		FROM git_sessions
		WHERE workspace = ?
		ORDER BY started_at DESC LIMIT 1`, workspace)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func scanRecord(row *sql.Row) (*SessionRecord, error) {
	var rec SessionRecord
	var state string
	var startedAt, lastActivityAt int64
	err := row.Scan(&rec.SessionID, &rec.Workspace, &rec.BranchName, &rec.WorktreePath,
		&state, &startedAt, &lastActivityAt, &rec.FailureReason)
	if err != nil {
		return nil, err
	}
	rec.State = ParseState(state)
	rec.StartedAt = time.Unix(startedAt, 0)
	rec.LastActivityAt = time.Unix(lastActivityAt, 0)
	return &rec, nil
}

func scanRows(rows *sql.Rows) (*SessionRecord, error) {
	var rec SessionRecord
	var state string
	var startedAt, lastActivityAt int64
	err := rows.Scan(&rec.SessionID, &rec.Workspace, &rec.BranchName, &rec.WorktreePath,
		&state, &startedAt, &lastActivityAt, &rec.FailureReason)
	if err != nil {
		return nil, err
	}
	rec.State = ParseState(state)
	rec.StartedAt = time.Unix(startedAt, 0)
	rec.LastActivityAt = time.Unix(lastActivityAt, 0)
	return &rec, nil
}

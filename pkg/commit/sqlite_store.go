package commit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists commits in a local SQLite database. Writes are
// INSERT-only; the primary key constraint enforces immutability at the
// storage layer, independent of application logic.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS governance_commits (
    commit_id    TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    record_type  TEXT NOT NULL,
    requested_at TEXT NOT NULL,
    body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_session ON governance_commits(session_id);
`

// NewSQLiteStore opens (and if needed initializes) the commit database at
// the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open commit db: %w", err)
	}
	// Serialized access; the ledger holds a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init commit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, c *GovernanceCommit) error {
	if c.CommitID == "" {
		return errors.New("commit id is empty")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO governance_commits (commit_id, session_id, record_type, requested_at, body) VALUES (?, ?, ?, ?, ?)`,
		c.CommitID, c.SessionID, string(c.RecordType), c.RequestedAt.UTC().Format("2006-01-02T15:04:05.000000Z"), string(body),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: commit %s already recorded", ErrImmutabilityViolation, c.CommitID)
		}
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*GovernanceCommit, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM governance_commits WHERE commit_id = ?`, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query commit: %w", err)
	}

	var c GovernanceCommit
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", id, err)
	}
	return &c, nil
}

// Count returns the number of stored commits.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM governance_commits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: governance_commits.commit_id")
}

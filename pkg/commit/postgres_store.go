package commit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists commits in PostgreSQL for deployments where the
// ledger is shared across hosts. Same insert-only contract as SQLiteStore.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS governance_commits (
    commit_id    TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    record_type  TEXT NOT NULL,
    requested_at TIMESTAMPTZ NOT NULL,
    body         JSONB NOT NULL
)`

// NewPostgresStore connects with a lib/pq DSN and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open commit db: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init commit schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection. Used by tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, c *GovernanceCommit) error {
	if c.CommitID == "" {
		return errors.New("commit id is empty")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO governance_commits (commit_id, session_id, record_type, requested_at, body) VALUES ($1, $2, $3, $4, $5)`,
		c.CommitID, c.SessionID, string(c.RecordType), c.RequestedAt.UTC(), body,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: commit %s already recorded", ErrImmutabilityViolation, c.CommitID)
		}
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*GovernanceCommit, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM governance_commits WHERE commit_id = $1`, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query commit: %w", err)
	}

	var c GovernanceCommit
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

package anchor

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the durable sink for anchors. Append-only; there is no delete or
// update operation on purpose.
type Store interface {
	Append(ctx context.Context, r Record) error
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

// FileStore appends anchors as JSON lines. The file is only ever opened in
// append mode, so a crashed writer can at worst leave a truncated final line,
// which Load rejects.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create anchor dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode anchor: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open anchor log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write anchor: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) Load(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open anchor log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("anchor log line %d: %w", lineNo, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read anchor log: %w", err)
	}
	return records, nil
}

func (s *FileStore) Close() error { return nil }

// SQLiteStore keeps anchors in a SQLite table keyed by index, for
// deployments that already use SQLite for commits.
type SQLiteStore struct {
	db *sql.DB
}

const anchorSchema = `
CREATE TABLE IF NOT EXISTS anchors (
    idx  INTEGER PRIMARY KEY,
    body TEXT NOT NULL
)`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open anchor db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(anchorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init anchor schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode anchor: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO anchors (idx, body) VALUES (?, ?)`, r.Index, string(body),
	); err != nil {
		return fmt.Errorf("insert anchor %d: %w", r.Index, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM anchors ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		var r Record
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode anchor: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

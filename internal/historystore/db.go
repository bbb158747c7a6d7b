// Package historystore is the sole source of truth for job, item, and
// event state across restarts. It is the durable, thread-safe persistence
// layer described in spec.md §4.9: every observable state change is
// persisted in the same transaction as its corresponding event append.
package historystore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection. All writes funnel through
// writeMu so the store behaves as the single serialized writer spec.md
// §5 requires, while reads proceed concurrently against the same
// connection pool (WAL mode allows readers not to block on a writer).
type Store struct {
	conn    *sql.DB
	path    string
	writeMu sync.Mutex
}

// New creates (or opens) the history database at <stateDir>/downloads.db.
func New(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, "downloads.db")

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: dbPath}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the on-disk database path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		engine TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		priority INTEGER NOT NULL DEFAULT 1,
		position INTEGER NOT NULL,
		output_folder TEXT,
		options_blob TEXT,
		total_items INTEGER DEFAULT 0,
		completed_items INTEGER DEFAULT 0,
		failed_items INTEGER DEFAULT 0,
		skipped_items INTEGER DEFAULT 0,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_priority_position ON jobs(priority DESC, position ASC);

	CREATE TABLE IF NOT EXISTS items (
		job_id TEXT NOT NULL,
		item_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		file_path TEXT,
		bytes_total INTEGER DEFAULT 0,
		bytes_done INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, item_key),
		FOREIGN KEY (job_id) REFERENCES jobs(job_id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_job_id ON items(job_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		type TEXT NOT NULL,
		payload_blob TEXT,
		FOREIGN KEY (job_id) REFERENCES jobs(job_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_job_id ON events(job_id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Package history persists the status-event journal so operators can audit
// what the stream reported across reconnects.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one persisted status event.
type Record struct {
	ID         string
	TS         time.Time
	Generation uint64
	Kind       string
	Phase      string
	URL        string
	Message    string
	Crawled    int64
	Queued     int64
	Indexed    int64
	Errors     int64
	Progress   float64
}

// Store is a sqlite-backed event journal.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS crawl_events (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	generation INTEGER NOT NULL,
	kind TEXT NOT NULL,
	phase TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	crawled INTEGER NOT NULL DEFAULT 0,
	queued INTEGER NOT NULL DEFAULT 0,
	indexed INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_crawl_events_ts ON crawl_events(ts);
`

// Open opens (creating if necessary) the journal at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes a batch of records in one transaction.
func (s *Store) Append(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO crawl_events
		(id, ts, generation, kind, phase, url, message, crawled, queued, indexed, errors, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.TS.UnixMilli(), r.Generation, r.Kind, r.Phase, r.URL,
			r.Message, r.Crawled, r.Queued, r.Indexed, r.Errors, r.Progress,
		); err != nil {
			return fmt.Errorf("insert history record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, generation, kind, phase, url, message,
		       crawled, queued, indexed, errors, progress
		FROM crawl_events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&r.ID, &ts, &r.Generation, &r.Kind, &r.Phase, &r.URL,
			&r.Message, &r.Crawled, &r.Queued, &r.Indexed, &r.Errors, &r.Progress); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		r.TS = time.UnixMilli(ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history records: %w", err)
	}
	return out, nil
}

// Prune deletes records older than the cutoff.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM crawl_events WHERE ts < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune history rows affected: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close history database: %w", err)
	}
	return nil
}

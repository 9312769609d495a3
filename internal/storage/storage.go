// Package storage provides the embedded SQLite time-series engine. It owns
// the schema, write-on-change dedup, floor-merge price upserts, retention,
// and maintenance (WAL checkpoint, compaction).
//
// Concurrency discipline: all mutations go through a single writer connection
// guarded by one mutex; reads go through a separate read-only connection that
// does not block on the writer except during maintenance windows, when the
// read path is closed and re-established afterwards.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS series (
	id           INTEGER PRIMARY KEY,
	name         TEXT    NOT NULL,
	character_id INTEGER NOT NULL,
	UNIQUE (name, character_id)
);

CREATE TABLE IF NOT EXISTS points (
	series_id INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
	ts        INTEGER NOT NULL,
	value     INTEGER NOT NULL,
	PRIMARY KEY (series_id, ts)
);

CREATE TABLE IF NOT EXISTS characters (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS market_prices (
	item_id        INTEGER NOT NULL,
	world_id       INTEGER NOT NULL,
	min_listing_nq INTEGER,
	min_listing_hq INTEGER,
	last_sale_nq   INTEGER,
	last_sale_hq   INTEGER,
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (item_id, world_id)
);

CREATE TABLE IF NOT EXISTS sales (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id        INTEGER NOT NULL,
	world_id       INTEGER NOT NULL,
	hq             INTEGER NOT NULL,
	price_per_unit INTEGER NOT NULL,
	quantity       INTEGER NOT NULL,
	buyer          TEXT,
	ts             INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_points_ts ON points (ts);
CREATE INDEX IF NOT EXISTS idx_sales_item_world ON sales (item_id, world_id, ts);
`

// Store is the SQLite-backed time-series engine.
type Store struct {
	path    string
	writeMu sync.Mutex
	writeDB *sql.DB

	readMu sync.RWMutex
	readDB *sql.DB

	lastCheckpointMu sync.Mutex
	lastCheckpoint   time.Time
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	writeDB, err := openWriter(cleanPath)
	if err != nil {
		return nil, err
	}
	if _, err := writeDB.Exec(schema); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	readDB, err := openReader(cleanPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	return &Store{path: cleanPath, writeDB: writeDB, readDB: readDB}, nil
}

func openWriter(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	// One connection; writeMu serializes callers above it.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite writer: %w", err)
	}
	return db, nil
}

func openReader(path string) (*sql.DB, error) {
	dsn := path + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite reader: %w", err)
	}
	return db, nil
}

// Close closes both connections.
func (s *Store) Close() error {
	s.readMu.Lock()
	if s.readDB != nil {
		_ = s.readDB.Close()
		s.readDB = nil
	}
	s.readMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeDB == nil {
		return nil
	}
	err := s.writeDB.Close()
	s.writeDB = nil
	return err
}

// Reset drops all data and recreates the schema. Explicit maintenance
// operation; success is reported through the returned error.
func (s *Store) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeDB == nil {
		return fmt.Errorf("store is closed")
	}
	drop := `
DROP TABLE IF EXISTS points;
DROP TABLE IF EXISTS series;
DROP TABLE IF EXISTS characters;
DROP TABLE IF EXISTS market_prices;
DROP TABLE IF EXISTS sales;
`
	if _, err := s.writeDB.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	if _, err := s.writeDB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("recreate schema: %w", err)
	}
	return nil
}

// reader returns the current read connection. Maintenance may have closed it
// temporarily; callers get a descriptive error instead of a nil handle.
func (s *Store) reader() (*sql.DB, error) {
	s.readMu.RLock()
	defer s.readMu.RUnlock()
	if s.readDB == nil {
		return nil, fmt.Errorf("read connection is closed")
	}
	return s.readDB, nil
}

// withWriteTx runs fn inside one transaction on the writer connection. The
// whole batch commits or none of it does.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeDB == nil {
		return fmt.Errorf("store is closed")
	}
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

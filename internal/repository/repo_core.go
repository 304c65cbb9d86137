package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// Repository wraps the single-file SQLite database that holds all indexed
// state. A writer repository (Open) owns exactly one connection and is used
// by the ingester; the API uses a read-only repository (OpenReadOnly) whose
// connections reject any mutation at the engine level.
type Repository struct {
	db   *sql.DB
	path string
}

// Open creates (if needed) and opens the database for writing, applying WAL
// journaling and synchronous=NORMAL. Idempotent: the schema uses IF NOT EXISTS
// throughout.
func Open(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := "file:" + path + "?" + url.Values{
		"_busy_timeout": {"30000"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}.Encode()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer connection: SQLite serializes writers anyway, and a single
	// connection keeps transactions and pragmas on the same handle.
	db.SetMaxOpenConns(1)

	r := &Repository{db: db, path: path}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// OpenReadOnly opens an existing database for querying only. Writes are
// rejected by the engine (query_only pragma), so API handlers can never
// mutate indexed state.
func OpenReadOnly(path string) (*Repository, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	dsn := "file:" + path + "?" + url.Values{
		"_busy_timeout": {"15000"},
		"_query_only":   {"1"},
	}.Encode()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database read-only: %w", err)
	}
	return &Repository{db: db, path: path}, nil
}

// Path returns the filesystem path of the database file.
func (r *Repository) Path() string {
	return r.path
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS meta (
	  key TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocks (
	  height INTEGER PRIMARY KEY,
	  time TEXT,
	  proposer_address TEXT,
	  block_id_hash TEXT,
	  tx_count INTEGER NOT NULL,
	  block_json TEXT NOT NULL,
	  results_json TEXT NOT NULL,
	  indexed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS txs (
	  tx_hash TEXT PRIMARY KEY,
	  height INTEGER NOT NULL,
	  tx_index INTEGER NOT NULL,
	  code INTEGER,
	  gas_wanted INTEGER,
	  gas_used INTEGER,
	  tx_b64 TEXT,
	  raw_log TEXT,
	  events_json TEXT NOT NULL,
	  indexed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS txs_height_idx ON txs(height);

	CREATE TABLE IF NOT EXISTS events (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  height INTEGER NOT NULL,
	  tx_hash TEXT,
	  source TEXT NOT NULL,
	  event_index INTEGER NOT NULL,
	  event_type TEXT,
	  attributes_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS events_height_idx ON events(height);
	CREATE INDEX IF NOT EXISTS events_type_idx ON events(event_type);
	CREATE INDEX IF NOT EXISTS events_tx_hash_idx ON events(tx_hash);
	`
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Reserved meta keys.
const (
	MetaChainID           = "chain_id"
	MetaLastIndexedHeight = "last_indexed_height"
)

// MetaGet returns the value for key, reporting absence via ok=false.
func (r *Repository) MetaGet(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *Repository) MetaSet(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO meta(key,value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		key, value)
	return err
}

// MetaAll returns the full meta mapping.
func (r *Repository) MetaAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// LastIndexedHeight returns the resumption checkpoint, reporting absence (or
// an unparseable value) via ok=false.
func (r *Repository) LastIndexedHeight(ctx context.Context) (height int64, ok bool, err error) {
	raw, ok, err := r.MetaGet(ctx, MetaLastIndexedHeight)
	if err != nil || !ok {
		return 0, false, err
	}
	n, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// AdvanceLastIndexedHeight records a successful commit of height. The
// checkpoint is monotonic non-decreasing: reindexing an old height (via an
// explicit start-height override) never rewinds it.
func (r *Repository) AdvanceLastIndexedHeight(ctx context.Context, height int64) error {
	current, ok, err := r.LastIndexedHeight(ctx)
	if err != nil {
		return err
	}
	if ok && current >= height {
		return nil
	}
	return r.MetaSet(ctx, MetaLastIndexedHeight, strconv.FormatInt(height, 10))
}

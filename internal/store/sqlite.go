package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so record writes can run
// standalone or inside a consolidation transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{db}, nil
}

// WithTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema changes that were added after the
// initial schema. Each migration is idempotent so it is safe to call on every
// database open.
func runMigrations(db *sql.DB) error {
	// --- Migration v1: co-access statistics and query vocabulary ---
	v1 := []string{
		`CREATE TABLE IF NOT EXISTS co_access (
			a_id TEXT NOT NULL,
			b_id TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (a_id, b_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_co_access_b ON co_access(b_id)`,
		`CREATE TABLE IF NOT EXISTS vocabulary (
			term TEXT PRIMARY KEY,
			frequency INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, m := range v1 {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("run migration v1: %w", err)
		}
	}

	// --- Migration v2: repair queue for half-indexed records ---
	if err := runRepairMigration(db); err != nil {
		return err
	}

	// --- Migration v3: utility bookkeeping ---
	hasUtilityAt, err := columnExists(db, "records", "utility_updated_at")
	if err != nil {
		return fmt.Errorf("check utility_updated_at column: %w", err)
	}
	if !hasUtilityAt {
		if _, err := db.Exec(`ALTER TABLE records ADD COLUMN utility_updated_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("run migration v3: %w", err)
		}
	}

	// --- Migration v4: rotating scan cursors for batched passes ---
	for _, pass := range []ScanPass{ScanArchive, ScanConsolidate, ScanFixes} {
		ok, err := columnExists(db, "records", string(pass))
		if err != nil {
			return fmt.Errorf("check %s column: %w", pass, err)
		}
		if ok {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE records ADD COLUMN %s INTEGER NOT NULL DEFAULT 0`, pass)); err != nil {
			return fmt.Errorf("run migration v4: %w", err)
		}
	}

	return nil
}

// runRepairMigration creates the repair queue (Migration v2).
func runRepairMigration(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS repair_queue (
			record_id TEXT NOT NULL,
			index_name TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (record_id, index_name)
		)
	`)
	if err != nil {
		return fmt.Errorf("create repair_queue table: %w", err)
	}
	return nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS projects (
  name TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  last_activity_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
  id TEXT PRIMARY KEY,
  record_type TEXT NOT NULL,
  content TEXT NOT NULL,
  details TEXT,
  tags TEXT,
  project TEXT NOT NULL DEFAULT '',
  quality_score REAL NOT NULL DEFAULT 0,
  importance REAL NOT NULL DEFAULT 0,
  utility REAL NOT NULL DEFAULT 0,
  access_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  last_accessed_at INTEGER NOT NULL,
  importance_updated_at INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'episodic',
  pinned INTEGER NOT NULL DEFAULT 0,
  archived INTEGER NOT NULL DEFAULT 0,
  resolved INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 1,
  index_status TEXT NOT NULL DEFAULT 'pending',
  content_hash TEXT NOT NULL,
  embedding BLOB
);

CREATE INDEX IF NOT EXISTS idx_records_type ON records(record_type);
CREATE INDEX IF NOT EXISTS idx_records_project ON records(project);
CREATE INDEX IF NOT EXISTS idx_records_state ON records(state);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
CREATE INDEX IF NOT EXISTS idx_records_index_status ON records(index_status);
CREATE INDEX IF NOT EXISTS idx_records_importance_updated ON records(importance_updated_at);

CREATE TABLE IF NOT EXISTS vectors (
  id TEXT PRIMARY KEY,
  embedding BLOB NOT NULL,
  record_type TEXT NOT NULL,
  project TEXT NOT NULL DEFAULT '',
  tags TEXT,
  created_at INTEGER NOT NULL,
  archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS edges (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  source_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  edge_type TEXT NOT NULL,
  provenance TEXT NOT NULL,
  weight REAL NOT NULL DEFAULT 1.0,
  created_at INTEGER NOT NULL,
  FOREIGN KEY (source_id) REFERENCES records(id),
  FOREIGN KEY (target_id) REFERENCES records(id),
  UNIQUE(source_id, target_id, edge_type)
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);

CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  record_id TEXT NOT NULL,
  project TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  actor TEXT NOT NULL,
  detail TEXT,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(record_id);
CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_log(project);

CREATE TABLE IF NOT EXISTS job_state (
  name TEXT PRIMARY KEY,
  in_flight INTEGER NOT NULL DEFAULT 0,
  lease_until INTEGER NOT NULL DEFAULT 0,
  last_started_at INTEGER NOT NULL DEFAULT 0,
  last_finished_at INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  runs INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS embedding_cache (
  content_hash TEXT PRIMARY KEY,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  model TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	// The lexical index is a standalone FTS5 table written explicitly by the
	// dual-index writer, so it can diverge from records and be repaired.
	fts := `
CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
  id UNINDEXED, content, tags,
  tokenize = 'porter unicode61'
);
`
	if _, err := db.Exec(fts); err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}

	return nil
}

// RecordCount returns the number of non-purged records in the database.
func (db *DB) RecordCount(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE state != 'purged'").Scan(&count)
	return count, err
}

// columnExists checks if a column exists in a table. It properly closes the
// rows cursor before returning, avoiding deadlocks with MaxOpenConns(1).
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(
		fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}

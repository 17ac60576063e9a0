// Package state provides SQLite-based persistence for backlogd.
// Each project owns a single features.db in its root directory holding
// the feature backlog, the status-change audit log, agent records, and
// feature dependency edges.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DBFileName is the name of the per-project database file.
const DBFileName = "features.db"

// DB wraps an SQLite database connection with backlogd-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// ProjectDBPath returns the path to a project's database file.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, DBFileName)
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	return db, nil
}

// OpenProject opens (and migrates) the database in a project root.
func OpenProject(projectRoot string) (*DB, error) {
	db, err := Open(ProjectDBPath(projectRoot))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate creates missing tables and applies column-add migrations.
// Column adds keep databases created by older releases loadable: any
// missing column from the features set is added with new-row defaults.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, stmt := range []string{
		schemaFeatures,
		schemaStatusChangeLog,
		schemaAgents,
		schemaFeatureDependencies,
	} {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	return db.migrateAddColumns()
}

// migrateAddColumns adds columns introduced after the initial schema.
func (db *DB) migrateAddColumns() error {
	rows, err := db.conn.Query("PRAGMA table_info(features)")
	if err != nil {
		return fmt.Errorf("read features schema: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scan features schema: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read features schema: %w", err)
	}

	migrations := []struct {
		column string
		sql    string
	}{
		{"in_progress", "ALTER TABLE features ADD COLUMN in_progress BOOLEAN NOT NULL DEFAULT 0"},
		{"assigned_to_agent_id", "ALTER TABLE features ADD COLUMN assigned_to_agent_id TEXT"},
		{"attempt_count", "ALTER TABLE features ADD COLUMN attempt_count INTEGER NOT NULL DEFAULT 0"},
		{"verification_command", "ALTER TABLE features ADD COLUMN verification_command TEXT"},
		{"verification_evidence", "ALTER TABLE features ADD COLUMN verification_evidence TEXT"},
		{"marked_passing_at", "ALTER TABLE features ADD COLUMN marked_passing_at TEXT"},
	}

	for _, m := range migrations {
		if existing[m.column] {
			continue
		}
		if _, err := db.conn.Exec(m.sql); err != nil {
			return fmt.Errorf("add column %s: %w", m.column, err)
		}
	}

	return nil
}

// Schema statements
const schemaFeatures = `
CREATE TABLE IF NOT EXISTS features (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	priority INTEGER NOT NULL DEFAULT 999,
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	steps TEXT NOT NULL,
	passes BOOLEAN NOT NULL DEFAULT 0,
	in_progress BOOLEAN NOT NULL DEFAULT 0,
	assigned_to_agent_id TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	verification_command TEXT,
	verification_evidence TEXT,
	marked_passing_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_features_priority ON features(priority);
CREATE INDEX IF NOT EXISTS idx_features_passes ON features(passes);
CREATE INDEX IF NOT EXISTS idx_features_in_progress ON features(in_progress);
`

const schemaStatusChangeLog = `
CREATE TABLE IF NOT EXISTS status_change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feature_id INTEGER NOT NULL,
	feature_name TEXT NOT NULL,
	old_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	evidence TEXT,
	verification_output TEXT,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_change_log_feature_id ON status_change_log(feature_id);
`

const schemaAgents = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	project_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'stopped',
	model TEXT NOT NULL DEFAULT '',
	yolo_mode BOOLEAN NOT NULL DEFAULT 0,
	pid INTEGER,
	created_at TEXT NOT NULL,
	started_at TEXT,
	last_heartbeat TEXT,
	current_feature_id INTEGER
);

CREATE INDEX IF NOT EXISTS idx_agents_project_name ON agents(project_name);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
`

const schemaFeatureDependencies = `
CREATE TABLE IF NOT EXISTS feature_dependencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feature_id INTEGER NOT NULL,
	depends_on_id INTEGER NOT NULL,
	dependency_type TEXT NOT NULL DEFAULT 'blocks',
	notes TEXT,
	created_at TEXT NOT NULL,
	UNIQUE(feature_id, depends_on_id)
);

CREATE INDEX IF NOT EXISTS idx_feature_dependencies_feature_id ON feature_dependencies(feature_id);
CREATE INDEX IF NOT EXISTS idx_feature_dependencies_depends_on_id ON feature_dependencies(depends_on_id);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// FormatTime formats a time.Time for SQLite storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses a time string from SQLite.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// ParseNullableTime parses a nullable time string from SQLite.
func ParseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

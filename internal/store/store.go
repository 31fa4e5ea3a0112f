// Package store implements the relational persistence layer over SQLite.
//
// One Store owns the database handle and a single commit lock. Workers get
// their own Session values; every write funnels through the shared lock so
// concurrent rule bodies can commit safely. Reads go straight to the pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"womflow/internal/model"
	"womflow/internal/womerror"
)

// Store wraps the sqlite database holding workflow state.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // commit lock, shared by every session
	dbPath string
	log    *zap.Logger
}

// Open initializes the database at the given path, creating the schema and
// seeding the role table. Pass ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to create database directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, womerror.Wrap(womerror.PersistenceFailure, err, "failed to open database")
	}
	// The shared commit lock serializes writes; a second connection would
	// only trip sqlite's own locking.
	db.SetMaxOpenConns(1)

	st := &Store{db: db, dbPath: path, log: logger}
	if err := st.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS wom_execution (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT NOT NULL DEFAULT 'RUNNING'
		);`,
		`CREATE TABLE IF NOT EXISTS wom_type_input_or_output (
			is_input INTEGER PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS wom_rule (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			tool TEXT NOT NULL,
			execution_id INTEGER NOT NULL REFERENCES wom_execution(id),
			started_at INTEGER,
			finished_at INTEGER,
			duration_ms INTEGER,
			status TEXT NOT NULL DEFAULT 'NOT_EXECUTED'
		);
		CREATE INDEX IF NOT EXISTS idx_rule_execution ON wom_rule(execution_id);
		CREATE INDEX IF NOT EXISTS idx_rule_name ON wom_rule(name);`,
		`CREATE TABLE IF NOT EXISTS wom_file_iio (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL REFERENCES wom_rule(id),
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			is_input INTEGER NOT NULL REFERENCES wom_type_input_or_output(is_input),
			mtime_epoch_millis INTEGER,
			size INTEGER,
			used_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_file_rule ON wom_file_iio(rule_id);`,
		`CREATE TABLE IF NOT EXISTS wom_modification_table (
			table_name TEXT PRIMARY KEY,
			modified_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS wom_table_iio (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL REFERENCES wom_rule(id),
			name TEXT NOT NULL,
			tablename TEXT NOT NULL,
			model TEXT NOT NULL,
			is_input INTEGER NOT NULL REFERENCES wom_type_input_or_output(is_input),
			modification_table_name TEXT REFERENCES wom_modification_table(table_name),
			used_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_table_rule ON wom_table_iio(rule_id);`,
		`CREATE TABLE IF NOT EXISTS wom_option (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL REFERENCES wom_rule(id),
			name TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_option_rule ON wom_option(rule_id);`,
		// The role table carries exactly two rows.
		`INSERT OR IGNORE INTO wom_type_input_or_output (is_input) VALUES (1), (0);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return womerror.Wrap(womerror.PersistenceFailure, err, "failed to initialize schema")
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string { return s.dbPath }

// ExecDDL runs a schema statement (user table creation) under the commit
// lock. Used by the binder's schema session only.
func (s *Store) ExecDDL(ctx context.Context, ddl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return womerror.Wrap(womerror.PersistenceFailure, err, "failed to execute DDL")
	}
	return nil
}

// roleToInt maps a descriptor role onto the wom_type_input_or_output key.
func roleToInt(role model.Role) int {
	if role == model.RoleInput {
		return 1
	}
	return 0
}

// TableCount returns the number of rows in a user table.
func (s *Store) TableCount(ctx context.Context, tableName string) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %q", tableName)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, womerror.Wrap(womerror.PersistenceFailure, err, "failed to count table "+tableName)
	}
	return n, nil
}

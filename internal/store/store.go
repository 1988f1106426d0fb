// Package store persists accounts, sessions, per-session hook overrides,
// usage records, and task mappings in a local sqlite database.
//
// DESIGN: a single *sql.DB with WAL journaling. sqlite serializes writers
// internally, so methods here stay free of process-level locks except where
// multi-statement atomicity is required (account activation uses one
// transaction so readers never observe zero or two active accounts).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	base_url    TEXT NOT NULL,
	credential  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	account_id       TEXT,
	model_override   TEXT,
	last_message     TEXT,
	created_at       INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	request_count    INTEGER NOT NULL DEFAULT 0,
	input_tokens     INTEGER NOT NULL DEFAULT 0,
	output_tokens    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_hook_overrides (
	session_id                 TEXT PRIMARY KEY,
	api_logging                INTEGER,
	compaction_injection       INTEGER,
	custom_tasks               INTEGER,
	summarization_instructions TEXT,
	context_injection          TEXT
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     INTEGER NOT NULL,
	account_id    TEXT,
	session_id    TEXT,
	model         TEXT,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	request_path  TEXT,
	status_code   INTEGER NOT NULL DEFAULT 0,
	stop_reason   TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_session ON usage_logs(session_id);
CREATE INDEX IF NOT EXISTS idx_usage_logs_timestamp ON usage_logs(timestamp);

CREATE TABLE IF NOT EXISTS task_mappings (
	session_id TEXT PRIMARY KEY,
	todo_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SchemaVersion is stamped into the config table on first open. A database
// stamped with a different version belongs to an incompatible build and is
// refused rather than silently migrated.
const SchemaVersion = "1"

const schemaVersionKey = "schema_version"

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	st := &Store{db: db}
	if err := st.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("database opened")
	return st, nil
}

func (s *Store) checkSchemaVersion() error {
	v, err := s.GetConfig(schemaVersionKey)
	if errors.Is(err, ErrNotFound) {
		return s.SetConfig(schemaVersionKey, SchemaVersion)
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != SchemaVersion {
		return fmt.Errorf("database schema version %s, expected %s", v, SchemaVersion)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowUnix() int64 {
	return time.Now().Unix()
}

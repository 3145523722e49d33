// Package sqlite implements the store interfaces on an embedded SQLite
// database (modernc.org/sqlite, no cgo). The schema is created on open, so a
// standalone hub needs no migration step. Timestamps are stored as unix
// milliseconds to keep scanning driver-independent.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hivemesh/hivehub/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS config_systems (
	system_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	backup_frequency_s INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS config_snapshots (
	id TEXT PRIMARY KEY,
	system_id TEXT NOT NULL REFERENCES config_systems(system_id),
	config_type TEXT NOT NULL,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	file_path TEXT,
	agent_id TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	size INTEGER NOT NULL,
	tags TEXT
);
CREATE INDEX IF NOT EXISTS idx_snapshots_system_ts ON config_snapshots(system_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_hash ON config_snapshots(content_hash);

CREATE TABLE IF NOT EXISTS config_diffs (
	id TEXT PRIMARY KEY,
	snapshot_before TEXT NOT NULL,
	snapshot_after TEXT NOT NULL,
	system_id TEXT NOT NULL,
	diff_text TEXT NOT NULL,
	lines_added INTEGER NOT NULL,
	lines_removed INTEGER NOT NULL,
	change_type TEXT NOT NULL,
	risk_score REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diffs_system_created ON config_diffs(system_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_diffs_risk ON config_diffs(risk_score);

CREATE TABLE IF NOT EXISTS config_alerts (
	id TEXT PRIMARY KEY,
	system_id TEXT NOT NULL,
	diff_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	drift_type TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	acknowledged_at INTEGER,
	UNIQUE(system_id, diff_id)
);

CREATE TABLE IF NOT EXISTS agent_registry (
	agent_id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	role TEXT NOT NULL,
	capabilities TEXT,
	status TEXT NOT NULL,
	current_workload INTEGER NOT NULL DEFAULT 0,
	max_workload INTEGER NOT NULL DEFAULT 5,
	registered_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_agents_last_seen ON agent_registry(last_seen);

CREATE TABLE IF NOT EXISTS agent_tasks (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	task TEXT NOT NULL,
	capabilities TEXT,
	priority TEXT NOT NULL,
	deadline INTEGER,
	status TEXT NOT NULL,
	memory_id TEXT,
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent_created ON agent_tasks(agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);
`

// OpenDB opens (and if needed creates) the embedded database.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

// NewStores creates all relational stores backed by SQLite.
func NewStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Backup: NewBackupStore(db),
		Agents: NewAgentStore(db),
		Ping:   db.PingContext,
		Close:  db.Close,
	}, nil
}

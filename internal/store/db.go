// Package store is the durable state layer (spec.md §3, C1). It is
// backed by a single embedded SQLite database (modernc.org/sqlite,
// pure Go, no cgo) opened with a single-connection pool so that all
// writers serialize through one connection — the same discipline
// nevindra-oasis/store/sqlite/sqlite.go documents for its zero-cgo
// store: "all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections."
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DB wraps the shared *sql.DB handle plus the derived sub-stores for
// every persistent entity in spec.md §3. It is the single owner of
// write access to the database file.
type DB struct {
	sql *sql.DB

	Chats     *ChatStore
	Tasks     *TaskStore
	Jobs      *JobStore
	Audit     *AuditStore
	Workflows *WorkflowStore
	Groups    *GroupSessionStore
}

// Open creates (or opens) the SQLite database at path, applies
// PRAGMAs, and runs the additive migration set. Matching the
// teacher-adjacent oasis store's New()+Init() split, collapsed into
// one call since dotclaw's schema has no optional components.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=3000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if err := migrate(sqlDB); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db := &DB{sql: sqlDB}
	db.Chats = &ChatStore{db: sqlDB}
	db.Tasks = &TaskStore{db: sqlDB}
	db.Jobs = &JobStore{db: sqlDB}
	db.Audit = &AuditStore{db: sqlDB}
	db.Workflows = &WorkflowStore{db: sqlDB}
	db.Groups = &GroupSessionStore{db: sqlDB}
	return db, nil
}

// Raw exposes the underlying *sql.DB for packages (memory, in
// particular) that own their own table set but share this connection
// pool and transactional discipline.
func (d *DB) Raw() *sql.DB { return d.sql }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// createTableStatements are idempotent CREATE TABLE IF NOT EXISTS
// statements for every entity in spec.md §3, plus the indexes spec.md
// §4.1 requires.
var createTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		display_name TEXT,
		last_activity_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		msg_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		sender_id TEXT,
		sender_name TEXT,
		body TEXT NOT NULL,
		ts INTEGER NOT NULL,
		from_self INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (msg_id, chat_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	`CREATE TABLE IF NOT EXISTS chat_cursors (
		chat_id TEXT PRIMARY KEY,
		last_seen_ts INTEGER NOT NULL,
		last_seen_msg_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_kind TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		schedule_timezone TEXT,
		context_mode TEXT NOT NULL DEFAULT 'group',
		next_run INTEGER,
		last_run INTEGER,
		last_result TEXT,
		state TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		status TEXT NOT NULL DEFAULT 'active'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(next_run, status)`,
	`CREATE TABLE IF NOT EXISTS task_run_logs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
		run_at INTEGER NOT NULL,
		ok INTEGER NOT NULL,
		result TEXT,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_run_logs_task_run ON task_run_logs(task_id, run_at)`,
	`CREATE TABLE IF NOT EXISTS background_jobs (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		context_mode TEXT NOT NULL DEFAULT 'isolated',
		status TEXT NOT NULL DEFAULT 'queued',
		timeout_ms INTEGER,
		max_tool_steps INTEGER,
		tool_policy_json TEXT,
		model_override TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		tags TEXT,
		parent_trace_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		lease_expires_at INTEGER,
		last_error TEXT,
		result_summary TEXT,
		output_path TEXT,
		output_truncated INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_background_jobs_claim ON background_jobs(status, priority, created_at)`,
	`CREATE TABLE IF NOT EXISTS background_job_events (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES background_jobs(id) ON DELETE CASCADE,
		level TEXT NOT NULL,
		message TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_background_job_events_job ON background_job_events(job_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS tool_audit (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		chat_id TEXT,
		"group" TEXT NOT NULL,
		user_id TEXT,
		tool_name TEXT NOT NULL,
		ok INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		source TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_audit_trace ON tool_audit(trace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_audit_group_created ON tool_audit("group", created_at)`,
	`CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		scope TEXT NOT NULL,
		subject_id TEXT,
		type TEXT NOT NULL,
		kind TEXT NOT NULL,
		conflict_key TEXT,
		content TEXT NOT NULL,
		normalized TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		confidence REAL NOT NULL DEFAULT 0.5,
		tags TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_accessed_at INTEGER,
		expires_at INTEGER,
		source TEXT,
		metadata TEXT,
		embedding TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_scope ON memory_items("group", scope, subject_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_conflict ON memory_items("group", scope, subject_id, type, conflict_key)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(
		item_id UNINDEXED, normalized, tags_text
	)`,
	`CREATE TABLE IF NOT EXISTS memory_sources (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		type TEXT NOT NULL,
		path TEXT,
		hash TEXT,
		indexed_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS group_sessions (
		"group" TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		chat_id TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		finished_at INTEGER,
		aggregated_result TEXT,
		last_error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_step_results (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		result_summary TEXT,
		last_error TEXT,
		job_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_steps_run ON workflow_step_results(run_id, id)`,
}

// additiveColumns lists ALTER TABLE ADD COLUMN statements applied
// best-effort on every startup, matching spec.md §4.1's "attempt ADD
// COLUMN; ignore already exists" discipline and the teacher-adjacent
// oasis store's `_, _ = db.ExecContext(ctx, "ALTER TABLE ... ADD
// COLUMN ...")` pattern. New columns are appended here over time;
// never renamed or removed.
var additiveColumns = []string{
	`ALTER TABLE scheduled_tasks ADD COLUMN schedule_timezone TEXT`,
}

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range createTableStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create: %w (stmt=%s)", err, stmt)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Additive columns run outside the transaction, one statement at a
	// time, so a single "duplicate column" failure on an
	// already-migrated database does not abort the others.
	for _, stmt := range additiveColumns {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumnErr(err) {
			return fmt.Errorf("add column: %w (stmt=%s)", err, stmt)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

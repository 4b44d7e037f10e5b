package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all scheduler tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname   TEXT NOT NULL UNIQUE,
		status     TEXT NOT NULL DEFAULT 'Ready',
		locked     INTEGER NOT NULL DEFAULT 0,
		invalid    INTEGER NOT NULL DEFAULT 0,
		dirty      INTEGER NOT NULL DEFAULT 0,
		labels     TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		name                    TEXT NOT NULL,
		owner                   TEXT NOT NULL DEFAULT '',
		priority                INTEGER NOT NULL DEFAULT 0,
		control_file            TEXT NOT NULL DEFAULT '',
		sync_count              INTEGER NOT NULL DEFAULT 1,
		run_reset               INTEGER NOT NULL DEFAULT 0,
		run_verify              INTEGER NOT NULL DEFAULT 0,
		max_runtime_mins        INTEGER NOT NULL DEFAULT 0,
		drone_hostnames_allowed TEXT NOT NULL DEFAULT '[]',
		created_at              TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS queue_entries (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id           INTEGER NOT NULL REFERENCES jobs(id),
		host_id          INTEGER REFERENCES hosts(id),
		meta_host_label  TEXT NOT NULL DEFAULT '',
		atomic_group_id  INTEGER,
		status           TEXT NOT NULL DEFAULT 'Queued',
		active           INTEGER NOT NULL DEFAULT 0,
		complete         INTEGER NOT NULL DEFAULT 0,
		aborted          INTEGER NOT NULL DEFAULT 0,
		execution_subdir TEXT NOT NULL DEFAULT '',
		wait_until       TEXT,
		started_on       TEXT,
		finished_on      TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS special_tasks (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id        INTEGER NOT NULL REFERENCES hosts(id),
		kind           TEXT NOT NULL,
		queue_entry_id INTEGER REFERENCES queue_entries(id),
		is_active      INTEGER NOT NULL DEFAULT 0,
		is_complete    INTEGER NOT NULL DEFAULT 0,
		is_aborted     INTEGER NOT NULL DEFAULT 0,
		success        INTEGER NOT NULL DEFAULT 0,
		requested_at   TEXT NOT NULL,
		started_at     TEXT,
		finished_at    TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS atomic_groups (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name      TEXT NOT NULL,
		label     TEXT NOT NULL,
		max_hosts INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS recurring_runs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     INTEGER NOT NULL REFERENCES jobs(id),
		owner      TEXT NOT NULL DEFAULT '',
		schedule   TEXT NOT NULL,
		next_run   TEXT NOT NULL,
		loop_count INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE INDEX IF NOT EXISTS idx_queue_entries_status ON queue_entries(status)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_job_id ON queue_entries(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_host_id ON queue_entries(host_id)`,
	// Compound index for the aborting scan (aborted, complete)
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_aborted ON queue_entries(aborted, complete)`,
	`CREATE INDEX IF NOT EXISTS idx_special_tasks_host_id ON special_tasks(host_id)`,
	`CREATE INDEX IF NOT EXISTS idx_special_tasks_flags ON special_tasks(is_active, is_complete)`,
	`CREATE INDEX IF NOT EXISTS idx_hosts_status ON hosts(status)`,
	`CREATE INDEX IF NOT EXISTS idx_recurring_runs_next_run ON recurring_runs(next_run)`,
}

// migrate applies all schema statements in order.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

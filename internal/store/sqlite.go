package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/labsched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a
// Store. Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance; external
	// actors (frontend, operator tools) read the same file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- time helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// --- Hosts ---

func (s *SQLiteStore) CreateHost(ctx context.Context, h *model.Host) error {
	s.logger.Debug("sql", "op", "insert", "table", "hosts", "hostname", h.Hostname)

	labelsJSON, err := json.Marshal(h.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	if h.Status == "" {
		h.Status = model.HostReady
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (hostname, status, locked, invalid, dirty, labels, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.Hostname, string(h.Status), h.Locked, h.Invalid, h.Dirty,
		string(labelsJSON), fmtTime(h.CreatedAt),
	)
	if err != nil {
		return err
	}
	h.ID, err = result.LastInsertId()
	return err
}

const hostColumns = `id, hostname, status, locked, invalid, dirty, labels, created_at`

func (s *SQLiteStore) scanHost(row scanner) (*model.Host, error) {
	var h model.Host
	var status, labelsJSON, createdAt string

	err := row.Scan(&h.ID, &h.Hostname, &status, &h.Locked, &h.Invalid, &h.Dirty,
		&labelsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h.Status = model.HostStatus(status)
	json.Unmarshal([]byte(labelsJSON), &h.Labels)
	h.CreatedAt = parseTime(createdAt)
	return &h, nil
}

func (s *SQLiteStore) GetHost(ctx context.Context, id int64) (*model.Host, error) {
	s.logger.Debug("sql", "op", "select", "table", "hosts", "id", id)
	return s.scanHost(s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
}

func (s *SQLiteStore) UpdateHostStatus(ctx context.Context, id int64, status model.HostStatus) error {
	s.logger.Debug("sql", "op", "update_status", "table", "hosts", "id", id, "status", status)

	result, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("host %d not found", id)
	}
	return nil
}

func (s *SQLiteStore) SetHostDirty(ctx context.Context, id int64, dirty bool) error {
	s.logger.Debug("sql", "op", "update_dirty", "table", "hosts", "id", id, "dirty", dirty)

	result, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET dirty = ? WHERE id = ?`, dirty, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("host %d not found", id)
	}
	return nil
}

func (s *SQLiteStore) ListSchedulableHostsInStatus(ctx context.Context, statuses ...model.HostStatus) ([]*model.Host, error) {
	s.logger.Debug("sql", "op", "list_by_status", "table", "hosts", "statuses", statuses)

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts
		 WHERE locked = 0 AND invalid = 0 AND status IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		h, err := s.scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (s *SQLiteStore) ListReadyHostsWithLabel(ctx context.Context, label string) ([]*model.Host, error) {
	s.logger.Debug("sql", "op", "list_by_label", "table", "hosts", "label", label)

	// Labels are stored as a JSON array; candidates are narrowed in SQL by a
	// containment check on the serialized form and confirmed after scanning.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts h
		 WHERE h.locked = 0 AND h.invalid = 0 AND h.status = 'Ready'
		   AND h.labels LIKE ?
		   AND NOT EXISTS (SELECT 1 FROM queue_entries e WHERE e.host_id = h.id AND e.active)
		 ORDER BY h.id`, `%"`+label+`"%`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		h, err := s.scanHost(rows)
		if err != nil {
			return nil, err
		}
		if h.HasLabel(label) {
			hosts = append(hosts, h)
		}
	}
	return hosts, rows.Err()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "name", j.Name)

	dronesJSON, err := json.Marshal(j.DroneHostnamesAllowed)
	if err != nil {
		return fmt.Errorf("marshal drone_hostnames_allowed: %w", err)
	}
	if j.SyncCount == 0 {
		j.SyncCount = 1
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, owner, priority, control_file, sync_count,
		 run_reset, run_verify, max_runtime_mins, drone_hostnames_allowed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Name, j.Owner, j.Priority, j.ControlFile, j.SyncCount,
		j.RunReset, j.RunVerify, j.MaxRuntimeMins, string(dronesJSON),
		fmtTime(j.CreatedAt),
	)
	if err != nil {
		return err
	}
	j.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	var j model.Job
	var dronesJSON, createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner, priority, control_file, sync_count,
		 run_reset, run_verify, max_runtime_mins, drone_hostnames_allowed, created_at
		 FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Name, &j.Owner, &j.Priority, &j.ControlFile, &j.SyncCount,
		&j.RunReset, &j.RunVerify, &j.MaxRuntimeMins, &dronesJSON, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(dronesJSON), &j.DroneHostnamesAllowed)
	j.CreatedAt = parseTime(createdAt)
	return &j, nil
}

// --- Queue entries ---

const entryColumns = `id, job_id, host_id, meta_host_label, atomic_group_id,
	 status, active, complete, aborted, execution_subdir, wait_until,
	 started_on, finished_on`

const entryColumnsE = `e.id, e.job_id, e.host_id, e.meta_host_label, e.atomic_group_id,
	 e.status, e.active, e.complete, e.aborted, e.execution_subdir, e.wait_until,
	 e.started_on, e.finished_on`

func (s *SQLiteStore) CreateQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	s.logger.Debug("sql", "op", "insert", "table", "queue_entries", "job_id", e.JobID)

	if e.Status == "" {
		e.SetStatus(model.StatusQueued)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (job_id, host_id, meta_host_label, atomic_group_id,
		 status, active, complete, aborted, execution_subdir, wait_until, started_on, finished_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.HostID, e.MetaHostLabel, e.AtomicGroupID,
		string(e.Status), e.Active, e.Complete, e.Aborted, e.ExecutionSubdir,
		fmtTimePtr(e.WaitUntil), fmtTimePtr(e.StartedOn), fmtTimePtr(e.FinishedOn),
	)
	if err != nil {
		return err
	}
	e.ID, err = result.LastInsertId()
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanEntry(row scanner) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var status string
	var waitUntil, startedOn, finishedOn *string

	err := row.Scan(&e.ID, &e.JobID, &e.HostID, &e.MetaHostLabel, &e.AtomicGroupID,
		&status, &e.Active, &e.Complete, &e.Aborted, &e.ExecutionSubdir,
		&waitUntil, &startedOn, &finishedOn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.Status = model.Status(status)
	e.WaitUntil = parseTimePtr(waitUntil)
	e.StartedOn = parseTimePtr(startedOn)
	e.FinishedOn = parseTimePtr(finishedOn)
	return &e, nil
}

func (s *SQLiteStore) scanEntries(rows *sql.Rows) ([]*model.QueueEntry, error) {
	var entries []*model.QueueEntry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) GetQueueEntry(ctx context.Context, id int64) (*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "select", "table", "queue_entries", "id", id)
	return s.scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id))
}

func (s *SQLiteStore) UpdateQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	s.logger.Debug("sql", "op", "update", "table", "queue_entries", "id", e.ID, "status", e.Status)

	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET host_id=?, meta_host_label=?, atomic_group_id=?,
		 status=?, active=?, complete=?, aborted=?, execution_subdir=?,
		 wait_until=?, started_on=?, finished_on=? WHERE id=?`,
		e.HostID, e.MetaHostLabel, e.AtomicGroupID,
		string(e.Status), e.Active, e.Complete, e.Aborted, e.ExecutionSubdir,
		fmtTimePtr(e.WaitUntil), fmtTimePtr(e.StartedOn), fmtTimePtr(e.FinishedOn), e.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("queue entry %d not found", e.ID)
	}
	return nil
}

func (s *SQLiteStore) CloneQueueEntry(ctx context.Context, e *model.QueueEntry) (*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "clone", "table", "queue_entries", "id", e.ID)

	clone := *e
	clone.ID = 0
	if err := s.CreateQueueEntry(ctx, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (s *SQLiteStore) ListEntriesByJob(ctx context.Context, jobID int64) ([]*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "list_by_job", "table", "queue_entries", "job_id", jobID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *SQLiteStore) ListEntriesInStatus(ctx context.Context, statuses ...model.Status) ([]*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "list_by_status", "table", "queue_entries", "statuses", statuses)

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *SQLiteStore) ListAbortedIncompleteEntries(ctx context.Context) ([]*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "list_aborted", "table", "queue_entries")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE aborted = 1 AND complete = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *SQLiteStore) ListNewQueueEntries(ctx context.Context) ([]*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "list_new", "table", "queue_entries")

	// Admission order: job priority first, then entries that already hold a
	// host, then entries with a meta-host, oldest job last as tie-break.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumnsE+`
		 FROM queue_entries e INNER JOIN jobs j ON e.job_id = j.id
		 WHERE e.status = 'Queued' AND e.complete = 0 AND e.active = 0
		 ORDER BY j.priority DESC, e.host_id IS NULL, e.meta_host_label = '', e.job_id, e.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *SQLiteStore) ActiveEntryForHost(ctx context.Context, hostID int64) (*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "active_for_host", "table", "queue_entries", "host_id", hostID)
	return s.scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE host_id = ? AND active = 1 LIMIT 1`, hostID))
}

func (s *SQLiteStore) ListExpiredRunningEntries(ctx context.Context, now time.Time) ([]*model.QueueEntry, error) {
	s.logger.Debug("sql", "op", "list_expired", "table", "queue_entries")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumnsE+`, j.max_runtime_mins
		 FROM queue_entries e INNER JOIN jobs j ON e.job_id = j.id
		 WHERE e.active = 1 AND e.complete = 0 AND e.aborted = 0
		   AND j.max_runtime_mins > 0 AND e.started_on IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var status string
		var waitUntil, startedOn, finishedOn *string
		var maxRuntimeMins int

		if err := rows.Scan(&e.ID, &e.JobID, &e.HostID, &e.MetaHostLabel, &e.AtomicGroupID,
			&status, &e.Active, &e.Complete, &e.Aborted, &e.ExecutionSubdir,
			&waitUntil, &startedOn, &finishedOn, &maxRuntimeMins); err != nil {
			return nil, err
		}

		e.Status = model.Status(status)
		e.WaitUntil = parseTimePtr(waitUntil)
		e.StartedOn = parseTimePtr(startedOn)
		e.FinishedOn = parseTimePtr(finishedOn)

		deadline := e.StartedOn.Add(time.Duration(maxRuntimeMins) * time.Minute)
		if !now.Before(deadline) {
			expired = append(expired, &e)
		}
	}
	return expired, rows.Err()
}

func (s *SQLiteStore) MarkEntryAborted(ctx context.Context, id int64) error {
	s.logger.Debug("sql", "op", "mark_aborted", "table", "queue_entries", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET aborted = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}
	return nil
}

// --- Special tasks ---

const taskColumns = `id, host_id, kind, queue_entry_id, is_active, is_complete,
	 is_aborted, success, requested_at, started_at, finished_at`

const taskColumnsT = `t.id, t.host_id, t.kind, t.queue_entry_id, t.is_active, t.is_complete,
	 t.is_aborted, t.success, t.requested_at, t.started_at, t.finished_at`

func (s *SQLiteStore) CreateSpecialTask(ctx context.Context, t *model.SpecialTask) error {
	s.logger.Debug("sql", "op", "insert", "table", "special_tasks", "host_id", t.HostID, "kind", t.Kind)

	if t.RequestedAt.IsZero() {
		t.RequestedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO special_tasks (host_id, kind, queue_entry_id, is_active,
		 is_complete, is_aborted, success, requested_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.HostID, string(t.Kind), t.QueueEntryID, t.IsActive,
		t.IsComplete, t.IsAborted, t.Success,
		fmtTime(t.RequestedAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.FinishedAt),
	)
	if err != nil {
		return err
	}
	t.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) scanSpecialTask(row scanner) (*model.SpecialTask, error) {
	var t model.SpecialTask
	var kind, requestedAt string
	var startedAt, finishedAt *string

	err := row.Scan(&t.ID, &t.HostID, &kind, &t.QueueEntryID, &t.IsActive,
		&t.IsComplete, &t.IsAborted, &t.Success,
		&requestedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Kind = model.TaskKind(kind)
	t.RequestedAt = parseTime(requestedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.FinishedAt = parseTimePtr(finishedAt)
	return &t, nil
}

func (s *SQLiteStore) scanSpecialTasks(rows *sql.Rows) ([]*model.SpecialTask, error) {
	var tasks []*model.SpecialTask
	for rows.Next() {
		t, err := s.scanSpecialTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) GetSpecialTask(ctx context.Context, id int64) (*model.SpecialTask, error) {
	s.logger.Debug("sql", "op", "select", "table", "special_tasks", "id", id)
	return s.scanSpecialTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM special_tasks WHERE id = ?`, id))
}

func (s *SQLiteStore) UpdateSpecialTask(ctx context.Context, t *model.SpecialTask) error {
	s.logger.Debug("sql", "op", "update", "table", "special_tasks", "id", t.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE special_tasks SET is_active=?, is_complete=?, is_aborted=?,
		 success=?, started_at=?, finished_at=? WHERE id=?`,
		t.IsActive, t.IsComplete, t.IsAborted, t.Success,
		fmtTimePtr(t.StartedAt), fmtTimePtr(t.FinishedAt), t.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("special task %d not found", t.ID)
	}
	return nil
}

func (s *SQLiteStore) ListQueuedSpecialTasks(ctx context.Context) ([]*model.SpecialTask, error) {
	s.logger.Debug("sql", "op", "list_queued", "table", "special_tasks")

	// A queued task is eligible only while its host is unlocked and carries
	// no active entry other than the one the task was created for.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumnsT+`
		 FROM special_tasks t
		 INNER JOIN hosts h ON h.id = t.host_id
		 LEFT JOIN queue_entries e ON e.host_id = t.host_id AND e.active = 1
		 WHERE t.is_active = 0 AND t.is_complete = 0 AND h.locked = 0
		   AND (e.id IS NULL OR e.id = t.queue_entry_id)
		 ORDER BY t.requested_at, t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanSpecialTasks(rows)
}

func (s *SQLiteStore) ListActiveSpecialTasks(ctx context.Context) ([]*model.SpecialTask, error) {
	s.logger.Debug("sql", "op", "list_active", "table", "special_tasks")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM special_tasks
		 WHERE is_active = 1 AND is_complete = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanSpecialTasks(rows)
}

func (s *SQLiteStore) ListAbortedActiveSpecialTasks(ctx context.Context) ([]*model.SpecialTask, error) {
	s.logger.Debug("sql", "op", "list_aborted_active", "table", "special_tasks")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM special_tasks
		 WHERE is_active = 1 AND is_aborted = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanSpecialTasks(rows)
}

func (s *SQLiteStore) HostHasQueuedSpecialTask(ctx context.Context, hostID int64) (bool, error) {
	s.logger.Debug("sql", "op", "has_queued_task", "table", "special_tasks", "host_id", hostID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM special_tasks
		 WHERE host_id = ? AND is_active = 0 AND is_complete = 0`, hostID,
	).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) CountIncompleteSpecialTasks(ctx context.Context, entryID int64) (int, error) {
	s.logger.Debug("sql", "op", "count_incomplete_tasks", "table", "special_tasks", "entry_id", entryID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM special_tasks
		 WHERE queue_entry_id = ? AND is_complete = 0`,
		entryID,
	).Scan(&n)
	return n, err
}

// --- Atomic groups ---

func (s *SQLiteStore) CreateAtomicGroup(ctx context.Context, g *model.AtomicGroup) error {
	s.logger.Debug("sql", "op", "insert", "table", "atomic_groups", "name", g.Name)

	if g.MaxHosts == 0 {
		g.MaxHosts = 1
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO atomic_groups (name, label, max_hosts) VALUES (?, ?, ?)`,
		g.Name, g.Label, g.MaxHosts,
	)
	if err != nil {
		return err
	}
	g.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) GetAtomicGroup(ctx context.Context, id int64) (*model.AtomicGroup, error) {
	s.logger.Debug("sql", "op", "select", "table", "atomic_groups", "id", id)

	var g model.AtomicGroup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, label, max_hosts FROM atomic_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Label, &g.MaxHosts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// --- Recurring runs ---

func (s *SQLiteStore) CreateRecurringRun(ctx context.Context, r *model.RecurringRun) error {
	s.logger.Debug("sql", "op", "insert", "table", "recurring_runs", "job_id", r.JobID)

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_runs (job_id, owner, schedule, next_run, loop_count)
		 VALUES (?, ?, ?, ?, ?)`,
		r.JobID, r.Owner, r.Schedule, fmtTime(r.NextRun), r.LoopCount,
	)
	if err != nil {
		return err
	}
	r.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) ListDueRecurringRuns(ctx context.Context, now time.Time) ([]*model.RecurringRun, error) {
	s.logger.Debug("sql", "op", "list_due", "table", "recurring_runs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, owner, schedule, next_run, loop_count
		 FROM recurring_runs WHERE next_run <= ? ORDER BY next_run`, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.RecurringRun
	for rows.Next() {
		var r model.RecurringRun
		var nextRun string
		if err := rows.Scan(&r.ID, &r.JobID, &r.Owner, &r.Schedule, &nextRun, &r.LoopCount); err != nil {
			return nil, err
		}
		r.NextRun = parseTime(nextRun)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRecurringRun(ctx context.Context, r *model.RecurringRun) error {
	s.logger.Debug("sql", "op", "update", "table", "recurring_runs", "id", r.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE recurring_runs SET schedule=?, next_run=?, loop_count=? WHERE id=?`,
		r.Schedule, fmtTime(r.NextRun), r.LoopCount, r.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("recurring run %d not found", r.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteRecurringRun(ctx context.Context, id int64) error {
	s.logger.Debug("sql", "op", "delete", "table", "recurring_runs", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM recurring_runs WHERE id = ?`, id)
	return err
}

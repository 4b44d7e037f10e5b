package store

import (
	"context"
	"time"

	"github.com/me/labsched/pkg/model"
)

// Store defines the persistence layer for scheduler entities. Other actors
// (frontends, operator tools) write the same records out of process, so every
// read must tolerate concurrent external mutation.
type Store interface {
	// Hosts
	CreateHost(ctx context.Context, h *model.Host) error
	GetHost(ctx context.Context, id int64) (*model.Host, error)
	UpdateHostStatus(ctx context.Context, id int64, status model.HostStatus) error
	SetHostDirty(ctx context.Context, id int64, dirty bool) error
	// ListSchedulableHostsInStatus returns unlocked, valid hosts in any of
	// the given statuses.
	ListSchedulableHostsInStatus(ctx context.Context, statuses ...model.HostStatus) ([]*model.Host, error)
	// ListReadyHostsWithLabel returns unlocked, valid, Ready hosts carrying
	// the label and no active queue entry, ordered by id.
	ListReadyHostsWithLabel(ctx context.Context, label string) ([]*model.Host, error)

	// Jobs
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id int64) (*model.Job, error)

	// Queue entries
	CreateQueueEntry(ctx context.Context, e *model.QueueEntry) error
	GetQueueEntry(ctx context.Context, id int64) (*model.QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e *model.QueueEntry) error
	// CloneQueueEntry inserts a copy of the entry (new id) and returns it.
	CloneQueueEntry(ctx context.Context, e *model.QueueEntry) (*model.QueueEntry, error)
	ListEntriesByJob(ctx context.Context, jobID int64) ([]*model.QueueEntry, error)
	ListEntriesInStatus(ctx context.Context, statuses ...model.Status) ([]*model.QueueEntry, error)
	// ListAbortedIncompleteEntries returns entries flagged aborted that have
	// not reached a terminal status yet.
	ListAbortedIncompleteEntries(ctx context.Context) ([]*model.QueueEntry, error)
	// ListNewQueueEntries returns Queued, inactive, incomplete entries in
	// admission order: job priority descending, assigned host first, then
	// meta-host, then job id ascending.
	ListNewQueueEntries(ctx context.Context) ([]*model.QueueEntry, error)
	// ActiveEntryForHost returns the single active entry on the host, or nil.
	ActiveEntryForHost(ctx context.Context, hostID int64) (*model.QueueEntry, error)
	// ListExpiredRunningEntries returns incomplete active entries whose
	// job's max runtime elapsed before now.
	ListExpiredRunningEntries(ctx context.Context, now time.Time) ([]*model.QueueEntry, error)
	// MarkEntryAborted sets the aborted flag without touching status.
	MarkEntryAborted(ctx context.Context, id int64) error

	// Special tasks
	CreateSpecialTask(ctx context.Context, t *model.SpecialTask) error
	GetSpecialTask(ctx context.Context, id int64) (*model.SpecialTask, error)
	UpdateSpecialTask(ctx context.Context, t *model.SpecialTask) error
	// ListQueuedSpecialTasks returns inactive, incomplete tasks on unlocked
	// hosts where the host either has no active entry or the active entry is
	// the one the task was created for. Kind prioritization happens in the
	// scheduler; rows come back in request order.
	ListQueuedSpecialTasks(ctx context.Context) ([]*model.SpecialTask, error)
	ListActiveSpecialTasks(ctx context.Context) ([]*model.SpecialTask, error)
	ListAbortedActiveSpecialTasks(ctx context.Context) ([]*model.SpecialTask, error)
	// HostHasQueuedSpecialTask reports whether any inactive incomplete task
	// is already scheduled against the host.
	HostHasQueuedSpecialTask(ctx context.Context, hostID int64) (bool, error)
	// CountIncompleteSpecialTasks counts incomplete tasks of any kind tied
	// to the entry. An entry stays Verifying through its whole pre-job
	// chain, so zero for a Verifying entry is a consistency error at
	// recovery.
	CountIncompleteSpecialTasks(ctx context.Context, entryID int64) (int, error)

	// Atomic groups
	CreateAtomicGroup(ctx context.Context, g *model.AtomicGroup) error
	GetAtomicGroup(ctx context.Context, id int64) (*model.AtomicGroup, error)

	// Recurring runs
	CreateRecurringRun(ctx context.Context, r *model.RecurringRun) error
	ListDueRecurringRuns(ctx context.Context, now time.Time) ([]*model.RecurringRun, error)
	UpdateRecurringRun(ctx context.Context, r *model.RecurringRun) error
	DeleteRecurringRun(ctx context.Context, id int64) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

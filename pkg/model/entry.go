package model

import (
	"fmt"
	"time"
)

// QueueEntry pairs a job with a host, a meta-host label, an atomic group, or
// nothing at all (hostless). The scheduler drives it through the Status state
// machine; Active and Complete are always derived from Status and never set
// independently.
type QueueEntry struct {
	ID    int64 `json:"id"`
	JobID int64 `json:"job_id"`

	// At most one of HostID, MetaHostLabel, AtomicGroupID is meaningful.
	// All nil/empty means a hostless entry.
	HostID        *int64 `json:"host_id,omitempty"`
	MetaHostLabel string `json:"meta_host_label,omitempty"`
	AtomicGroupID *int64 `json:"atomic_group_id,omitempty"`

	Status   Status `json:"status"`
	Active   bool   `json:"active"`
	Complete bool   `json:"complete"`
	Aborted  bool   `json:"aborted"`

	// ExecutionSubdir is the per-entry directory under the job's results
	// area. Set when execution begins.
	ExecutionSubdir string `json:"execution_subdir,omitempty"`

	// WaitUntil holds a Waiting entry until the given time.
	WaitUntil *time.Time `json:"wait_until,omitempty"`

	StartedOn  *time.Time `json:"started_on,omitempty"`
	FinishedOn *time.Time `json:"finished_on,omitempty"`
}

// SetStatus moves the entry to the given status and rederives the active and
// complete flags. This is the only sanctioned way to change Status.
func (e *QueueEntry) SetStatus(s Status) {
	e.Status = s
	e.Active = s.IsActive()
	e.Complete = s.IsComplete()
}

// IsHostless reports whether the entry has no machine requirement at all.
func (e *QueueEntry) IsHostless() bool {
	return e.HostID == nil && e.MetaHostLabel == "" && e.AtomicGroupID == nil
}

// ExecutionTag identifies this entry's execution to the process layer and
// names its results directory.
func (e *QueueEntry) ExecutionTag() string {
	subdir := e.ExecutionSubdir
	if subdir == "" {
		subdir = fmt.Sprintf("entry%d", e.ID)
	}
	return fmt.Sprintf("%d-%s", e.JobID, subdir)
}

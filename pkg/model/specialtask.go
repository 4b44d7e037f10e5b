package model

import (
	"fmt"
	"time"
)

// SpecialTask is one maintenance action (verify, cleanup, repair, reset,
// provision) against exactly one host, optionally tied to the queue entry it
// was scheduled for. IsActive and IsComplete mirror the prolog/epilog of the
// agent task that runs it: a hanging task shows is_active with no complete
// bit, a finished one the reverse.
type SpecialTask struct {
	ID     int64    `json:"id"`
	HostID int64    `json:"host_id"`
	Kind   TaskKind `json:"kind"`

	// QueueEntryID links a pre-job task to the entry that requested it.
	QueueEntryID *int64 `json:"queue_entry_id,omitempty"`

	IsActive   bool `json:"is_active"`
	IsComplete bool `json:"is_complete"`
	IsAborted  bool `json:"is_aborted"`
	Success    bool `json:"success"`

	RequestedAt time.Time  `json:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ExecutionTag names the task's working directory for the process layer.
func (t *SpecialTask) ExecutionTag() string {
	return fmt.Sprintf("hosts/%d/%d-%s", t.HostID, t.ID, t.Kind)
}

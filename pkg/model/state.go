package model

// Status represents the lifecycle state of a QueueEntry.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusStarting  Status = "Starting"
	StatusVerifying Status = "Verifying"
	StatusPending   Status = "Pending"
	StatusWaiting   Status = "Waiting"
	StatusRunning   Status = "Running"
	StatusGathering Status = "Gathering"
	StatusParsing   Status = "Parsing"
	StatusArchiving Status = "Archiving"
	StatusAborted   Status = "Aborted"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusStopped   Status = "Stopped"
	StatusTemplate  Status = "Template"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsActive reports whether an entry in this status counts as actively
// executing. The active flag on a QueueEntry is always derived from this.
func (s Status) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusGathering, StatusParsing, StatusArchiving:
		return true
	}
	return false
}

// IsComplete reports whether this status is terminal. The complete flag on a
// QueueEntry is always derived from this. Template entries never execute, so
// they count as complete.
func (s Status) IsComplete() bool {
	switch s {
	case StatusAborted, StatusCompleted, StatusFailed, StatusStopped, StatusTemplate:
		return true
	}
	return false
}

// ExecutionStatuses are the statuses handled directly by execution and
// post-job tasks. An entry in one of these states with no agent must be
// re-adopted by the dispatcher (at startup or mid-run).
var ExecutionStatuses = []Status{
	StatusStarting, StatusRunning, StatusGathering, StatusParsing, StatusArchiving,
}

// HostStatus represents the state of a physical machine.
type HostStatus string

const (
	HostReady        HostStatus = "Ready"
	HostPending      HostStatus = "Pending"
	HostRunning      HostStatus = "Running"
	HostVerifying    HostStatus = "Verifying"
	HostCleaning     HostStatus = "Cleaning"
	HostRepairing    HostStatus = "Repairing"
	HostRepairFailed HostStatus = "Repair Failed"
	HostResetting    HostStatus = "Resetting"
	HostProvisioning HostStatus = "Provisioning"
)

// String returns the string representation of the host status.
func (s HostStatus) String() string {
	return string(s)
}

// AllHostStatuses lists every host state, for status-filtered queries that
// want the full inventory.
var AllHostStatuses = []HostStatus{
	HostReady, HostPending, HostRunning, HostVerifying, HostCleaning,
	HostRepairing, HostRepairFailed, HostResetting, HostProvisioning,
}

// MaintenanceStatuses are host states that indicate a maintenance task was
// in flight. A host found in one of these with no agent after a restart was
// interrupted and needs a fresh cleanup.
var MaintenanceStatuses = []HostStatus{
	HostRepairing, HostVerifying, HostCleaning, HostResetting, HostProvisioning,
}

// TaskKind identifies a maintenance action against a host.
type TaskKind string

const (
	TaskVerify    TaskKind = "Verify"
	TaskCleanup   TaskKind = "Cleanup"
	TaskRepair    TaskKind = "Repair"
	TaskReset     TaskKind = "Reset"
	TaskProvision TaskKind = "Provision"
)

// String returns the string representation of the task kind.
func (k TaskKind) String() string {
	return string(k)
}

// taskKindPriority fixes the admission order of queued special tasks.
// Repair runs before anything else so broken machines come back first.
var taskKindPriority = map[TaskKind]int{
	TaskRepair:    0,
	TaskCleanup:   1,
	TaskVerify:    2,
	TaskReset:     3,
	TaskProvision: 4,
}

// SchedulingPriority returns the admission rank of this kind; lower runs
// first. Unknown kinds sort last.
func (k TaskKind) SchedulingPriority() int {
	if p, ok := taskKindPriority[k]; ok {
		return p
	}
	return len(taskKindPriority)
}

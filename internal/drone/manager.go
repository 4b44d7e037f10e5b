// Package drone is the boundary to the process-execution layer: the machines
// ("drones") that actually run test and maintenance worker processes. The
// scheduler only ever talks to it through non-blocking calls; long-running
// work is represented by a Monitor that has not reported an exit yet.
package drone

import "context"

// Process identifies one live worker process known to the execution layer.
type Process struct {
	Tag      string
	Pid      int
	Hostname string
}

// Submission describes one worker process to launch. Submissions are queued
// by Queue and only actually started when ExecuteQueuedActions flushes them,
// so a tick can decide everything before any side effect happens.
type Submission struct {
	// Tag keys the execution; it names the working directory and the
	// pidfile used for re-attach after a scheduler restart.
	Tag string

	Command []string

	Owner        string
	NumProcesses int

	// DroneHostnames restricts which drones may run the process. Empty
	// means any.
	DroneHostnames []string
}

// Manager is the scheduler's view of the process-execution layer.
type Manager interface {
	// Refresh re-synchronizes the in-memory view of running processes.
	// Called once per tick before any scheduling decision.
	Refresh(ctx context.Context) error

	// Queue records a submission to be started on the next
	// ExecuteQueuedActions and returns its monitor handle.
	Queue(sub Submission) *Monitor

	// Attach re-binds to a process previously submitted under tag, using
	// the recorded pidfile. Returns nil when no execution is recorded
	// under the tag; the returned monitor may already be terminal when
	// the process finished while the scheduler was down.
	Attach(tag string) *Monitor

	// ExecuteQueuedActions starts everything queued since the last flush.
	ExecuteQueuedActions(ctx context.Context) error

	// OrphanedProcesses returns live processes the execution layer knows
	// about that no monitor currently claims.
	OrphanedProcesses() []Process

	// MaxRunnableProcesses returns how many more processes the given owner
	// may start on the allowed drones right now.
	MaxRunnableProcesses(owner string, droneHostnames []string) int

	// TotalRunningProcesses counts processes across all drones.
	TotalRunningProcesses() int

	// AttachFileToExecution stages content into the tag's working
	// directory under name and returns the absolute path.
	AttachFileToExecution(tag, name string, content []byte) (string, error)

	// WriteLinesToFile appends lines to a file in the results area,
	// creating it as needed. The path is relative to the results root.
	WriteLinesToFile(path string, lines []string) error

	// Close releases resources. Running processes are left alone; they
	// are re-attached on the next startup.
	Close() error
}

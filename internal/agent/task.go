// Package agent wraps units of scheduler work. A Task owns one lifecycle
// (pre-job maintenance, job execution, log gathering, parsing, archiving) and
// an Agent is the thin handle the dispatcher polls once per cycle.
package agent

import (
	"context"
	"log/slog"

	"github.com/me/labsched/internal/drone"
	"github.com/me/labsched/internal/notify"
	"github.com/me/labsched/internal/store"
)

// Deps carries the shared collaborators every task needs.
type Deps struct {
	Store  store.Store
	Drone  drone.Manager
	Notify notify.Sink
	Logger *slog.Logger
	// WorkerPath is the worker binary launched for every process-backed
	// task (job runs, verifies, repairs, parsing).
	WorkerPath string
}

// Task is one unit of work the dispatcher drives to completion, one Poll per
// cycle. Implementations must be safe to Poll after IsDone returns true.
type Task interface {
	// Poll advances the task one step: first call runs the prolog and
	// launches the process, later calls watch it, the final call runs the
	// epilog.
	Poll(ctx context.Context) error
	IsDone() bool
	Success() bool

	// Abort stops the task. Post-job tasks ignore it so results are never
	// lost to an abort.
	Abort(ctx context.Context) error
	Aborted() bool

	// Recover re-attaches to a process left behind by a previous scheduler
	// run, identified by the task's execution tag.
	Recover(ctx context.Context) error

	// HostIDs and QueueEntryIDs identify what this task occupies; the
	// dispatcher uses them to enforce one agent per host.
	HostIDs() []int64
	QueueEntryIDs() []int64

	// NumProcesses is the admission cost of the task. Zero-cost tasks are
	// always admitted.
	NumProcesses() int
	Owner() string
	DroneHostnamesAllowed() []string
}

package agent

import (
	"context"
	"fmt"

	"github.com/me/labsched/internal/drone"
)

// hooks are the lifecycle points a concrete task fills in. procTask drives
// them: prolog before launch, submission to build the worker command, epilog
// exactly once after the process exits, is lost, or the task is aborted.
type hooks interface {
	prolog(ctx context.Context) error
	submission(ctx context.Context) (drone.Submission, error)
	epilog(ctx context.Context) error
}

// procTask is the shared machinery for tasks backed by a worker process.
// Concrete tasks embed it and pass themselves as the hooks implementation.
type procTask struct {
	deps Deps
	self hooks
	tag  string

	monitor *drone.Monitor
	started bool
	done    bool
	success bool
	aborted bool
	lost    bool
}

func (t *procTask) IsDone() bool  { return t.done }
func (t *procTask) Success() bool { return t.success }
func (t *procTask) Aborted() bool { return t.aborted }

func (t *procTask) Poll(ctx context.Context) error {
	if t.done {
		return nil
	}

	if !t.started {
		t.started = true
		if err := t.self.prolog(ctx); err != nil {
			return fmt.Errorf("prolog %s: %w", t.tag, err)
		}
		if t.done {
			// Prolog settled the task without a process.
			return nil
		}
		sub, err := t.self.submission(ctx)
		if err != nil {
			return fmt.Errorf("submission %s: %w", t.tag, err)
		}
		t.monitor = t.deps.Drone.Queue(sub)
		return nil
	}

	if t.monitor == nil {
		// Recovery found no process to re-attach; the work is gone.
		return t.finish(ctx, false, true)
	}
	if t.monitor.Lost() {
		return t.finish(ctx, false, true)
	}
	if code, exited := t.monitor.ExitCode(); exited {
		return t.finish(ctx, code == 0, false)
	}
	return nil
}

func (t *procTask) finish(ctx context.Context, success, lost bool) error {
	t.done = true
	t.success = success
	t.lost = lost
	if err := t.self.epilog(ctx); err != nil {
		return fmt.Errorf("epilog %s: %w", t.tag, err)
	}
	return nil
}

// abortProcess is the default abort: kill the process if any and run the
// epilog on the failure path. Tasks that refuse aborts override Abort.
func (t *procTask) abortProcess(ctx context.Context) error {
	if t.done {
		t.aborted = true
		return nil
	}
	t.aborted = true
	if t.monitor != nil {
		t.monitor.Kill()
	}
	return t.finish(ctx, false, false)
}

// recoverAttach re-binds to the process recorded under the task's tag. When
// nothing is recorded: with requireProcess the next Poll finishes the task as
// lost; without it the task simply runs from scratch.
func (t *procTask) recoverAttach(requireProcess bool) {
	mon := t.deps.Drone.Attach(t.tag)
	if mon != nil {
		t.monitor = mon
		t.started = true
		t.deps.Logger.Info("recovered process", "tag", t.tag, "pid", mon.Process().Pid)
		return
	}
	if requireProcess {
		t.started = true // monitor stays nil, next Poll epilogs as lost
		t.deps.Logger.Warn("no process to recover", "tag", t.tag)
	}
}

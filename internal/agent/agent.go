package agent

import "context"

// Agent is the dispatcher's handle on a running task. It records whether the
// task has started (started agents are exempt from admission control) and
// whether it finished.
type Agent struct {
	Task Task

	started  bool
	finished bool
}

func New(task Task) *Agent {
	return &Agent{Task: task}
}

// Tick polls the task once. The first tick marks the agent started.
func (a *Agent) Tick(ctx context.Context) error {
	if a.finished {
		return nil
	}
	a.started = true
	if err := a.Task.Poll(ctx); err != nil {
		return err
	}
	if a.Task.IsDone() {
		a.finished = true
	}
	return nil
}

// Abort forwards to the task. Tasks that refuse aborts (post-job work) leave
// the agent running; otherwise the agent finishes immediately.
func (a *Agent) Abort(ctx context.Context) error {
	if a.finished {
		return nil
	}
	if err := a.Task.Abort(ctx); err != nil {
		return err
	}
	if a.Task.Aborted() {
		a.finished = true
	}
	return nil
}

func (a *Agent) Started() bool  { return a.started }
func (a *Agent) IsDone() bool   { return a.finished }
func (a *Agent) HostIDs() []int64 { return a.Task.HostIDs() }
func (a *Agent) QueueEntryIDs() []int64 { return a.Task.QueueEntryIDs() }

// NumProcesses is the agent's admission cost.
func (a *Agent) NumProcesses() int { return a.Task.NumProcesses() }

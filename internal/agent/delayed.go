package agent

import (
	"context"
	"time"

	"github.com/me/labsched/pkg/model"
)

// DelayedCallbackTask parks a Waiting entry until its wait_until time, then
// requeues it. It runs no process and costs no admission slots.
type DelayedCallbackTask struct {
	deps  Deps
	entry *model.QueueEntry

	done    bool
	aborted bool
	now     func() time.Time
}

func NewDelayedCallbackTask(deps Deps, entry *model.QueueEntry) *DelayedCallbackTask {
	return &DelayedCallbackTask{deps: deps, entry: entry, now: time.Now}
}

func (t *DelayedCallbackTask) Poll(ctx context.Context) error {
	if t.done {
		return nil
	}
	if t.entry.WaitUntil != nil && t.now().Before(*t.entry.WaitUntil) {
		return nil
	}
	t.done = true
	t.entry.WaitUntil = nil
	return setEntryStatus(ctx, t.deps, t.entry, model.StatusQueued)
}

func (t *DelayedCallbackTask) Abort(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.aborted = true
	return setEntryStatus(ctx, t.deps, t.entry, model.StatusAborted)
}

func (t *DelayedCallbackTask) Recover(ctx context.Context) error { return nil }

func (t *DelayedCallbackTask) IsDone() bool  { return t.done }
func (t *DelayedCallbackTask) Success() bool { return t.done && !t.aborted }
func (t *DelayedCallbackTask) Aborted() bool { return t.aborted }

func (t *DelayedCallbackTask) HostIDs() []int64 {
	if t.entry.HostID == nil {
		return nil
	}
	return []int64{*t.entry.HostID}
}

func (t *DelayedCallbackTask) QueueEntryIDs() []int64          { return []int64{t.entry.ID} }
func (t *DelayedCallbackTask) NumProcesses() int               { return 0 }
func (t *DelayedCallbackTask) Owner() string                   { return "" }
func (t *DelayedCallbackTask) DroneHostnamesAllowed() []string { return nil }

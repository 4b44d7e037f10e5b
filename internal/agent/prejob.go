package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/me/labsched/internal/drone"
	"github.com/me/labsched/pkg/model"
)

// NewSpecialAgentTask builds the agent task for a special task record. entry
// may be nil when the task is not tied to a queue entry.
func NewSpecialAgentTask(deps Deps, record *model.SpecialTask, host *model.Host, entry *model.QueueEntry) (Task, error) {
	switch record.Kind {
	case model.TaskVerify:
		return newVerifyTask(deps, record, host, entry), nil
	case model.TaskCleanup:
		return newCleanupTask(deps, record, host, entry), nil
	case model.TaskReset:
		return newResetTask(deps, record, host, entry), nil
	case model.TaskProvision:
		return newProvisionTask(deps, record, host, entry), nil
	case model.TaskRepair:
		return newRepairTask(deps, record, host, entry), nil
	default:
		return nil, fmt.Errorf("unknown special task kind %q", record.Kind)
	}
}

// specialTask is the shared machinery for host maintenance tasks. It keeps
// the special_tasks row's active/complete bookkeeping in step with the task
// lifecycle.
type specialTask struct {
	procTask
	record *model.SpecialTask
	host   *model.Host
	entry  *model.QueueEntry
}

func (t *specialTask) init(deps Deps, self hooks) {
	t.procTask = procTask{deps: deps, self: self, tag: t.record.ExecutionTag()}
}

// beginProlog marks the record active and moves the host (and entry, when
// present) into the task's working status.
func (t *specialTask) beginProlog(ctx context.Context, hostStatus model.HostStatus) error {
	now := time.Now().UTC()
	t.record.IsActive = true
	t.record.StartedAt = &now
	if err := t.deps.Store.UpdateSpecialTask(ctx, t.record); err != nil {
		return err
	}
	if err := t.deps.Store.UpdateHostStatus(ctx, t.host.ID, hostStatus); err != nil {
		return err
	}
	if t.entry != nil && !t.entry.Complete {
		if err := setEntryStatus(ctx, t.deps, t.entry, model.StatusVerifying); err != nil {
			return err
		}
	}
	t.deps.Logger.Info("special task starting", "task", t.record.ID, "kind", t.record.Kind,
		"host", t.host.Hostname)
	return nil
}

// markFinished completes the record.
func (t *specialTask) markFinished(ctx context.Context, success bool) error {
	now := time.Now().UTC()
	t.record.IsActive = false
	t.record.IsComplete = true
	t.record.Success = success
	t.record.FinishedAt = &now
	if t.aborted {
		t.record.IsAborted = true
	}
	return t.deps.Store.UpdateSpecialTask(ctx, t.record)
}

// epilogAborted settles an aborted maintenance task: the record completes
// unsuccessfully, an aborted entry finishes, and the host goes back to Ready.
func (t *specialTask) epilogAborted(ctx context.Context) error {
	if err := t.markFinished(ctx, false); err != nil {
		return err
	}
	if t.entry != nil {
		// The abort flag lands in the store out of process; reload before
		// deciding the entry's fate.
		if fresh, err := t.deps.Store.GetQueueEntry(ctx, t.entry.ID); err == nil && fresh != nil {
			t.entry = fresh
		}
		if t.entry.Aborted && !t.entry.Complete {
			if err := setEntryStatus(ctx, t.deps, t.entry, model.StatusAborted); err != nil {
				return err
			}
		}
	}
	return t.deps.Store.UpdateHostStatus(ctx, t.host.ID, model.HostReady)
}

func (t *specialTask) workerSubmission(flag string) drone.Submission {
	return drone.Submission{
		Tag:          t.tag,
		Command:      []string{t.deps.WorkerPath, flag, "-m", t.host.Hostname, "-r", "."},
		NumProcesses: 1,
	}
}

// requestRepair queues a Repair task carrying this task's queue entry, so a
// successful repair can requeue the entry.
func (t *specialTask) requestRepair(ctx context.Context) error {
	t.deps.Logger.Info("requesting repair", "host", t.host.Hostname, "after", t.record.Kind)
	return t.deps.Store.CreateSpecialTask(ctx, &model.SpecialTask{
		HostID:       t.host.ID,
		Kind:         model.TaskRepair,
		QueueEntryID: t.record.QueueEntryID,
		RequestedAt:  time.Now().UTC(),
	})
}

// succeedWithHost is the common success tail: hand the host to the entry when
// there is one, otherwise back to Ready.
func (t *specialTask) succeedWithHost(ctx context.Context) error {
	if t.entry != nil && !t.entry.Complete {
		return onPending(ctx, t.deps, t.entry)
	}
	return t.deps.Store.UpdateHostStatus(ctx, t.host.ID, model.HostReady)
}

func (t *specialTask) Abort(ctx context.Context) error {
	return t.abortProcess(ctx)
}

func (t *specialTask) Recover(ctx context.Context) error {
	// A maintenance task whose process never started simply runs again.
	t.recoverAttach(false)
	return nil
}

func (t *specialTask) HostIDs() []int64 { return []int64{t.host.ID} }

func (t *specialTask) QueueEntryIDs() []int64 {
	if t.entry == nil {
		return nil
	}
	return []int64{t.entry.ID}
}

func (t *specialTask) NumProcesses() int               { return 1 }
func (t *specialTask) Owner() string                   { return "" }
func (t *specialTask) DroneHostnamesAllowed() []string { return nil }

// --- Verify ---

type verifyTask struct{ specialTask }

func newVerifyTask(deps Deps, record *model.SpecialTask, host *model.Host, entry *model.QueueEntry) *verifyTask {
	t := &verifyTask{specialTask{record: record, host: host, entry: entry}}
	t.init(deps, t)
	return t
}

func (t *verifyTask) prolog(ctx context.Context) error {
	return t.beginProlog(ctx, model.HostVerifying)
}

func (t *verifyTask) submission(ctx context.Context) (drone.Submission, error) {
	return t.workerSubmission("--verify"), nil
}

func (t *verifyTask) epilog(ctx context.Context) error {
	if t.aborted {
		return t.epilogAborted(ctx)
	}
	if err := t.markFinished(ctx, t.success); err != nil {
		return err
	}
	if !t.success {
		return t.requestRepair(ctx)
	}
	return t.succeedWithHost(ctx)
}

// --- Cleanup ---

type cleanupTask struct{ specialTask }

func newCleanupTask(deps Deps, record *model.SpecialTask, host *model.Host, entry *model.QueueEntry) *cleanupTask {
	t := &cleanupTask{specialTask{record: record, host: host, entry: entry}}
	t.init(deps, t)
	return t
}

func (t *cleanupTask) prolog(ctx context.Context) error {
	return t.beginProlog(ctx, model.HostCleaning)
}

func (t *cleanupTask) submission(ctx context.Context) (drone.Submission, error) {
	return t.workerSubmission("--cleanup"), nil
}

func (t *cleanupTask) epilog(ctx context.Context) error {
	if t.aborted {
		return t.epilogAborted(ctx)
	}
	if err := t.markFinished(ctx, t.success); err != nil {
		return err
	}
	if !t.success {
		return t.requestRepair(ctx)
	}
	if err := t.deps.Store.SetHostDirty(ctx, t.host.ID, false); err != nil {
		return err
	}
	if t.entry != nil && !t.entry.Complete {
		job, err := t.deps.Store.GetJob(ctx, t.entry.JobID)
		if err != nil {
			return err
		}
		if job != nil && job.RunVerify {
			// Cleanup before a verifying job chains into the verify.
			return t.deps.Store.CreateSpecialTask(ctx, &model.SpecialTask{
				HostID:       t.host.ID,
				Kind:         model.TaskVerify,
				QueueEntryID: t.record.QueueEntryID,
				RequestedAt:  time.Now().UTC(),
			})
		}
	}
	return t.succeedWithHost(ctx)
}

// --- Reset ---

type resetTask struct{ specialTask }

func newResetTask(deps Deps, record *model.SpecialTask, host *model.Host, entry *model.QueueEntry) *resetTask {
	t := &resetTask{specialTask{record: record, host: host, entry: entry}}
	t.init(deps, t)
	return t
}

func (t *resetTask) prolog(ctx context.Context) error {
	return t.beginProlog(ctx, model.HostResetting)
}

func (t *resetTask) submission(ctx context.Context) (drone.Submission, error) {
	return t.workerSubmission("--reset"), nil
}

func (t *resetTask) epilog(ctx context.Context) error {
	if t.aborted {
		return t.epilogAborted(ctx)
	}
	if err := t.markFinished(ctx, t.success); err != nil {
		return err
	}
	if !t.success {
		return t.requestRepair(ctx)
	}
	// Reset subsumes cleanup and verify.
	if err := t.deps.Store.SetHostDirty(ctx, t.host.ID, false); err != nil {
		return err
	}
	return t.succeedWithHost(ctx)
}

// --- Provision ---

type provisionTask struct{ specialTask }

func newProvisionTask(deps Deps, record *model.SpecialTask, host *model.Host, entry *model.QueueEntry) *provisionTask {
	t := &provisionTask{specialTask{record: record, host: host, entry: entry}}
	t.init(deps, t)
	return t
}

func (t *provisionTask) prolog(ctx context.Context) error {
	return t.beginProlog(ctx, model.HostProvisioning)
}

func (t *provisionTask) submission(ctx context.Context) (drone.Submission, error) {
	return t.workerSubmission("--provision"), nil
}

func (t *provisionTask) epilog(ctx context.Context) error {
	if t.aborted {
		return t.epilogAborted(ctx)
	}
	if err := t.markFinished(ctx, t.success); err != nil {
		return err
	}
	if !t.success {
		return t.requestRepair(ctx)
	}
	return t.succeedWithHost(ctx)
}

// --- Repair ---

type repairTask struct{ specialTask }

func newRepairTask(deps Deps, record *model.SpecialTask, host *model.Host, entry *model.QueueEntry) *repairTask {
	t := &repairTask{specialTask{record: record, host: host, entry: entry}}
	t.init(deps, t)
	return t
}

func (t *repairTask) prolog(ctx context.Context) error {
	return t.beginProlog(ctx, model.HostRepairing)
}

func (t *repairTask) submission(ctx context.Context) (drone.Submission, error) {
	return t.workerSubmission("--repair"), nil
}

func (t *repairTask) epilog(ctx context.Context) error {
	if t.aborted {
		return t.epilogAborted(ctx)
	}
	if err := t.markFinished(ctx, t.success); err != nil {
		return err
	}

	if t.success {
		if err := t.deps.Store.SetHostDirty(ctx, t.host.ID, false); err != nil {
			return err
		}
		if err := t.deps.Store.UpdateHostStatus(ctx, t.host.ID, model.HostReady); err != nil {
			return err
		}
		if t.entry != nil && !t.entry.Complete {
			// The entry gets another chance on the repaired host.
			return setEntryStatus(ctx, t.deps, t.entry, model.StatusQueued)
		}
		return nil
	}

	if err := t.deps.Store.UpdateHostStatus(ctx, t.host.ID, model.HostRepairFailed); err != nil {
		return err
	}
	t.deps.Notify.Enqueuef("Host repair failed", "host %s could not be repaired", t.host.Hostname)

	if t.entry == nil || t.entry.Complete {
		return nil
	}
	if t.entry.MetaHostLabel != "" && t.entry.HostID != nil {
		// Meta-host entries are not married to the broken host: unassign
		// and requeue against the label.
		t.entry.HostID = nil
		if err := setEntryStatus(ctx, t.deps, t.entry, model.StatusQueued); err != nil {
			return err
		}
		return nil
	}
	if err := setEntryStatus(ctx, t.deps, t.entry, model.StatusFailed); err != nil {
		return err
	}
	// A failed entry can starve a synchronous job forever; stop what's left.
	return stopRemainingEntries(ctx, t.deps, t.entry.JobID)
}

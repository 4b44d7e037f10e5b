package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/me/labsched/internal/agent"
	"github.com/me/labsched/pkg/model"
)

// Recover rebuilds the dispatcher's in-memory state from the store after a
// restart: agents are re-created for every active special task and every
// entry mid-execution, their worker processes re-attached by execution tag,
// and anything the database cannot explain is surfaced before the loop runs.
func (d *Dispatcher) Recover(ctx context.Context) error {
	d.logger.Info("recovering scheduler state")

	// Step 1: Learn what is actually running on the drones.
	if err := d.drone.Refresh(ctx); err != nil {
		return fmt.Errorf("drone refresh: %w", err)
	}

	// Step 2: Re-adopt active special tasks.
	if err := d.recoverSpecialTasks(ctx); err != nil {
		return fmt.Errorf("special tasks: %w", err)
	}

	// Step 3: Re-adopt entries mid-execution.
	if err := d.recoverExecutionEntries(ctx); err != nil {
		return fmt.Errorf("execution entries: %w", err)
	}

	// Step 4: Every Verifying entry must be explained by a special task.
	if err := d.checkVerifyingEntries(ctx); err != nil {
		return err
	}

	// Step 5: Resume jobs that were waiting on their sync count.
	if err := d.resumePendingEntries(ctx); err != nil {
		return fmt.Errorf("pending entries: %w", err)
	}

	// Step 6: Account for processes nobody re-claimed.
	if err := d.checkOrphans(ctx); err != nil {
		return err
	}

	// Step 7: Hosts stuck mid-maintenance or dead in Repair Failed get a
	// fresh cleanup.
	if err := d.cleanupInterruptedHosts(ctx); err != nil {
		return fmt.Errorf("interrupted hosts: %w", err)
	}

	d.logger.Info("recovery complete", "agents", len(d.agents))
	return nil
}

func (d *Dispatcher) recoverSpecialTasks(ctx context.Context) error {
	records, err := d.store.ListActiveSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if d.hostHasAgent(record.HostID) {
			continue
		}
		task, err := d.specialAgentTask(ctx, record)
		if err != nil {
			return err
		}
		if err := task.Recover(ctx); err != nil {
			return err
		}
		if err := d.addAgent(agent.New(task)); err != nil {
			return err
		}
		d.logger.Info("recovered special task", "task", record.ID, "kind", record.Kind)
	}
	return nil
}

// recoverExecutionEntries rebuilds agents for entries in Running, Gathering,
// Parsing or Archiving. Starting entries have no process yet; the first tick
// launches them normally.
func (d *Dispatcher) recoverExecutionEntries(ctx context.Context) error {
	entries, err := d.store.ListEntriesInStatus(ctx,
		model.StatusRunning, model.StatusGathering, model.StatusParsing, model.StatusArchiving)
	if err != nil {
		return err
	}

	type groupKey struct {
		jobID  int64
		subdir string
		status model.Status
	}
	groups := make(map[groupKey][]*model.QueueEntry)
	var order []groupKey
	for _, e := range entries {
		if e.Complete || d.entryHasAgent(e.ID) {
			continue
		}
		key := groupKey{jobID: e.JobID, subdir: e.ExecutionSubdir, status: e.Status}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	for _, key := range order {
		group := groups[key]
		job, err := d.store.GetJob(ctx, key.jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return consistencyErrorf("entries reference missing job %d", key.jobID)
		}

		var tasks []agent.Task
		if key.status == model.StatusRunning {
			tasks, err = d.runningTasks(ctx, job, group)
		} else {
			tasks, err = d.executionTasks(ctx, job, key.status, group)
		}
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := task.Recover(ctx); err != nil {
				return err
			}
			if err := d.addAgent(agent.New(task)); err != nil {
				return err
			}
		}
		d.logger.Info("recovered execution group", "job", key.jobID, "status", key.status,
			"entries", len(group))
	}
	return nil
}

// runningTasks rebuilds the job-run task for a Running group. All entries of
// one group share an execution tag, so one QueueTask covers them.
func (d *Dispatcher) runningTasks(ctx context.Context, job *model.Job, group []*model.QueueEntry) ([]agent.Task, error) {
	if group[0].IsHostless() {
		return []agent.Task{agent.NewHostlessQueueTask(d.deps, job, group[0])}, nil
	}
	hosts, err := d.hostsOf(ctx, group)
	if err != nil {
		return nil, err
	}
	return []agent.Task{agent.NewQueueTask(d.deps, job, group, hosts)}, nil
}

// checkVerifyingEntries fails startup when a Verifying entry has no special
// task behind it; the entry would hang forever and nothing in the database
// says why. Any incomplete task tied to the entry explains it: an entry
// stays Verifying through its whole pre-job chain, including a reset or the
// repair queued after a failed verify.
func (d *Dispatcher) checkVerifyingEntries(ctx context.Context) error {
	entries, err := d.store.ListEntriesInStatus(ctx, model.StatusVerifying)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Complete || d.entryHasAgent(e.ID) {
			continue
		}
		n, err := d.store.CountIncompleteSpecialTasks(ctx, e.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return consistencyErrorf("entry %d is Verifying with no incomplete special task", e.ID)
		}
	}
	return nil
}

// resumePendingEntries re-checks sync counts for jobs with Pending entries,
// since the promotion to Starting may have been lost to the crash.
func (d *Dispatcher) resumePendingEntries(ctx context.Context) error {
	entries, err := d.store.ListEntriesInStatus(ctx, model.StatusPending)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, e := range entries {
		if e.Complete || seen[e.JobID] {
			continue
		}
		seen[e.JobID] = true
		if err := agent.StartJobIfReady(ctx, d.deps, e.JobID); err != nil {
			return err
		}
	}
	return nil
}

// checkOrphans reports worker processes no agent re-claimed. Depending on
// configuration this is fatal or an operator alert.
func (d *Dispatcher) checkOrphans(ctx context.Context) error {
	orphans := d.drone.OrphanedProcesses()
	if len(orphans) == 0 {
		return nil
	}
	for _, p := range orphans {
		d.metrics.OrphansDetected.Inc()
		d.logger.Warn("orphaned process", "tag", p.Tag, "pid", p.Pid, "drone", p.Hostname)
	}
	if d.config.FailOnOrphans {
		return consistencyErrorf("%d orphaned worker processes found at recovery", len(orphans))
	}
	d.notify.Enqueuef("Orphaned worker processes",
		"%d worker processes survived the restart but belong to no agent; first tag: %s",
		len(orphans), orphans[0].Tag)
	return nil
}

// cleanupInterruptedHosts queues a Cleanup for hosts stranded mid-maintenance
// or mid-run with nothing scheduled against them. Repair Failed hosts are
// included so dead machines get another chance to re-enter rotation after a
// restart.
func (d *Dispatcher) cleanupInterruptedHosts(ctx context.Context) error {
	statuses := append([]model.HostStatus{model.HostRunning, model.HostPending, model.HostRepairFailed},
		model.MaintenanceStatuses...)
	hosts, err := d.store.ListSchedulableHostsInStatus(ctx, statuses...)
	if err != nil {
		return err
	}

	for _, h := range hosts {
		if d.hostHasAgent(h.ID) {
			continue
		}
		active, err := d.store.ActiveEntryForHost(ctx, h.ID)
		if err != nil {
			return err
		}
		if active != nil {
			continue
		}
		queued, err := d.store.HostHasQueuedSpecialTask(ctx, h.ID)
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		// A Pending host whose entry is still Pending is just waiting for
		// its sync group; leave it alone.
		if h.Status == model.HostPending {
			pending, err := d.pendingEntryOnHost(ctx, h.ID)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
		}

		d.logger.Info("queueing cleanup for stranded host", "host", h.Hostname, "status", h.Status)
		if err := d.store.CreateSpecialTask(ctx, &model.SpecialTask{
			HostID:      h.ID,
			Kind:        model.TaskCleanup,
			RequestedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) pendingEntryOnHost(ctx context.Context, hostID int64) (bool, error) {
	entries, err := d.store.ListEntriesInStatus(ctx, model.StatusPending)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.HostID != nil && *e.HostID == hostID && !e.Complete {
			return true, nil
		}
	}
	return false, nil
}

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/me/labsched/internal/agent"
	"github.com/me/labsched/pkg/model"
)

// Tick runs a single scheduling iteration. Phases run in a fixed order: abort
// processing before scheduling, scheduling before agent polling, and the
// drone flush last so every submission queued this cycle launches together.
func (d *Dispatcher) Tick(ctx context.Context) error {
	started := time.Now()

	// Phase 1: Periodic cycle statistics.
	d.logCycleStats()

	// Phase 2: Refresh process state from the drones.
	if err := d.drone.Refresh(ctx); err != nil {
		return fmt.Errorf("phase 2 (drone refresh): %w", err)
	}

	// Phase 3: Periodic cleanup (job runtime limits).
	if err := d.runPeriodicCleanup(ctx); err != nil {
		return fmt.Errorf("phase 3 (cleanup): %w", err)
	}

	// Phase 4: Deliver entry aborts.
	if err := d.findAbortingEntries(ctx); err != nil {
		return fmt.Errorf("phase 4 (aborts): %w", err)
	}

	// Phase 5: Deliver special task aborts.
	if err := d.findAbortedSpecialTasks(ctx); err != nil {
		return fmt.Errorf("phase 5 (task aborts): %w", err)
	}

	// Phase 6: Launch jobs from due recurring runs.
	if err := d.processRecurringRuns(ctx); err != nil {
		return fmt.Errorf("phase 6 (recurring): %w", err)
	}

	// Phase 7: Park Waiting entries behind delay tasks.
	if err := d.scheduleDelayTasks(ctx); err != nil {
		return fmt.Errorf("phase 7 (delays): %w", err)
	}

	// Phase 8: Re-agent entries already in execution.
	if err := d.scheduleExecutionEntries(ctx); err != nil {
		return fmt.Errorf("phase 8 (execution entries): %w", err)
	}

	// Phase 9: Schedule queued special tasks.
	if err := d.scheduleSpecialTasks(ctx); err != nil {
		return fmt.Errorf("phase 9 (special tasks): %w", err)
	}

	// Phase 10: Assign hosts to new queue entries.
	if err := d.scheduleNewJobs(ctx); err != nil {
		return fmt.Errorf("phase 10 (new jobs): %w", err)
	}

	// Phase 11: Poll agents under admission control.
	if err := d.handleAgents(ctx); err != nil {
		return fmt.Errorf("phase 11 (agents): %w", err)
	}

	// Phase 12: Launch everything queued this cycle.
	if err := d.drone.ExecuteQueuedActions(ctx); err != nil {
		return fmt.Errorf("phase 12 (drone execute): %w", err)
	}

	// Phase 13: Deliver queued operator alerts.
	d.notify.Flush()

	// Phase 14: Publish cycle metrics and the status snapshot.
	d.publishStatus(started)

	return nil
}

// logCycleStats writes a summary line at most once per StatsInterval.
func (d *Dispatcher) logCycleStats() {
	if time.Since(d.lastStats) < d.config.StatsInterval {
		return
	}
	d.lastStats = time.Now()
	d.logger.Info("cycle stats",
		"agents", len(d.agents),
		"running_processes", d.drone.TotalRunningProcesses())
}

// runPeriodicCleanup aborts entries whose job exceeded its runtime limit. The
// abort phases pick the flag up in this same cycle.
func (d *Dispatcher) runPeriodicCleanup(ctx context.Context) error {
	if time.Since(d.lastCleanup) < d.config.CleanupInterval {
		return nil
	}
	d.lastCleanup = time.Now()

	expired, err := d.store.ListExpiredRunningEntries(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, e := range expired {
		d.logger.Warn("job runtime limit exceeded", "entry", e.ID, "job", e.JobID)
		if err := d.store.MarkEntryAborted(ctx, e.ID); err != nil {
			return err
		}
		d.notify.Enqueuef("Job runtime limit exceeded",
			"job %d entry %d ran past its max runtime and was aborted", e.JobID, e.ID)
	}
	return nil
}

// processRecurringRuns stamps out new jobs from due recurring run records.
func (d *Dispatcher) processRecurringRuns(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := d.store.ListDueRecurringRuns(ctx, now)
	if err != nil {
		return err
	}

	for _, run := range due {
		template, err := d.store.GetJob(ctx, run.JobID)
		if err != nil {
			return err
		}
		if template == nil {
			d.logger.Warn("recurring run names missing job, deleting", "run", run.ID, "job", run.JobID)
			if err := d.store.DeleteRecurringRun(ctx, run.ID); err != nil {
				return err
			}
			continue
		}

		if err := d.launchFromTemplate(ctx, template, now); err != nil {
			return fmt.Errorf("recurring run %d: %w", run.ID, err)
		}
		d.metrics.RecurringLaunched.Inc()

		schedule, err := cron.ParseStandard(run.Schedule)
		if err != nil {
			d.notify.Enqueuef("Invalid recurring schedule",
				"run %d has unparseable schedule %q, deleting: %v", run.ID, run.Schedule, err)
			if err := d.store.DeleteRecurringRun(ctx, run.ID); err != nil {
				return err
			}
			continue
		}
		if run.LoopCount == 1 {
			if err := d.store.DeleteRecurringRun(ctx, run.ID); err != nil {
				return err
			}
			continue
		}
		if run.LoopCount > 1 {
			run.LoopCount--
		}
		run.NextRun = schedule.Next(now)
		if err := d.store.UpdateRecurringRun(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// launchFromTemplate copies a job and its queue entries into a fresh run.
func (d *Dispatcher) launchFromTemplate(ctx context.Context, template *model.Job, now time.Time) error {
	job := &model.Job{
		Name:                  fmt.Sprintf("%s.%s", template.Name, now.Format("20060102-150405")),
		Owner:                 template.Owner,
		Priority:              template.Priority,
		ControlFile:           template.ControlFile,
		SyncCount:             template.SyncCount,
		RunReset:              template.RunReset,
		RunVerify:             template.RunVerify,
		MaxRuntimeMins:        template.MaxRuntimeMins,
		DroneHostnamesAllowed: template.DroneHostnamesAllowed,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return err
	}

	entries, err := d.store.ListEntriesByJob(ctx, template.ID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fresh := &model.QueueEntry{
			JobID:         job.ID,
			HostID:        e.HostID,
			MetaHostLabel: e.MetaHostLabel,
			AtomicGroupID: e.AtomicGroupID,
		}
		fresh.SetStatus(model.StatusQueued)
		if err := d.store.CreateQueueEntry(ctx, fresh); err != nil {
			return err
		}
	}
	d.logger.Info("recurring job launched", "job", job.ID, "template", template.ID, "entries", len(entries))
	return nil
}

// findAbortingEntries delivers abort flags to the agents holding each entry.
// Entries with no agent never started; they finish directly. Jobs that lose
// an entry here may need their remaining entries stopped too.
func (d *Dispatcher) findAbortingEntries(ctx context.Context) error {
	entries, err := d.store.ListAbortedIncompleteEntries(ctx)
	if err != nil {
		return err
	}

	var jobsToStop []int64
	seenJob := make(map[int64]bool)
	for _, e := range entries {
		if !seenJob[e.JobID] {
			seenJob[e.JobID] = true
			jobsToStop = append(jobsToStop, e.JobID)
		}
		agents := d.entryAgents[e.ID]
		if len(agents) == 0 {
			d.logger.Info("aborting unstarted entry", "entry", e.ID)
			if err := d.setEntryStatus(ctx, e, model.StatusAborted); err != nil {
				return err
			}
			if e.HostID != nil {
				if err := d.store.UpdateHostStatus(ctx, *e.HostID, model.HostReady); err != nil {
					return err
				}
			}
			d.metrics.AbortsProcessed.Inc()
			continue
		}
		for _, a := range append([]*agent.Agent(nil), agents...) {
			d.logger.Info("aborting agent", "entry", e.ID)
			if err := a.Abort(ctx); err != nil {
				return err
			}
			if a.IsDone() {
				d.removeAgent(a)
			}
			d.metrics.AbortsProcessed.Inc()
		}
	}

	// An aborted entry can leave a synchronous job with too few entries to
	// ever satisfy its sync count; stop what remains or the siblings wait
	// forever.
	for _, jobID := range jobsToStop {
		if err := agent.StopJobIfNecessary(ctx, d.deps, jobID); err != nil {
			return err
		}
	}
	return nil
}

// findAbortedSpecialTasks aborts agents running special tasks flagged aborted
// out of process. The task epilogs first, then settles as aborted.
func (d *Dispatcher) findAbortedSpecialTasks(ctx context.Context) error {
	tasks, err := d.store.ListAbortedActiveSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, record := range tasks {
		for _, a := range append([]*agent.Agent(nil), d.hostAgents[record.HostID]...) {
			if err := a.Abort(ctx); err != nil {
				return err
			}
			if a.IsDone() {
				d.removeAgent(a)
			}
			d.metrics.AbortsProcessed.Inc()
		}
	}
	return nil
}

// scheduleDelayTasks parks Waiting entries behind zero-cost delay agents.
func (d *Dispatcher) scheduleDelayTasks(ctx context.Context) error {
	entries, err := d.store.ListEntriesInStatus(ctx, model.StatusWaiting)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Complete || d.entryHasAgent(e.ID) {
			continue
		}
		if err := d.addAgent(agent.New(agent.NewDelayedCallbackTask(d.deps, e))); err != nil {
			return err
		}
	}
	return nil
}

// scheduleExecutionEntries gives agents to entries already in an execution
// status that lost theirs: Starting groups become job runs, Gathering groups
// collect crash dumps, Parsing and Archiving groups finish the pipeline.
func (d *Dispatcher) scheduleExecutionEntries(ctx context.Context) error {
	entries, err := d.store.ListEntriesInStatus(ctx, model.ExecutionStatuses...)
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
		if e.Status == model.StatusRunning {
			// Running entries always have an agent; one without belongs
			// to recovery, not the tick loop.
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

		tasks, err := d.executionTasks(ctx, job, key.status, group)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := d.addAgent(agent.New(task)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) executionTasks(ctx context.Context, job *model.Job, status model.Status, group []*model.QueueEntry) ([]agent.Task, error) {
	switch status {
	case model.StatusStarting:
		return d.startingTasks(ctx, job, group)
	case model.StatusGathering:
		hosts, err := d.hostsOf(ctx, group)
		if err != nil {
			return nil, err
		}
		return []agent.Task{agent.NewGatherLogsTask(d.deps, job, group, hosts)}, nil
	case model.StatusParsing:
		return []agent.Task{agent.NewFinalReparseTask(d.deps, job, group)}, nil
	case model.StatusArchiving:
		return []agent.Task{agent.NewArchiveResultsTask(d.deps, job, group)}, nil
	}
	return nil, nil
}

// startingTasks builds the job runs for a group of Starting entries. A
// synchronous job runs its whole group as one execution; everything else runs
// one execution per entry.
func (d *Dispatcher) startingTasks(ctx context.Context, job *model.Job, group []*model.QueueEntry) ([]agent.Task, error) {
	if job.SyncCount > 1 {
		hosts, err := d.hostsOf(ctx, group)
		if err != nil {
			return nil, err
		}
		return []agent.Task{agent.NewQueueTask(d.deps, job, group, hosts)}, nil
	}

	var tasks []agent.Task
	for _, e := range group {
		if e.IsHostless() {
			tasks = append(tasks, agent.NewHostlessQueueTask(d.deps, job, e))
			continue
		}
		hosts, err := d.hostsOf(ctx, []*model.QueueEntry{e})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, agent.NewQueueTask(d.deps, job, []*model.QueueEntry{e}, hosts))
	}
	return tasks, nil
}

func (d *Dispatcher) hostsOf(ctx context.Context, entries []*model.QueueEntry) ([]*model.Host, error) {
	hosts := make([]*model.Host, 0, len(entries))
	for _, e := range entries {
		if e.HostID == nil {
			return nil, consistencyErrorf("entry %d in %s has no host", e.ID, e.Status)
		}
		h, err := d.store.GetHost(ctx, *e.HostID)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, consistencyErrorf("entry %d names missing host %d", e.ID, *e.HostID)
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// scheduleSpecialTasks turns queued special task records into agents, repair
// first, one task per host at a time.
func (d *Dispatcher) scheduleSpecialTasks(ctx context.Context) error {
	records, err := d.store.ListQueuedSpecialTasks(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Kind.SchedulingPriority() < records[j].Kind.SchedulingPriority()
	})

	for _, record := range records {
		if d.hostHasAgent(record.HostID) {
			continue
		}
		task, err := d.specialAgentTask(ctx, record)
		if err != nil {
			return err
		}
		if err := d.addAgent(agent.New(task)); err != nil {
			return err
		}
		d.metrics.TasksScheduled.WithLabelValues(record.Kind.String()).Inc()
	}
	return nil
}

// scheduleNewJobs walks Queued entries in admission order and assigns hosts.
// Entries that cannot get a host this cycle simply stay queued.
func (d *Dispatcher) scheduleNewJobs(ctx context.Context) error {
	entries, err := d.store.ListNewQueueEntries(ctx)
	if err != nil {
		return err
	}
	// Hosts handed out earlier in this same pass are not busy in the store
	// yet; track them here so two entries cannot claim one host.
	assigned := make(map[int64]bool)
	busy := func(hostID int64) bool {
		return assigned[hostID] || d.hostHasAgent(hostID)
	}

	for _, e := range entries {
		if d.entryHasAgent(e.ID) {
			continue
		}
		job, err := d.store.GetJob(ctx, e.JobID)
		if err != nil {
			return err
		}
		if job == nil {
			return consistencyErrorf("entry %d references missing job %d", e.ID, e.JobID)
		}

		switch {
		case e.IsHostless():
			// Hostless entries need no machine; admit directly.
			if err := d.setEntryStatus(ctx, e, model.StatusStarting); err != nil {
				return err
			}
			if err := d.addAgent(agent.New(agent.NewHostlessQueueTask(d.deps, job, e))); err != nil {
				return err
			}
			d.metrics.EntriesScheduled.Inc()

		case e.AtomicGroupID != nil:
			hosts, err := d.matcher.AtomicGroupHosts(ctx, e, busy)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				continue
			}
			group := []*model.QueueEntry{e}
			for range hosts[1:] {
				clone, err := d.store.CloneQueueEntry(ctx, e)
				if err != nil {
					return err
				}
				group = append(group, clone)
			}
			for i, h := range hosts {
				if err := d.assignHost(ctx, job, group[i], h); err != nil {
					return err
				}
				assigned[h.ID] = true
			}

		default:
			h, err := d.matcher.HostFor(ctx, e, busy)
			if err != nil {
				return err
			}
			if h == nil {
				continue
			}
			if err := d.assignHost(ctx, job, e, h); err != nil {
				return err
			}
			assigned[h.ID] = true
		}
	}
	return nil
}

// assignHost pins the entry to the host and starts the pre-job chain: reset
// when the job asks for one, cleanup for a dirty host, verify when the job
// wants it, otherwise straight to Pending.
func (d *Dispatcher) assignHost(ctx context.Context, job *model.Job, e *model.QueueEntry, h *model.Host) error {
	e.HostID = &h.ID
	if err := d.store.UpdateQueueEntry(ctx, e); err != nil {
		return err
	}
	d.logger.Info("host assigned", "entry", e.ID, "job", job.ID, "host", h.Hostname)
	d.metrics.EntriesScheduled.Inc()

	var kind model.TaskKind
	switch {
	case job.RunReset:
		kind = model.TaskReset
	case h.Dirty:
		kind = model.TaskCleanup
	case job.RunVerify:
		kind = model.TaskVerify
	default:
		// No pre-job work; the entry and host move to Pending now.
		if err := d.setEntryStatus(ctx, e, model.StatusPending); err != nil {
			return err
		}
		if err := d.store.UpdateHostStatus(ctx, h.ID, model.HostPending); err != nil {
			return err
		}
		return agent.StartJobIfReady(ctx, d.deps, e.JobID)
	}

	if err := d.setEntryStatus(ctx, e, model.StatusVerifying); err != nil {
		return err
	}
	return d.store.CreateSpecialTask(ctx, &model.SpecialTask{
		HostID:       h.ID,
		Kind:         kind,
		QueueEntryID: &e.ID,
		RequestedAt:  time.Now().UTC(),
	})
}

// handleAgents polls every agent once. Unstarted agents pass through
// admission control first; one refusal throttles every later non-zero-cost
// agent so admission order is respected.
func (d *Dispatcher) handleAgents(ctx context.Context) error {
	numStarted := 0
	reachedLimit := false

	for _, a := range append([]*agent.Agent(nil), d.agents...) {
		if !a.Started() && a.NumProcesses() > 0 {
			if reachedLimit || !d.canStartAgent(a, numStarted) {
				reachedLimit = true
				continue
			}
			numStarted += a.NumProcesses()
			d.metrics.ProcessesStarted.Add(float64(a.NumProcesses()))
		}
		if err := a.Tick(ctx); err != nil {
			d.logger.Error("agent tick", "error", err)
		}
		if a.IsDone() {
			d.removeAgent(a)
		}
	}
	return nil
}

// canStartAgent applies the admission rules to one unstarted agent.
func (d *Dispatcher) canStartAgent(a *agent.Agent, numStartedThisCycle int) bool {
	task := a.Task
	maxRunnable := d.drone.MaxRunnableProcesses(task.Owner(), task.DroneHostnamesAllowed())
	if a.NumProcesses() > maxRunnable {
		return false
	}
	// The cycle cap never blocks the first admission, so an oversized group
	// cannot starve itself forever.
	if numStartedThisCycle > 0 &&
		numStartedThisCycle+a.NumProcesses() > d.config.MaxProcessesStartedPerCycle {
		return false
	}
	return true
}

func (d *Dispatcher) publishStatus(started time.Time) {
	elapsed := time.Since(started)
	d.metrics.TicksTotal.Inc()
	d.metrics.TickDuration.Observe(elapsed.Seconds())
	d.metrics.AgentsRunning.Set(float64(len(d.agents)))
	d.metrics.ProcessesRunning.Set(float64(d.drone.TotalRunningProcesses()))

	d.statusMu.Lock()
	d.status.Agents = len(d.agents)
	d.status.RunningProcesses = d.drone.TotalRunningProcesses()
	d.status.LastTickAt = started
	d.status.LastTickDuration = elapsed
	d.status.TickCount++
	d.statusMu.Unlock()
}

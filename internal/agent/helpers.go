package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/me/labsched/pkg/model"
)

func setEntryStatus(ctx context.Context, deps Deps, e *model.QueueEntry, status model.Status) error {
	e.SetStatus(status)
	if e.Complete && e.FinishedOn == nil {
		now := time.Now().UTC()
		e.FinishedOn = &now
	}
	if err := deps.Store.UpdateQueueEntry(ctx, e); err != nil {
		return fmt.Errorf("entry %d to %s: %w", e.ID, status, err)
	}
	deps.Logger.Info("entry status", "entry", e.ID, "job", e.JobID, "status", status)
	return nil
}

// onPending moves a verified entry and its host to Pending, then starts the
// job if every entry it needs has arrived.
func onPending(ctx context.Context, deps Deps, e *model.QueueEntry) error {
	if err := setEntryStatus(ctx, deps, e, model.StatusPending); err != nil {
		return err
	}
	if e.HostID != nil {
		if err := deps.Store.UpdateHostStatus(ctx, *e.HostID, model.HostPending); err != nil {
			return err
		}
	}
	return StartJobIfReady(ctx, deps, e.JobID)
}

// StartJobIfReady promotes all Pending entries of a job to Starting once the
// job's sync count is satisfied. The dispatcher picks Starting groups up and
// launches them.
func StartJobIfReady(ctx context.Context, deps Deps, jobID int64) error {
	job, err := deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", jobID)
	}

	entries, err := deps.Store.ListEntriesByJob(ctx, jobID)
	if err != nil {
		return err
	}
	var pending []*model.QueueEntry
	for _, e := range entries {
		if e.Status == model.StatusPending && !e.Complete {
			pending = append(pending, e)
		}
	}
	if len(pending) < job.SyncCount {
		return nil
	}

	for _, e := range pending {
		if err := setEntryStatus(ctx, deps, e, model.StatusStarting); err != nil {
			return err
		}
	}
	deps.Logger.Info("job ready", "job", jobID, "entries", len(pending))
	return nil
}

// StopJobIfNecessary stops a synchronous job's remaining unstarted entries
// once too few are left to ever satisfy the sync count. Without this,
// aborting or failing one entry of a sync group strands the rest in Pending.
func StopJobIfNecessary(ctx context.Context, deps Deps, jobID int64) error {
	job, err := deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.SyncCount <= 1 {
		return nil
	}

	entries, err := deps.Store.ListEntriesByJob(ctx, jobID)
	if err != nil {
		return err
	}
	notYetRun := 0
	for _, e := range entries {
		if e.Complete || e.Active {
			continue
		}
		switch e.Status {
		case model.StatusQueued, model.StatusVerifying, model.StatusPending, model.StatusWaiting:
			notYetRun++
		}
	}
	if notYetRun == 0 || notYetRun >= job.SyncCount {
		return nil
	}

	deps.Logger.Info("stopping short-handed synchronous job",
		"job", jobID, "remaining", notYetRun, "sync_count", job.SyncCount)
	return stopRemainingEntries(ctx, deps, jobID)
}

// stopRemainingEntries marks the job's unstarted entries Stopped. Called when
// a synchronous job can no longer gather enough hosts.
func stopRemainingEntries(ctx context.Context, deps Deps, jobID int64) error {
	entries, err := deps.Store.ListEntriesByJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Complete || e.Active {
			continue
		}
		switch e.Status {
		case model.StatusQueued, model.StatusPending:
			if err := setEntryStatus(ctx, deps, e, model.StatusStopped); err != nil {
				return err
			}
			if e.HostID != nil {
				if err := deps.Store.UpdateHostStatus(ctx, *e.HostID, model.HostReady); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// requestCleanup records a Cleanup special task against the host.
func requestCleanup(ctx context.Context, deps Deps, hostID int64, entryID *int64) error {
	return deps.Store.CreateSpecialTask(ctx, &model.SpecialTask{
		HostID:       hostID,
		Kind:         model.TaskCleanup,
		QueueEntryID: entryID,
		RequestedAt:  time.Now().UTC(),
	})
}

func hostIDsOf(hosts []*model.Host) []int64 {
	ids := make([]int64, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID
	}
	return ids
}

func entryIDsOf(entries []*model.QueueEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

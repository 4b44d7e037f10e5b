package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/me/labsched/internal/drone"
	"github.com/me/labsched/pkg/model"
)

// QueueTask runs a job's control file against one execution group of queue
// entries. Synchronous jobs put all their entries in one group under a shared
// execution subdirectory.
type QueueTask struct {
	procTask
	job     *model.Job
	entries []*model.QueueEntry
	hosts   []*model.Host
}

// NewQueueTask builds the task for a group of Starting entries and the hosts
// they hold. entries and hosts are parallel slices.
func NewQueueTask(deps Deps, job *model.Job, entries []*model.QueueEntry, hosts []*model.Host) *QueueTask {
	t := &QueueTask{job: job, entries: entries, hosts: hosts}
	t.procTask = procTask{deps: deps, self: t}
	if entries[0].ExecutionSubdir != "" {
		t.tag = entries[0].ExecutionTag()
	}
	return t
}

func (t *QueueTask) prolog(ctx context.Context) error {
	subdir := t.hosts[0].Hostname
	if len(t.entries) > 1 {
		subdir = fmt.Sprintf("group%d", t.entries[0].ID)
	}

	now := time.Now().UTC()
	for i, e := range t.entries {
		if e.ExecutionSubdir == "" {
			e.ExecutionSubdir = subdir
		}
		e.SetStatus(model.StatusRunning)
		e.StartedOn = &now
		if err := t.deps.Store.UpdateQueueEntry(ctx, e); err != nil {
			return err
		}
		h := t.hosts[i]
		if err := t.deps.Store.UpdateHostStatus(ctx, h.ID, model.HostRunning); err != nil {
			return err
		}
		// Running a job leaves the host dirty until the next cleanup.
		if err := t.deps.Store.SetHostDirty(ctx, h.ID, true); err != nil {
			return err
		}
	}
	t.tag = t.entries[0].ExecutionTag()

	if _, err := t.deps.Drone.AttachFileToExecution(t.tag, "control", []byte(t.job.ControlFile)); err != nil {
		return fmt.Errorf("stage control file: %w", err)
	}
	t.deps.Logger.Info("job starting", "job", t.job.ID, "tag", t.tag, "hosts", len(t.hosts))
	return nil
}

func (t *QueueTask) submission(ctx context.Context) (drone.Submission, error) {
	hostnames := make([]string, len(t.hosts))
	for i, h := range t.hosts {
		hostnames[i] = h.Hostname
	}
	return drone.Submission{
		Tag:            t.tag,
		Command:        []string{t.deps.WorkerPath, "-P", t.tag, "-m", strings.Join(hostnames, ","), "-r", ".", "control"},
		Owner:          t.job.Owner,
		NumProcesses:   len(t.entries),
		DroneHostnames: t.job.DroneHostnamesAllowed,
	}, nil
}

func (t *QueueTask) epilog(ctx context.Context) error {
	if t.aborted {
		t.deps.Drone.WriteLinesToFile(t.tag+"/status.log",
			[]string{"INFO\t----\t----\tJob aborted by scheduler"})
		for i, e := range t.entries {
			if err := setEntryStatus(ctx, t.deps, e, model.StatusAborted); err != nil {
				return err
			}
			h := t.hosts[i]
			if err := t.deps.Store.UpdateHostStatus(ctx, h.ID, model.HostReady); err != nil {
				return err
			}
			if err := requestCleanup(ctx, t.deps, h.ID, nil); err != nil {
				return err
			}
		}
		return nil
	}

	if t.lost {
		t.writeLostProcessMarker()
	}
	// Gathering runs whether the job passed or failed; it collects crash
	// dumps and decides the host's fate.
	for _, e := range t.entries {
		if err := setEntryStatus(ctx, t.deps, e, model.StatusGathering); err != nil {
			return err
		}
	}
	return nil
}

// writeLostProcessMarker records in the results that the worker vanished, so
// the parser reports the failure instead of an empty run.
func (t *QueueTask) writeLostProcessMarker() {
	msg := fmt.Sprintf("Process for job %d disappeared without writing an exit code", t.job.ID)
	if _, err := t.deps.Drone.AttachFileToExecution(t.tag, "job_failure", []byte(msg+"\n")); err != nil {
		t.deps.Logger.Error("write job_failure marker", "tag", t.tag, "error", err)
	}
	t.deps.Drone.WriteLinesToFile(t.tag+"/status.log", []string{"FAIL\t----\t----\t" + msg})
	t.deps.Notify.Enqueuef("Scheduler lost a job process", "job %d (tag %s): %s", t.job.ID, t.tag, msg)
}

func (t *QueueTask) Abort(ctx context.Context) error {
	return t.abortProcess(ctx)
}

func (t *QueueTask) Recover(ctx context.Context) error {
	t.recoverAttach(true)
	return nil
}

func (t *QueueTask) HostIDs() []int64                 { return hostIDsOf(t.hosts) }
func (t *QueueTask) QueueEntryIDs() []int64           { return entryIDsOf(t.entries) }
func (t *QueueTask) NumProcesses() int                { return len(t.entries) }
func (t *QueueTask) Owner() string                    { return t.job.Owner }
func (t *QueueTask) DroneHostnamesAllowed() []string  { return t.job.DroneHostnamesAllowed }

// HostlessQueueTask runs a control file with no machine attached, for suite
// and server-side bookkeeping jobs.
type HostlessQueueTask struct {
	procTask
	job   *model.Job
	entry *model.QueueEntry
}

func NewHostlessQueueTask(deps Deps, job *model.Job, entry *model.QueueEntry) *HostlessQueueTask {
	t := &HostlessQueueTask{job: job, entry: entry}
	t.procTask = procTask{deps: deps, self: t, tag: entry.ExecutionTag()}
	return t
}

func (t *HostlessQueueTask) prolog(ctx context.Context) error {
	now := time.Now().UTC()
	t.entry.SetStatus(model.StatusRunning)
	t.entry.StartedOn = &now
	if err := t.deps.Store.UpdateQueueEntry(ctx, t.entry); err != nil {
		return err
	}
	if _, err := t.deps.Drone.AttachFileToExecution(t.tag, "control", []byte(t.job.ControlFile)); err != nil {
		return fmt.Errorf("stage control file: %w", err)
	}
	return nil
}

func (t *HostlessQueueTask) submission(ctx context.Context) (drone.Submission, error) {
	return drone.Submission{
		Tag:            t.tag,
		Command:        []string{t.deps.WorkerPath, "-P", t.tag, "-r", ".", "control"},
		Owner:          t.job.Owner,
		NumProcesses:   1,
		DroneHostnames: t.job.DroneHostnamesAllowed,
	}, nil
}

func (t *HostlessQueueTask) epilog(ctx context.Context) error {
	if t.aborted {
		return setEntryStatus(ctx, t.deps, t.entry, model.StatusAborted)
	}
	// No host, so no gathering step; go straight to parsing.
	return setEntryStatus(ctx, t.deps, t.entry, model.StatusParsing)
}

func (t *HostlessQueueTask) Abort(ctx context.Context) error {
	return t.abortProcess(ctx)
}

func (t *HostlessQueueTask) Recover(ctx context.Context) error {
	t.recoverAttach(true)
	return nil
}

func (t *HostlessQueueTask) HostIDs() []int64                { return nil }
func (t *HostlessQueueTask) QueueEntryIDs() []int64          { return []int64{t.entry.ID} }
func (t *HostlessQueueTask) NumProcesses() int               { return 1 }
func (t *HostlessQueueTask) Owner() string                   { return t.job.Owner }
func (t *HostlessQueueTask) DroneHostnamesAllowed() []string { return t.job.DroneHostnamesAllowed }

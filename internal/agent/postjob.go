package agent

import (
	"context"
	"strings"

	"github.com/me/labsched/internal/drone"
	"github.com/me/labsched/pkg/model"
)

// postJobTask is the shared shape of the gather/parse/archive pipeline that
// runs after a job's process exits. Post-job tasks refuse aborts: results are
// collected even for aborted jobs.
type postJobTask struct {
	procTask
	job     *model.Job
	entries []*model.QueueEntry
}

func (t *postJobTask) initPostJob(deps Deps, self hooks) {
	t.procTask = procTask{deps: deps, self: self, tag: t.entries[0].ExecutionTag()}
}

// Abort is ignored; the pipeline always runs to completion.
func (t *postJobTask) Abort(ctx context.Context) error { return nil }

func (t *postJobTask) Recover(ctx context.Context) error {
	// Gather, parse and archive are all safe to re-run from scratch when
	// the old process is gone.
	t.recoverAttach(false)
	return nil
}

func (t *postJobTask) QueueEntryIDs() []int64          { return entryIDsOf(t.entries) }
func (t *postJobTask) Owner() string                   { return t.job.Owner }
func (t *postJobTask) DroneHostnamesAllowed() []string { return t.job.DroneHostnamesAllowed }

// GatherLogsTask collects crash dumps off the job's hosts after the main
// process exits, then releases the hosts for cleanup.
type GatherLogsTask struct {
	postJobTask
	hosts []*model.Host
}

func NewGatherLogsTask(deps Deps, job *model.Job, entries []*model.QueueEntry, hosts []*model.Host) *GatherLogsTask {
	t := &GatherLogsTask{postJobTask: postJobTask{job: job, entries: entries}, hosts: hosts}
	t.initPostJob(deps, t)
	return t
}

func (t *GatherLogsTask) prolog(ctx context.Context) error {
	t.deps.Logger.Info("gathering logs", "job", t.job.ID, "tag", t.tag)
	return nil
}

func (t *GatherLogsTask) submission(ctx context.Context) (drone.Submission, error) {
	hostnames := make([]string, len(t.hosts))
	for i, h := range t.hosts {
		hostnames[i] = h.Hostname
	}
	return drone.Submission{
		Tag:            t.tag,
		Command:        []string{t.deps.WorkerPath, "--collect-crashinfo", "-m", strings.Join(hostnames, ","), "-r", "."},
		Owner:          t.job.Owner,
		NumProcesses:   1,
		DroneHostnames: t.job.DroneHostnamesAllowed,
	}, nil
}

func (t *GatherLogsTask) epilog(ctx context.Context) error {
	for _, e := range t.entries {
		next := model.StatusParsing
		if e.Aborted {
			next = model.StatusAborted
		}
		if err := setEntryStatus(ctx, t.deps, e, next); err != nil {
			return err
		}
	}
	for _, h := range t.hosts {
		if err := t.deps.Store.UpdateHostStatus(ctx, h.ID, model.HostReady); err != nil {
			return err
		}
		// The cleanup waits in the store until the entry finishes parsing.
		if err := requestCleanup(ctx, t.deps, h.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *GatherLogsTask) HostIDs() []int64 { return hostIDsOf(t.hosts) }
func (t *GatherLogsTask) NumProcesses() int { return 1 }

// FinalReparseTask feeds the results directory to the parser so the entry's
// test results land in the database. Parsing costs no admission slots.
type FinalReparseTask struct {
	postJobTask
}

func NewFinalReparseTask(deps Deps, job *model.Job, entries []*model.QueueEntry) *FinalReparseTask {
	t := &FinalReparseTask{postJobTask{job: job, entries: entries}}
	t.initPostJob(deps, t)
	return t
}

func (t *FinalReparseTask) prolog(ctx context.Context) error {
	t.deps.Logger.Info("parsing results", "job", t.job.ID, "tag", t.tag)
	return nil
}

func (t *FinalReparseTask) submission(ctx context.Context) (drone.Submission, error) {
	return drone.Submission{
		Tag:            t.tag,
		Command:        []string{t.deps.WorkerPath, "--parse", "-r", "."},
		Owner:          t.job.Owner,
		DroneHostnames: t.job.DroneHostnamesAllowed,
	}, nil
}

func (t *FinalReparseTask) epilog(ctx context.Context) error {
	for _, e := range t.entries {
		if err := setEntryStatus(ctx, t.deps, e, model.StatusArchiving); err != nil {
			return err
		}
	}
	return nil
}

func (t *FinalReparseTask) HostIDs() []int64  { return nil }
func (t *FinalReparseTask) NumProcesses() int { return 0 }

// ArchiveResultsTask copies the results directory to long-term storage and
// settles the entries' final status.
type ArchiveResultsTask struct {
	postJobTask
}

func NewArchiveResultsTask(deps Deps, job *model.Job, entries []*model.QueueEntry) *ArchiveResultsTask {
	t := &ArchiveResultsTask{postJobTask{job: job, entries: entries}}
	t.initPostJob(deps, t)
	return t
}

func (t *ArchiveResultsTask) prolog(ctx context.Context) error {
	return nil
}

func (t *ArchiveResultsTask) submission(ctx context.Context) (drone.Submission, error) {
	return drone.Submission{
		Tag:            t.tag,
		Command:        []string{t.deps.WorkerPath, "--archive", "-r", "."},
		Owner:          t.job.Owner,
		DroneHostnames: t.job.DroneHostnamesAllowed,
	}, nil
}

func (t *ArchiveResultsTask) epilog(ctx context.Context) error {
	for _, e := range t.entries {
		final := model.StatusCompleted
		if e.Aborted {
			final = model.StatusAborted
		}
		if err := setEntryStatus(ctx, t.deps, e, final); err != nil {
			return err
		}
	}
	return nil
}

func (t *ArchiveResultsTask) HostIDs() []int64  { return nil }
func (t *ArchiveResultsTask) NumProcesses() int { return 0 }

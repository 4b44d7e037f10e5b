package agent

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/me/labsched/internal/drone"
	"github.com/me/labsched/internal/notify"
	"github.com/me/labsched/internal/store"
	"github.com/me/labsched/pkg/model"
)

func testDeps(t *testing.T) (context.Context, Deps, *drone.FakeManager) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fake := drone.NewFakeManager(10)
	deps := Deps{
		Store:      st,
		Drone:      fake,
		Notify:     notify.NewLogSink(logger),
		Logger:     logger,
		WorkerPath: "labworker",
	}
	return ctx, deps, fake
}

func makeJob(t *testing.T, ctx context.Context, deps Deps, syncCount int) *model.Job {
	t.Helper()
	j := &model.Job{Name: "dummy_Pass", Owner: "debug_user", ControlFile: "step0()\n", SyncCount: syncCount}
	if err := deps.Store.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	return j
}

func makeHost(t *testing.T, ctx context.Context, deps Deps, hostname string) *model.Host {
	t.Helper()
	h := &model.Host{Hostname: hostname}
	if err := deps.Store.CreateHost(ctx, h); err != nil {
		t.Fatal(err)
	}
	return h
}

func makeEntry(t *testing.T, ctx context.Context, deps Deps, job *model.Job, host *model.Host, status model.Status) *model.QueueEntry {
	t.Helper()
	e := &model.QueueEntry{JobID: job.ID}
	if host != nil {
		e.HostID = &host.ID
	}
	e.SetStatus(status)
	if err := deps.Store.CreateQueueEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	return e
}

func reloadEntry(t *testing.T, ctx context.Context, deps Deps, id int64) *model.QueueEntry {
	t.Helper()
	e, err := deps.Store.GetQueueEntry(ctx, id)
	if err != nil || e == nil {
		t.Fatalf("reload entry %d: %v", id, err)
	}
	return e
}

func reloadHost(t *testing.T, ctx context.Context, deps Deps, id int64) *model.Host {
	t.Helper()
	h, err := deps.Store.GetHost(ctx, id)
	if err != nil || h == nil {
		t.Fatalf("reload host %d: %v", id, err)
	}
	return h
}

func TestQueueTaskLifecycle(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusStarting)

	task := NewQueueTask(deps, job, []*model.QueueEntry{entry}, []*model.Host{host})

	// First poll: prolog plus process submission.
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	got := reloadEntry(t, ctx, deps, entry.ID)
	if got.Status != model.StatusRunning || !got.Active || got.StartedOn == nil {
		t.Fatalf("after prolog entry = %s active=%v started=%v", got.Status, got.Active, got.StartedOn)
	}
	if got.ExecutionSubdir != "host1" {
		t.Errorf("execution subdir = %q, want host1", got.ExecutionSubdir)
	}
	h := reloadHost(t, ctx, deps, host.ID)
	if h.Status != model.HostRunning || !h.Dirty {
		t.Errorf("host = %s dirty=%v, want Running dirty", h.Status, h.Dirty)
	}
	if _, ok := fake.Files[entry.ExecutionTag()+"/control"]; !ok {
		t.Error("control file not staged")
	}

	fake.ExecuteQueuedActions(ctx)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if task.IsDone() {
		t.Fatal("task done while process still running")
	}

	fake.FinishProcess(entry.ExecutionTag(), 0)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if !task.IsDone() || !task.Success() {
		t.Fatalf("task done=%v success=%v, want both", task.IsDone(), task.Success())
	}
	got = reloadEntry(t, ctx, deps, entry.ID)
	if got.Status != model.StatusGathering {
		t.Errorf("entry after epilog = %s, want Gathering", got.Status)
	}
}

func TestQueueTaskLostProcess(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusStarting)

	task := NewQueueTask(deps, job, []*model.QueueEntry{entry}, []*model.Host{host})
	task.Poll(ctx)
	fake.ExecuteQueuedActions(ctx)
	fake.LoseProcess(entry.ExecutionTag())
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if !task.IsDone() || task.Success() {
		t.Fatalf("task done=%v success=%v, want done and failed", task.IsDone(), task.Success())
	}
	if _, ok := fake.Files[entry.ExecutionTag()+"/job_failure"]; !ok {
		t.Error("job_failure marker not written for lost process")
	}
	got := reloadEntry(t, ctx, deps, entry.ID)
	if got.Status != model.StatusGathering {
		t.Errorf("entry = %s, want Gathering even after lost process", got.Status)
	}
}

func TestQueueTaskAbort(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusStarting)

	task := NewQueueTask(deps, job, []*model.QueueEntry{entry}, []*model.Host{host})
	task.Poll(ctx)
	fake.ExecuteQueuedActions(ctx)

	if err := task.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !task.Aborted() || !task.IsDone() {
		t.Fatal("task not settled by abort")
	}

	got := reloadEntry(t, ctx, deps, entry.ID)
	if got.Status != model.StatusAborted || !got.Complete || got.FinishedOn == nil {
		t.Errorf("entry = %s complete=%v finished=%v", got.Status, got.Complete, got.FinishedOn)
	}
	queued, err := deps.Store.ListQueuedSpecialTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Kind != model.TaskCleanup {
		t.Errorf("queued tasks after abort = %+v, want one Cleanup", queued)
	}
}

func TestSyncJobWaitsForAllEntries(t *testing.T) {
	ctx, deps, _ := testDeps(t)
	job := makeJob(t, ctx, deps, 2)
	h1 := makeHost(t, ctx, deps, "host1")
	h2 := makeHost(t, ctx, deps, "host2")
	e1 := makeEntry(t, ctx, deps, job, h1, model.StatusVerifying)
	e2 := makeEntry(t, ctx, deps, job, h2, model.StatusVerifying)

	if err := onPending(ctx, deps, e1); err != nil {
		t.Fatal(err)
	}
	if got := reloadEntry(t, ctx, deps, e1.ID); got.Status != model.StatusPending {
		t.Fatalf("first entry = %s, want Pending while job waits", got.Status)
	}

	if err := onPending(ctx, deps, e2); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{e1.ID, e2.ID} {
		if got := reloadEntry(t, ctx, deps, id); got.Status != model.StatusStarting {
			t.Errorf("entry %d = %s, want Starting once sync count met", id, got.Status)
		}
	}
}

func TestVerifyTaskSuccess(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusQueued)

	record := &model.SpecialTask{HostID: host.ID, Kind: model.TaskVerify, QueueEntryID: &entry.ID, RequestedAt: time.Now()}
	if err := deps.Store.CreateSpecialTask(ctx, record); err != nil {
		t.Fatal(err)
	}
	task, err := NewSpecialAgentTask(deps, record, host, entry)
	if err != nil {
		t.Fatal(err)
	}

	task.Poll(ctx)
	if got := reloadHost(t, ctx, deps, host.ID); got.Status != model.HostVerifying {
		t.Fatalf("host during verify = %s", got.Status)
	}
	if got := reloadEntry(t, ctx, deps, entry.ID); got.Status != model.StatusVerifying {
		t.Fatalf("entry during verify = %s", got.Status)
	}

	fake.ExecuteQueuedActions(ctx)
	fake.FinishProcess(record.ExecutionTag(), 0)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Sync count 1: the entry goes straight through Pending to Starting.
	if got := reloadEntry(t, ctx, deps, entry.ID); got.Status != model.StatusStarting {
		t.Errorf("entry after verify = %s, want Starting", got.Status)
	}
	rec, _ := deps.Store.GetSpecialTask(ctx, record.ID)
	if !rec.IsComplete || !rec.Success || rec.IsActive {
		t.Errorf("record after success = %+v", rec)
	}
}

func TestVerifyTaskFailureRequestsRepair(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusQueued)

	record := &model.SpecialTask{HostID: host.ID, Kind: model.TaskVerify, QueueEntryID: &entry.ID, RequestedAt: time.Now()}
	deps.Store.CreateSpecialTask(ctx, record)
	task, _ := NewSpecialAgentTask(deps, record, host, entry)

	task.Poll(ctx)
	fake.ExecuteQueuedActions(ctx)
	fake.FinishProcess(record.ExecutionTag(), 1)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	queued, err := deps.Store.ListQueuedSpecialTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Kind != model.TaskRepair {
		t.Fatalf("queued after verify failure = %+v, want one Repair", queued)
	}
	if queued[0].QueueEntryID == nil || *queued[0].QueueEntryID != entry.ID {
		t.Error("repair task lost the queue entry reference")
	}
}

func TestRepairFailure(t *testing.T) {
	tests := []struct {
		name       string
		metaHost   string
		wantStatus model.Status
		wantHostID bool
	}{
		{"direct entry fails", "", model.StatusFailed, true},
		{"meta-host entry requeues unassigned", "pool:bvt", model.StatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, deps, fake := testDeps(t)
			job := makeJob(t, ctx, deps, 1)
			host := makeHost(t, ctx, deps, "host1")
			entry := &model.QueueEntry{JobID: job.ID, HostID: &host.ID, MetaHostLabel: tt.metaHost}
			entry.SetStatus(model.StatusQueued)
			if err := deps.Store.CreateQueueEntry(ctx, entry); err != nil {
				t.Fatal(err)
			}

			record := &model.SpecialTask{HostID: host.ID, Kind: model.TaskRepair, QueueEntryID: &entry.ID, RequestedAt: time.Now()}
			deps.Store.CreateSpecialTask(ctx, record)
			task, _ := NewSpecialAgentTask(deps, record, host, entry)

			task.Poll(ctx)
			fake.ExecuteQueuedActions(ctx)
			fake.FinishProcess(record.ExecutionTag(), 2)
			if err := task.Poll(ctx); err != nil {
				t.Fatalf("poll: %v", err)
			}

			if got := reloadHost(t, ctx, deps, host.ID); got.Status != model.HostRepairFailed {
				t.Errorf("host = %s, want Repair Failed", got.Status)
			}
			got := reloadEntry(t, ctx, deps, entry.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("entry = %s, want %s", got.Status, tt.wantStatus)
			}
			if (got.HostID != nil) != tt.wantHostID {
				t.Errorf("entry host assignment = %v, want %v", got.HostID != nil, tt.wantHostID)
			}
		})
	}
}

func TestRepairSuccessRequeuesEntry(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusQueued)

	record := &model.SpecialTask{HostID: host.ID, Kind: model.TaskRepair, QueueEntryID: &entry.ID, RequestedAt: time.Now()}
	deps.Store.CreateSpecialTask(ctx, record)
	task, _ := NewSpecialAgentTask(deps, record, host, entry)

	task.Poll(ctx)
	fake.ExecuteQueuedActions(ctx)
	fake.FinishProcess(record.ExecutionTag(), 0)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got := reloadHost(t, ctx, deps, host.ID); got.Status != model.HostReady || got.Dirty {
		t.Errorf("host = %s dirty=%v, want Ready clean", got.Status, got.Dirty)
	}
	if got := reloadEntry(t, ctx, deps, entry.ID); got.Status != model.StatusQueued {
		t.Errorf("entry = %s, want Queued", got.Status)
	}
}

func TestCleanupChainsIntoVerify(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := &model.Job{Name: "verify_job", Owner: "debug_user", ControlFile: "x", SyncCount: 1, RunVerify: true}
	if err := deps.Store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusQueued)

	record := &model.SpecialTask{HostID: host.ID, Kind: model.TaskCleanup, QueueEntryID: &entry.ID, RequestedAt: time.Now()}
	deps.Store.CreateSpecialTask(ctx, record)
	task, _ := NewSpecialAgentTask(deps, record, host, entry)

	task.Poll(ctx)
	fake.ExecuteQueuedActions(ctx)
	fake.FinishProcess(record.ExecutionTag(), 0)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	queued, _ := deps.Store.ListQueuedSpecialTasks(ctx)
	if len(queued) != 1 || queued[0].Kind != model.TaskVerify {
		t.Fatalf("queued after cleanup = %+v, want chained Verify", queued)
	}
	if got := reloadHost(t, ctx, deps, host.ID); got.Dirty {
		t.Error("host still dirty after cleanup")
	}
}

func TestGatherLogsReleasesHost(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusGathering)
	entry.ExecutionSubdir = "host1"
	deps.Store.UpdateQueueEntry(ctx, entry)

	task := NewGatherLogsTask(deps, job, []*model.QueueEntry{entry}, []*model.Host{host})
	task.Poll(ctx)
	fake.ExecuteQueuedActions(ctx)
	fake.FinishProcess(entry.ExecutionTag(), 0)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got := reloadEntry(t, ctx, deps, entry.ID); got.Status != model.StatusParsing {
		t.Errorf("entry = %s, want Parsing", got.Status)
	}
	if got := reloadHost(t, ctx, deps, host.ID); got.Status != model.HostReady {
		t.Errorf("host = %s, want Ready", got.Status)
	}

	// Abort must be a no-op on post-job work.
	if err := task.Abort(ctx); err != nil || task.Aborted() {
		t.Error("gather task accepted an abort")
	}
}

func TestArchiveSettlesFinalStatus(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusArchiving)
	entry.ExecutionSubdir = "host1"
	deps.Store.UpdateQueueEntry(ctx, entry)

	task := NewArchiveResultsTask(deps, job, []*model.QueueEntry{entry})
	task.Poll(ctx)
	fake.ExecuteQueuedActions(ctx)
	fake.FinishProcess(entry.ExecutionTag(), 0)
	if err := task.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got := reloadEntry(t, ctx, deps, entry.ID)
	if got.Status != model.StatusCompleted || !got.Complete {
		t.Errorf("entry = %s complete=%v, want Completed", got.Status, got.Complete)
	}
}

func TestDelayedCallbackTask(t *testing.T) {
	ctx, deps, _ := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusWaiting)
	until := time.Now().Add(time.Hour)
	entry.WaitUntil = &until
	deps.Store.UpdateQueueEntry(ctx, entry)

	task := NewDelayedCallbackTask(deps, entry)
	now := time.Now()
	task.now = func() time.Time { return now }

	if err := task.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if task.IsDone() {
		t.Fatal("task fired before wait_until")
	}

	task.now = func() time.Time { return until.Add(time.Second) }
	if err := task.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if !task.IsDone() {
		t.Fatal("task did not fire after wait_until")
	}
	if got := reloadEntry(t, ctx, deps, entry.ID); got.Status != model.StatusQueued || got.WaitUntil != nil {
		t.Errorf("entry = %s wait=%v, want Queued with no wait", got.Status, got.WaitUntil)
	}
}

func TestAgentWrapper(t *testing.T) {
	ctx, deps, fake := testDeps(t)
	job := makeJob(t, ctx, deps, 1)
	host := makeHost(t, ctx, deps, "host1")
	entry := makeEntry(t, ctx, deps, job, host, model.StatusStarting)

	a := New(NewQueueTask(deps, job, []*model.QueueEntry{entry}, []*model.Host{host}))
	if a.Started() {
		t.Fatal("agent started before first tick")
	}
	if err := a.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if !a.Started() || a.IsDone() {
		t.Fatalf("started=%v done=%v after first tick", a.Started(), a.IsDone())
	}
	if got := a.NumProcesses(); got != 1 {
		t.Errorf("NumProcesses = %d, want 1", got)
	}

	fake.ExecuteQueuedActions(ctx)
	if err := a.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if !a.IsDone() {
		t.Fatal("agent still running after abort of abortable task")
	}

	// Post-job agents survive aborts.
	g := New(NewGatherLogsTask(deps, job, []*model.QueueEntry{entry}, []*model.Host{host}))
	g.Tick(ctx)
	if err := g.Abort(ctx); err != nil {
		t.Fatal(err)
	}
	if g.IsDone() {
		t.Fatal("post-job agent finished by abort")
	}
}

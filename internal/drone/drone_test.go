package drone

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testManager(t *testing.T, capacity int) *LocalManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLocalManager(t.TempDir(), capacity, logger)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLocalManagerRunToCompletion(t *testing.T) {
	m := testManager(t, 4)
	ctx := context.Background()

	mon := m.Queue(Submission{Tag: "1-entry1", Command: []string{"sh", "-c", "exit 3"}})
	if mon.HasProcess() {
		t.Fatal("monitor bound before ExecuteQueuedActions")
	}
	if err := m.ExecuteQueuedActions(ctx); err != nil {
		t.Fatalf("ExecuteQueuedActions: %v", err)
	}
	if !mon.HasProcess() {
		t.Fatal("monitor not bound after flush")
	}

	waitFor(t, "process exit", func() bool {
		_, exited := mon.ExitCode()
		return exited
	})
	code, _ := mon.ExitCode()
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if m.TotalRunningProcesses() != 0 {
		t.Errorf("running = %d after exit, want 0", m.TotalRunningProcesses())
	}

	// The exit record must survive on disk for re-attach.
	if _, err := os.Stat(filepath.Join(m.WorkingDirectory("1-entry1"), exitfileName)); err != nil {
		t.Errorf("exit file missing: %v", err)
	}
}

func TestLocalManagerAttachFinished(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	m1 := NewLocalManager(dir, 4, logger)
	mon := m1.Queue(Submission{Tag: "5-entry9", Command: []string{"true"}})
	if err := m1.ExecuteQueuedActions(ctx); err != nil {
		t.Fatalf("ExecuteQueuedActions: %v", err)
	}
	waitFor(t, "process exit", func() bool {
		_, exited := mon.ExitCode()
		return exited
	})

	// A fresh manager stands in for a restarted scheduler.
	m2 := NewLocalManager(dir, 4, logger)
	mon2 := m2.Attach("5-entry9")
	if mon2 == nil {
		t.Fatal("Attach returned nil for recorded execution")
	}
	code, exited := mon2.ExitCode()
	if !exited || code != 0 {
		t.Errorf("ExitCode = (%d, %v), want (0, true)", code, exited)
	}

	if m2.Attach("no-such-tag") != nil {
		t.Error("Attach returned a monitor for an unrecorded tag")
	}
}

func TestLocalManagerAttachLost(t *testing.T) {
	m := testManager(t, 4)
	workdir := m.WorkingDirectory("7-entry2")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		t.Fatal(err)
	}
	// A pidfile for a pid that cannot exist, with no exit record.
	if err := os.WriteFile(filepath.Join(workdir, pidfileName), []byte(`{"pid":999999999}`), 0o644); err != nil {
		t.Fatal(err)
	}

	mon := m.Attach("7-entry2")
	if mon == nil {
		t.Fatal("Attach returned nil")
	}
	if !mon.Lost() {
		t.Error("dead process without exit record not marked lost")
	}
}

func TestLocalManagerKill(t *testing.T) {
	m := testManager(t, 4)
	ctx := context.Background()

	mon := m.Queue(Submission{Tag: "9-entry4", Command: []string{"sleep", "60"}})
	if err := m.ExecuteQueuedActions(ctx); err != nil {
		t.Fatalf("ExecuteQueuedActions: %v", err)
	}

	mon.Kill()
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	waitFor(t, "killed process exit", func() bool {
		_, exited := mon.ExitCode()
		return exited
	})
}

func TestLocalManagerOrphans(t *testing.T) {
	m := testManager(t, 4)

	// Our own pid is alive and claimed by nobody.
	workdir := m.WorkingDirectory("hosts/3/12-verify")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		t.Fatal(err)
	}
	pf := []byte(`{"pid":` + strconv.Itoa(os.Getpid()) + `}`)
	if err := os.WriteFile(filepath.Join(workdir, pidfileName), pf, 0o644); err != nil {
		t.Fatal(err)
	}

	orphans := m.OrphanedProcesses()
	if len(orphans) != 1 {
		t.Fatalf("orphans = %d, want 1", len(orphans))
	}
	if orphans[0].Tag != "hosts/3/12-verify" {
		t.Errorf("orphan tag = %q", orphans[0].Tag)
	}

	// Claiming the tag removes it from the orphan set.
	if m.Attach("hosts/3/12-verify") == nil {
		t.Fatal("Attach failed for live pidfile")
	}
	if got := m.OrphanedProcesses(); len(got) != 0 {
		t.Errorf("orphans after attach = %d, want 0", len(got))
	}
}

func TestLocalManagerCapacity(t *testing.T) {
	m := testManager(t, 2)
	ctx := context.Background()

	if got := m.MaxRunnableProcesses("debug_user", nil); got != 2 {
		t.Fatalf("MaxRunnableProcesses = %d, want 2", got)
	}

	mon := m.Queue(Submission{Tag: "2-entry1", Command: []string{"sleep", "60"}})
	if err := m.ExecuteQueuedActions(ctx); err != nil {
		t.Fatal(err)
	}
	if got := m.MaxRunnableProcesses("debug_user", nil); got != 1 {
		t.Errorf("MaxRunnableProcesses with one running = %d, want 1", got)
	}

	mon.Kill()
	m.Refresh(ctx)
	waitFor(t, "process exit", func() bool {
		_, exited := mon.ExitCode()
		return exited
	})
}

func TestAttachFileAndWriteLines(t *testing.T) {
	m := testManager(t, 4)

	path, err := m.AttachFileToExecution("4-entry2", "control.srv", []byte("step0()\n"))
	if err != nil {
		t.Fatalf("AttachFileToExecution: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "step0()\n" {
		t.Errorf("attached file content = %q, err %v", data, err)
	}

	if err := m.WriteLinesToFile("4-entry2/status.log", []string{"INFO\t----\t----\tfirst", "INFO\t----\t----\tsecond"}); err != nil {
		t.Fatalf("WriteLinesToFile: %v", err)
	}
	if err := m.WriteLinesToFile("4-entry2/status.log", []string{"INFO\t----\t----\tthird"}); err != nil {
		t.Fatalf("WriteLinesToFile append: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(m.WorkingDirectory("4-entry2"), "status.log"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 3 {
		t.Errorf("status.log lines = %d, want 3", got)
	}
}

func TestFakeManagerLifecycle(t *testing.T) {
	m := NewFakeManager(3)
	ctx := context.Background()

	mon := m.Queue(Submission{Tag: "8-entry3", Command: []string{"autoserv"}, Owner: "alice", NumProcesses: 1})
	if len(m.Executed) != 0 {
		t.Fatal("submission executed before flush")
	}
	if err := m.ExecuteQueuedActions(ctx); err != nil {
		t.Fatal(err)
	}
	if len(m.Executed) != 1 || !mon.HasProcess() {
		t.Fatal("submission not executed on flush")
	}
	if got := m.MaxRunnableProcesses("alice", nil); got != 2 {
		t.Errorf("MaxRunnableProcesses = %d, want 2", got)
	}

	m.FinishProcess("8-entry3", 0)
	if code, exited := mon.ExitCode(); !exited || code != 0 {
		t.Errorf("ExitCode = (%d, %v), want (0, true)", code, exited)
	}
	if got := m.TotalRunningProcesses(); got != 0 {
		t.Errorf("running = %d, want 0", got)
	}

	m.AddAttachable("old-tag")
	if m.Attach("old-tag") == nil {
		t.Error("Attach failed for preloaded tag")
	}
	if m.Attach("missing") != nil {
		t.Error("Attach succeeded for unknown tag")
	}
}

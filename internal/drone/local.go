package drone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const (
	pidfileName  = ".labsched_pid"
	exitfileName = ".labsched_exit"
)

// pidfile is the durable record of one launched process, written next to its
// results so a restarted scheduler can re-attach by tag.
type pidfile struct {
	Pid     int    `json:"pid"`
	Command string `json:"command"`
}

// execution pairs a monitor with whatever handle we have on the process: a
// started exec.Cmd for processes we launched, or just a pid for re-attached
// ones.
type execution struct {
	sub     Submission
	monitor *Monitor
	cmd     *exec.Cmd
	pid     int
}

// LocalManager runs worker processes on the local machine. It implements the
// same queue-then-flush contract a distributed implementation would: nothing
// is spawned until ExecuteQueuedActions.
type LocalManager struct {
	resultsDir   string
	maxProcesses int
	logger       *slog.Logger

	mu         sync.Mutex
	pending    []*execution
	executions map[string]*execution // by tag
}

// NewLocalManager creates a manager rooted at resultsDir with a global
// process capacity.
func NewLocalManager(resultsDir string, maxProcesses int, logger *slog.Logger) *LocalManager {
	return &LocalManager{
		resultsDir:   resultsDir,
		maxProcesses: maxProcesses,
		logger:       logger.With("component", "drone"),
		executions:   make(map[string]*execution),
	}
}

// WorkingDirectory returns the absolute results directory for a tag.
func (m *LocalManager) WorkingDirectory(tag string) string {
	return filepath.Join(m.resultsDir, tag)
}

// Queue records a submission; the process starts on the next flush.
func (m *LocalManager) Queue(sub Submission) *Monitor {
	mon := &Monitor{tag: sub.Tag}
	e := &execution{sub: sub, monitor: mon}

	m.mu.Lock()
	m.pending = append(m.pending, e)
	m.executions[sub.Tag] = e
	m.mu.Unlock()

	m.logger.Debug("submission queued", "tag", sub.Tag, "command", strings.Join(sub.Command, " "))
	return mon
}

// ExecuteQueuedActions launches every queued submission.
func (m *LocalManager) ExecuteQueuedActions(ctx context.Context) error {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, e := range pending {
		if err := m.launch(e); err != nil {
			m.logger.Error("launch failed", "tag", e.sub.Tag, "error", err)
			e.monitor.markLost()
		}
	}
	return nil
}

func (m *LocalManager) launch(e *execution) error {
	workdir := m.WorkingDirectory(e.sub.Tag)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", workdir, err)
	}
	if len(e.sub.Command) == 0 {
		return fmt.Errorf("empty command for tag %s", e.sub.Tag)
	}

	cmd := exec.Command(e.sub.Command[0], e.sub.Command[1:]...)
	cmd.Dir = workdir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.sub.Command[0], err)
	}

	pf := pidfile{Pid: cmd.Process.Pid, Command: strings.Join(e.sub.Command, " ")}
	data, _ := json.Marshal(pf)
	if err := os.WriteFile(filepath.Join(workdir, pidfileName), data, 0o644); err != nil {
		m.logger.Error("write pidfile", "tag", e.sub.Tag, "error", err)
	}

	e.cmd = cmd
	e.pid = cmd.Process.Pid
	e.monitor.bind(Process{Tag: e.sub.Tag, Pid: cmd.Process.Pid, Hostname: localHostname()})
	m.logger.Info("process started", "tag", e.sub.Tag, "pid", cmd.Process.Pid)

	// The waiter is the only writer of this execution's exit state.
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		m.recordExit(e, code)
	}()

	return nil
}

func (m *LocalManager) recordExit(e *execution, code int) {
	exitPath := filepath.Join(m.WorkingDirectory(e.sub.Tag), exitfileName)
	if err := os.WriteFile(exitPath, []byte(fmt.Sprintf("%d\n", code)), 0o644); err != nil {
		m.logger.Error("write exit file", "tag", e.sub.Tag, "error", err)
	}
	e.monitor.recordExit(code)
	m.logger.Info("process exited", "tag", e.sub.Tag, "exit", code)
}

// Attach re-binds to a process recorded under tag. Returns nil when no
// execution was ever recorded there.
func (m *LocalManager) Attach(tag string) *Monitor {
	workdir := m.WorkingDirectory(tag)
	data, err := os.ReadFile(filepath.Join(workdir, pidfileName))
	if err != nil {
		return nil
	}
	var pf pidfile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil
	}

	mon := &Monitor{tag: tag}
	mon.bind(Process{Tag: tag, Pid: pf.Pid, Hostname: localHostname()})

	if exitData, err := os.ReadFile(filepath.Join(workdir, exitfileName)); err == nil {
		var code int
		fmt.Sscanf(string(exitData), "%d", &code)
		mon.recordExit(code)
	} else if !pidAlive(pf.Pid) {
		// Process died without writing an exit record.
		mon.markLost()
	}

	e := &execution{sub: Submission{Tag: tag}, monitor: mon, pid: pf.Pid}
	m.mu.Lock()
	m.executions[tag] = e
	m.mu.Unlock()

	m.logger.Info("re-attached to process", "tag", tag, "pid", pf.Pid)
	return mon
}

// Refresh delivers pending kill requests and re-checks liveness of
// re-attached processes that have no waiter goroutine.
func (m *LocalManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	execs := make([]*execution, 0, len(m.executions))
	for _, e := range m.executions {
		execs = append(execs, e)
	}
	m.mu.Unlock()

	for _, e := range execs {
		mon := e.monitor
		if _, exited := mon.ExitCode(); exited || mon.Lost() {
			continue
		}
		if mon.killRequested() && mon.HasProcess() {
			m.signal(e, syscall.SIGTERM)
		}
		if e.cmd == nil && mon.HasProcess() {
			// Re-attached process: no waiter, poll it.
			exitPath := filepath.Join(m.WorkingDirectory(e.sub.Tag), exitfileName)
			if data, err := os.ReadFile(exitPath); err == nil {
				var code int
				fmt.Sscanf(string(data), "%d", &code)
				mon.recordExit(code)
			} else if !pidAlive(e.pid) {
				mon.markLost()
			}
		}
	}
	return nil
}

func (m *LocalManager) signal(e *execution, sig syscall.Signal) {
	proc, err := os.FindProcess(e.pid)
	if err != nil {
		return
	}
	if err := proc.Signal(sig); err == nil {
		m.logger.Info("signalled process", "tag", e.sub.Tag, "pid", e.pid, "signal", sig)
	}
}

// OrphanedProcesses walks the results area for pidfiles whose processes are
// alive but claimed by no monitor.
func (m *LocalManager) OrphanedProcesses() []Process {
	m.mu.Lock()
	claimed := make(map[string]bool, len(m.executions))
	for tag := range m.executions {
		claimed[tag] = true
	}
	m.mu.Unlock()

	var orphans []Process
	filepath.WalkDir(m.resultsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != pidfileName {
			return nil
		}
		workdir := filepath.Dir(path)
		tag, relErr := filepath.Rel(m.resultsDir, workdir)
		if relErr != nil || claimed[tag] {
			return nil
		}
		if _, err := os.Stat(filepath.Join(workdir, exitfileName)); err == nil {
			return nil // finished, nothing running
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var pf pidfile
		if json.Unmarshal(data, &pf) != nil {
			return nil
		}
		if pidAlive(pf.Pid) {
			orphans = append(orphans, Process{Tag: tag, Pid: pf.Pid, Hostname: localHostname()})
		}
		return nil
	})
	return orphans
}

// MaxRunnableProcesses returns the remaining global capacity. A single local
// drone has no per-owner or per-pool partitioning, so the answer is the same
// for every owner.
func (m *LocalManager) MaxRunnableProcesses(owner string, droneHostnames []string) int {
	free := m.maxProcesses - m.TotalRunningProcesses()
	if free < 0 {
		return 0
	}
	return free
}

// TotalRunningProcesses counts claimed processes, including submissions
// queued this cycle that have not launched yet, so admission decisions within
// one cycle see each other.
func (m *LocalManager) TotalRunningProcesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.executions {
		mon := e.monitor
		if mon.Lost() {
			continue
		}
		if _, exited := mon.ExitCode(); exited {
			continue
		}
		cost := e.sub.NumProcesses
		if cost < 1 {
			cost = 1
		}
		n += cost
	}
	return n
}

// AttachFileToExecution stages content into the tag's working directory.
func (m *LocalManager) AttachFileToExecution(tag, name string, content []byte) (string, error) {
	workdir := m.WorkingDirectory(tag)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", workdir, err)
	}
	path := filepath.Join(workdir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// WriteLinesToFile appends lines to a file under the results area. The path
// is relative to the results root.
func (m *LocalManager) WriteLinesToFile(path string, lines []string) error {
	path = filepath.Join(m.resultsDir, path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// Close leaves running processes alone; they are re-attached by tag on the
// next startup.
func (m *LocalManager) Close() error {
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func localHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

package drone

import (
	"context"
	"sync"
)

// FakeManager is an in-memory Manager for tests. Submissions are recorded
// instead of spawned, and tests drive process outcomes with FinishProcess
// and LoseProcess.
type FakeManager struct {
	mu       sync.Mutex
	nextPid  int
	capacity int
	started  bool

	Queued     []Submission
	Executed   []Submission
	monitors   map[string]*Monitor
	costs      map[string]int
	attachable map[string]Process
	finished   map[string]int
	Orphans    []Process

	Files map[string][]byte
	Lines map[string][]string
}

// NewFakeManager returns a fake with the given process capacity.
func NewFakeManager(capacity int) *FakeManager {
	return &FakeManager{
		nextPid:    1000,
		capacity:   capacity,
		monitors:   make(map[string]*Monitor),
		costs:      make(map[string]int),
		attachable: make(map[string]Process),
		finished:   make(map[string]int),
		Files:      make(map[string][]byte),
		Lines:      make(map[string][]string),
	}
}

// AddAttachable registers a tag that Attach will find, as if a previous
// scheduler run had left the process behind.
func (m *FakeManager) AddAttachable(tag string) Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPid++
	p := Process{Tag: tag, Pid: m.nextPid, Hostname: "fake-drone"}
	m.attachable[tag] = p
	return p
}

// FinishProcess marks the process under tag as exited with code.
func (m *FakeManager) FinishProcess(tag string, code int) {
	m.mu.Lock()
	mon := m.monitors[tag]
	m.finished[tag] = code
	m.mu.Unlock()
	if mon != nil {
		mon.recordExit(code)
	}
}

// LoseProcess makes the process under tag vanish without an exit record.
func (m *FakeManager) LoseProcess(tag string) {
	m.mu.Lock()
	mon := m.monitors[tag]
	m.mu.Unlock()
	if mon != nil {
		mon.markLost()
	}
}

func (m *FakeManager) Queue(sub Submission) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon := &Monitor{tag: sub.Tag}
	m.Queued = append(m.Queued, sub)
	m.monitors[sub.Tag] = mon
	cost := sub.NumProcesses
	if cost < 1 {
		cost = 1
	}
	m.costs[sub.Tag] = cost
	return mon
}

func (m *FakeManager) ExecuteQueuedActions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.Queued {
		mon := m.monitors[sub.Tag]
		m.nextPid++
		mon.bind(Process{Tag: sub.Tag, Pid: m.nextPid, Hostname: "fake-drone"})
		m.Executed = append(m.Executed, sub)
	}
	m.Queued = nil
	return nil
}

func (m *FakeManager) Attach(tag string) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.attachable[tag]
	if !ok {
		return nil
	}
	mon := &Monitor{tag: tag}
	mon.bind(p)
	if code, done := m.finished[tag]; done {
		mon.recordExit(code)
	}
	m.monitors[tag] = mon
	return mon
}

func (m *FakeManager) Refresh(ctx context.Context) error {
	return nil
}

func (m *FakeManager) OrphanedProcesses() []Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Process(nil), m.Orphans...)
}

func (m *FakeManager) MaxRunnableProcesses(owner string, droneHostnames []string) int {
	free := m.capacity - m.TotalRunningProcesses()
	if free < 0 {
		return 0
	}
	return free
}

// TotalRunningProcesses includes queued submissions so admission decisions
// within one cycle see each other.
func (m *FakeManager) TotalRunningProcesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tag, mon := range m.monitors {
		if mon.Lost() {
			continue
		}
		if _, exited := mon.ExitCode(); exited {
			continue
		}
		cost := m.costs[tag]
		if cost < 1 {
			cost = 1
		}
		n += cost
	}
	return n
}

func (m *FakeManager) AttachFileToExecution(tag, name string, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := tag + "/" + name
	m.Files[path] = append([]byte(nil), content...)
	return path, nil
}

func (m *FakeManager) WriteLinesToFile(path string, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lines[path] = append(m.Lines[path], lines...)
	return nil
}

func (m *FakeManager) Close() error { return nil }

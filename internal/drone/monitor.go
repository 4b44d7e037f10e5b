package drone

import "sync"

// Monitor is the handle the scheduler holds for one submitted process. The
// execution layer's waiter goroutines write into it; the scheduler polls it.
// All accessors are safe for that single-writer, single-poller pattern.
type Monitor struct {
	mu sync.Mutex

	tag     string
	proc    Process
	started bool // process actually launched
	exited  bool
	exit    int
	lost    bool // process disappeared without a recorded exit
	killReq bool
}

// Tag returns the execution tag the monitor was created for.
func (m *Monitor) Tag() string {
	return m.tag
}

// HasProcess reports whether a real OS process was ever bound to this
// monitor. False while the submission is still queued.
func (m *Monitor) HasProcess() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Process returns the bound process identity. Only meaningful when
// HasProcess is true.
func (m *Monitor) Process() Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc
}

// ExitCode returns the recorded exit code and whether the process exited.
func (m *Monitor) ExitCode() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exit, m.exited
}

// Lost reports that the process disappeared without writing a terminal
// status; the owning task must treat this as a failure, not wait forever.
func (m *Monitor) Lost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Kill requests termination of the underlying process. Cooperative: the
// process is signalled, and the exit surfaces through ExitCode on a later
// poll.
func (m *Monitor) Kill() {
	m.mu.Lock()
	m.killReq = true
	m.mu.Unlock()
}

func (m *Monitor) killRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killReq
}

func (m *Monitor) bind(p Process) {
	m.mu.Lock()
	m.proc = p
	m.started = true
	m.mu.Unlock()
}

func (m *Monitor) recordExit(code int) {
	m.mu.Lock()
	m.exited = true
	m.exit = code
	m.mu.Unlock()
}

func (m *Monitor) markLost() {
	m.mu.Lock()
	m.lost = true
	m.mu.Unlock()
}

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/labsched/internal/agent"
	"github.com/me/labsched/internal/drone"
	"github.com/me/labsched/internal/hostmatch"
	"github.com/me/labsched/internal/metrics"
	"github.com/me/labsched/internal/notify"
	"github.com/me/labsched/internal/store"
	"github.com/me/labsched/pkg/model"
)

// Dispatcher implements Scheduler. All state transitions happen on the loop
// goroutine; only the Status snapshot is read concurrently.
type Dispatcher struct {
	store   store.Store
	drone   drone.Manager
	matcher hostmatch.Matcher
	notify  notify.Sink
	metrics *metrics.Metrics
	config  Config
	logger  *slog.Logger
	deps    agent.Deps

	agents      []*agent.Agent
	hostAgents  map[int64][]*agent.Agent
	entryAgents map[int64][]*agent.Agent

	lastCleanup time.Time
	lastStats   time.Time

	statusMu sync.Mutex
	status   Status

	stopCh chan struct{}
	doneCh chan struct{}
}

// Status is a point-in-time view of the dispatcher for the HTTP surface.
type Status struct {
	Agents           int           `json:"agents"`
	RunningProcesses int           `json:"running_processes"`
	LastTickAt       time.Time     `json:"last_tick_at"`
	LastTickDuration time.Duration `json:"last_tick_duration_ns"`
	TickCount        uint64        `json:"tick_count"`
}

// NewDispatcher wires a dispatcher over the store and drone layers.
func NewDispatcher(st store.Store, dm drone.Manager, matcher hostmatch.Matcher,
	sink notify.Sink, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Dispatcher {

	logger = logger.With("component", "dispatcher")
	return &Dispatcher{
		store:   st,
		drone:   dm,
		matcher: matcher,
		notify:  sink,
		metrics: m,
		config:  cfg,
		logger:  logger,
		deps: agent.Deps{
			Store:      st,
			Drone:      dm,
			Notify:     sink,
			Logger:     logger,
			WorkerPath: cfg.WorkerPath,
		},
		hostAgents:  make(map[int64][]*agent.Agent),
		entryAgents: make(map[int64][]*agent.Agent),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start recovers leftover state from the previous run, then polls until ctx
// is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	d.logger.Info("dispatcher started", "poll_interval", d.config.PollInterval)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping (context cancelled)")
			close(d.doneCh)
			return ctx.Err()
		case <-d.stopCh:
			d.logger.Info("dispatcher stopping (stop called)")
			close(d.doneCh)
			return nil
		case <-ticker.C:
			d.runTick(ctx)
		}
	}
}

// runTick executes one cycle and applies the tick error policy: a failed
// cycle, consistency errors included, is logged and alerted, and the loop
// tries again on the next interval. Only a failure during recovery stops
// the process.
func (d *Dispatcher) runTick(ctx context.Context) {
	if err := d.Tick(ctx); err != nil {
		d.metrics.TickErrors.Inc()
		d.logger.Error("tick error", "error", err)
		// The cycle aborted before its own flush phase; deliver directly.
		d.notify.Enqueuef("Scheduler cycle failed", "cycle aborted early: %v", err)
		d.notify.Flush()
	}
}

// Stop shuts the loop down and waits for the current tick to finish.
func (d *Dispatcher) Stop() error {
	close(d.stopCh)
	<-d.doneCh
	return nil
}

// Status returns a snapshot safe to read from other goroutines.
func (d *Dispatcher) Status() Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// --- agent registry ---

// addAgent registers an agent. At most one agent may hold a host at a time;
// a second claim means the database and the dispatcher disagree about who
// owns the machine.
func (d *Dispatcher) addAgent(a *agent.Agent) error {
	for _, hostID := range a.HostIDs() {
		if len(d.hostAgents[hostID]) > 0 {
			return consistencyErrorf("host %d already has an agent", hostID)
		}
	}
	d.agents = append(d.agents, a)
	for _, hostID := range a.HostIDs() {
		d.hostAgents[hostID] = append(d.hostAgents[hostID], a)
	}
	for _, entryID := range a.QueueEntryIDs() {
		d.entryAgents[entryID] = append(d.entryAgents[entryID], a)
	}
	return nil
}

func (d *Dispatcher) removeAgent(a *agent.Agent) {
	for i, cur := range d.agents {
		if cur == a {
			d.agents = append(d.agents[:i], d.agents[i+1:]...)
			break
		}
	}
	for _, hostID := range a.HostIDs() {
		d.hostAgents[hostID] = removeFrom(d.hostAgents[hostID], a)
		if len(d.hostAgents[hostID]) == 0 {
			delete(d.hostAgents, hostID)
		}
	}
	for _, entryID := range a.QueueEntryIDs() {
		d.entryAgents[entryID] = removeFrom(d.entryAgents[entryID], a)
		if len(d.entryAgents[entryID]) == 0 {
			delete(d.entryAgents, entryID)
		}
	}
}

func removeFrom(agents []*agent.Agent, a *agent.Agent) []*agent.Agent {
	for i, cur := range agents {
		if cur == a {
			return append(agents[:i], agents[i+1:]...)
		}
	}
	return agents
}

func (d *Dispatcher) hostHasAgent(hostID int64) bool {
	return len(d.hostAgents[hostID]) > 0
}

func (d *Dispatcher) entryHasAgent(entryID int64) bool {
	return len(d.entryAgents[entryID]) > 0
}

// --- small store helpers ---

func (d *Dispatcher) setEntryStatus(ctx context.Context, e *model.QueueEntry, status model.Status) error {
	e.SetStatus(status)
	if e.Complete && e.FinishedOn == nil {
		now := time.Now().UTC()
		e.FinishedOn = &now
	}
	if err := d.store.UpdateQueueEntry(ctx, e); err != nil {
		return fmt.Errorf("entry %d to %s: %w", e.ID, status, err)
	}
	d.logger.Info("entry status", "entry", e.ID, "job", e.JobID, "status", status)
	return nil
}

// specialAgentTask loads the host and entry behind a special task record and
// builds the agent task for it.
func (d *Dispatcher) specialAgentTask(ctx context.Context, record *model.SpecialTask) (agent.Task, error) {
	host, err := d.store.GetHost(ctx, record.HostID)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, consistencyErrorf("special task %d names missing host %d", record.ID, record.HostID)
	}
	var entry *model.QueueEntry
	if record.QueueEntryID != nil {
		entry, err = d.store.GetQueueEntry(ctx, *record.QueueEntryID)
		if err != nil {
			return nil, err
		}
	}
	return agent.NewSpecialAgentTask(d.deps, record, host, entry)
}

// Package scheduler drives the lab: a single-threaded dispatcher polls the
// store once per cycle, turns queue entries and special tasks into agents,
// and pushes worker processes through the drone layer.
package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Scheduler runs the dispatch loop over the test lab.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error
}

// Config holds dispatcher configuration.
type Config struct {
	PollInterval time.Duration
	// MaxProcessesStartedPerCycle caps the worker processes admitted in one
	// cycle so a full queue cannot stampede the drones.
	MaxProcessesStartedPerCycle int
	// CleanupInterval gates the periodic cleanup phase (job timeouts).
	CleanupInterval time.Duration
	// StatsInterval gates the cycle statistics log line.
	StatsInterval time.Duration
	// WorkerPath is the worker binary agents launch.
	WorkerPath string
	// FailOnOrphans makes recovery fail on orphaned worker processes
	// instead of alerting and carrying on.
	FailOnOrphans bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:                5 * time.Second,
		MaxProcessesStartedPerCycle: 100,
		CleanupInterval:             5 * time.Minute,
		StatsInterval:               time.Minute,
		WorkerPath:                  "labworker",
	}
}

// ConsistencyError reports database state the dispatcher cannot reconcile,
// such as a host claimed by two agents. It is fatal: continuing would corrupt
// the lab's state further.
type ConsistencyError struct {
	msg string
}

func (e *ConsistencyError) Error() string { return "consistency: " + e.msg }

func consistencyErrorf(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{msg: fmt.Sprintf(format, args...)}
}

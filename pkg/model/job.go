package model

import "time"

// Job is a test job. One job owns one or more queue entries; synchronous
// jobs (SyncCount > 1) only start once every entry has a ready host.
type Job struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Priority int    `json:"priority"`

	// ControlFile is the test control script handed to the runner process.
	ControlFile string `json:"control_file"`

	// SyncCount is how many hosts must be ready before the job starts.
	SyncCount int `json:"sync_count"`

	// RunReset queues a Reset before execution; RunVerify queues a Verify.
	// Reset subsumes cleanup and verify, so RunVerify is ignored when
	// RunReset is set.
	RunReset  bool `json:"run_reset"`
	RunVerify bool `json:"run_verify"`

	// MaxRuntimeMins bounds how long the job may stay active before the
	// periodic cleanup aborts it. Zero means no bound.
	MaxRuntimeMins int `json:"max_runtime_mins"`

	// DroneHostnamesAllowed restricts which worker machines may run this
	// job's processes. Empty means any.
	DroneHostnamesAllowed []string `json:"drone_hostnames_allowed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RecurringRun periodically instantiates a new job from a template job.
type RecurringRun struct {
	ID    int64  `json:"id"`
	JobID int64  `json:"job_id"`
	Owner string `json:"owner"`

	// Schedule is a standard 5-field cron expression.
	Schedule string `json:"schedule"`

	// NextRun is the next fire time; recomputed from Schedule after each
	// instantiation.
	NextRun time.Time `json:"next_run"`

	// LoopCount is the number of remaining instantiations. Zero means
	// repeat forever; the run is deleted once it reaches one and fires.
	LoopCount int `json:"loop_count"`
}

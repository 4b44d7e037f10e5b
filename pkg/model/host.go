package model

import "time"

// Host is a physical machine in the lab. The scheduler owns its status field;
// the locked and invalid flags are owned by external actors (a human locking
// a machine between two ticks is expected) and are only ever read here.
type Host struct {
	ID       int64      `json:"id"`
	Hostname string     `json:"hostname"`
	Status   HostStatus `json:"status"`
	Locked   bool       `json:"locked"`
	Invalid  bool       `json:"invalid"`

	// Dirty is set when a host has run a job without a cleanup afterwards.
	Dirty bool `json:"dirty"`

	// Labels drive meta-host and atomic-group matching.
	Labels []string `json:"labels,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasLabel reports whether the host carries the given label.
func (h *Host) HasLabel(label string) bool {
	for _, l := range h.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AtomicGroup is a set of hosts, identified by a shared label, that must be
// scheduled together for one job.
type AtomicGroup struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Label    string `json:"label"`
	MaxHosts int    `json:"max_hosts"`
}

// Package hostmatch assigns ready hosts to queue entries. Direct entries name
// their host, meta-host entries name a label, and atomic group entries claim a
// whole group of hosts at once.
package hostmatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/labsched/internal/store"
	"github.com/me/labsched/pkg/model"
)

// BusyFunc reports whether a host is already claimed by a running agent this
// tick; matched hosts must not collide with in-flight work that the store has
// not recorded yet.
type BusyFunc func(hostID int64) bool

// Matcher resolves the host (or hosts) a queue entry should run on.
type Matcher interface {
	// HostFor returns the host for a direct or meta-host entry, or nil when
	// no eligible host is available this tick.
	HostFor(ctx context.Context, e *model.QueueEntry, busy BusyFunc) (*model.Host, error)
	// AtomicGroupHosts returns up to the group's max_hosts eligible hosts
	// for an atomic group entry. An empty result means the entry stays
	// queued.
	AtomicGroupHosts(ctx context.Context, e *model.QueueEntry, busy BusyFunc) ([]*model.Host, error)
}

// LabelMatcher matches entries to hosts through the store's label index.
type LabelMatcher struct {
	store  store.Store
	logger *slog.Logger
}

func NewLabelMatcher(st store.Store, logger *slog.Logger) *LabelMatcher {
	return &LabelMatcher{store: st, logger: logger.With("component", "hostmatch")}
}

func (m *LabelMatcher) HostFor(ctx context.Context, e *model.QueueEntry, busy BusyFunc) (*model.Host, error) {
	if e.HostID != nil {
		h, err := m.store.GetHost(ctx, *e.HostID)
		if err != nil {
			return nil, fmt.Errorf("get host %d: %w", *e.HostID, err)
		}
		if h == nil {
			return nil, fmt.Errorf("entry %d names missing host %d", e.ID, *e.HostID)
		}
		if h.Locked || h.Invalid || busy(h.ID) {
			return nil, nil
		}
		return h, nil
	}

	if e.MetaHostLabel == "" {
		return nil, nil
	}
	hosts, err := m.store.ListReadyHostsWithLabel(ctx, e.MetaHostLabel)
	if err != nil {
		return nil, fmt.Errorf("list hosts with label %q: %w", e.MetaHostLabel, err)
	}
	for _, h := range hosts {
		if busy(h.ID) {
			continue
		}
		m.logger.Debug("meta-host matched", "entry", e.ID, "label", e.MetaHostLabel, "host", h.Hostname)
		return h, nil
	}
	return nil, nil
}

func (m *LabelMatcher) AtomicGroupHosts(ctx context.Context, e *model.QueueEntry, busy BusyFunc) ([]*model.Host, error) {
	if e.AtomicGroupID == nil {
		return nil, nil
	}
	group, err := m.store.GetAtomicGroup(ctx, *e.AtomicGroupID)
	if err != nil {
		return nil, fmt.Errorf("get atomic group %d: %w", *e.AtomicGroupID, err)
	}
	if group == nil {
		return nil, fmt.Errorf("entry %d names missing atomic group %d", e.ID, *e.AtomicGroupID)
	}

	hosts, err := m.store.ListReadyHostsWithLabel(ctx, group.Label)
	if err != nil {
		return nil, fmt.Errorf("list hosts with label %q: %w", group.Label, err)
	}

	var picked []*model.Host
	for _, h := range hosts {
		if busy(h.ID) {
			continue
		}
		// Group entries created against a meta-host label additionally
		// restrict candidates to that label.
		if e.MetaHostLabel != "" && !h.HasLabel(e.MetaHostLabel) {
			continue
		}
		picked = append(picked, h)
		if len(picked) == group.MaxHosts {
			break
		}
	}
	if len(picked) == 0 {
		m.logger.Debug("atomic group has no eligible hosts", "entry", e.ID, "group", group.Name)
		return nil, nil
	}
	return picked, nil
}

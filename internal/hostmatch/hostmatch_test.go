package hostmatch

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/me/labsched/internal/store"
	"github.com/me/labsched/pkg/model"
)

func testSetup(t *testing.T) (context.Context, store.Store, *LabelMatcher) {
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
	return ctx, st, NewLabelMatcher(st, logger)
}

func addHost(t *testing.T, ctx context.Context, st store.Store, hostname string, labels ...string) *model.Host {
	t.Helper()
	h := &model.Host{Hostname: hostname, Labels: labels}
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create host %s: %v", hostname, err)
	}
	return h
}

func neverBusy(int64) bool { return false }

func TestHostForDirect(t *testing.T) {
	ctx, st, m := testSetup(t)
	h := addHost(t, ctx, st, "chromeos1-rack2-host3")
	e := &model.QueueEntry{ID: 1, HostID: &h.ID}

	got, err := m.HostFor(ctx, e, neverBusy)
	if err != nil {
		t.Fatalf("HostFor: %v", err)
	}
	if got == nil || got.ID != h.ID {
		t.Fatalf("HostFor = %+v, want host %d", got, h.ID)
	}

	// A busy host is skipped even when named directly.
	got, err = m.HostFor(ctx, e, func(id int64) bool { return id == h.ID })
	if err != nil || got != nil {
		t.Errorf("HostFor busy host = (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestHostForDirectLocked(t *testing.T) {
	ctx, st, m := testSetup(t)
	h := &model.Host{Hostname: "locked-host", Locked: true}
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatal(err)
	}

	got, err := m.HostFor(ctx, &model.QueueEntry{ID: 1, HostID: &h.ID}, neverBusy)
	if err != nil {
		t.Fatalf("HostFor: %v", err)
	}
	if got != nil {
		t.Errorf("HostFor returned locked host %+v", got)
	}
}

func TestHostForMetaHost(t *testing.T) {
	ctx, st, m := testSetup(t)
	h1 := addHost(t, ctx, st, "pool-host1", "board:eve", "pool:bvt")
	h2 := addHost(t, ctx, st, "pool-host2", "board:eve", "pool:bvt")
	addHost(t, ctx, st, "other-host", "board:kevin")

	e := &model.QueueEntry{ID: 1, MetaHostLabel: "pool:bvt"}

	got, err := m.HostFor(ctx, e, neverBusy)
	if err != nil {
		t.Fatalf("HostFor: %v", err)
	}
	if got == nil || got.ID != h1.ID {
		t.Fatalf("HostFor = %+v, want first label host %d", got, h1.ID)
	}

	// First candidate busy: fall through to the next.
	got, err = m.HostFor(ctx, e, func(id int64) bool { return id == h1.ID })
	if err != nil {
		t.Fatalf("HostFor: %v", err)
	}
	if got == nil || got.ID != h2.ID {
		t.Fatalf("HostFor = %+v, want host %d", got, h2.ID)
	}

	// No candidates at all.
	got, err = m.HostFor(ctx, &model.QueueEntry{ID: 2, MetaHostLabel: "pool:suites"}, neverBusy)
	if err != nil || got != nil {
		t.Errorf("HostFor unknown label = (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestAtomicGroupHosts(t *testing.T) {
	ctx, st, m := testSetup(t)
	g := &model.AtomicGroup{Name: "rack5", Label: "rack:5", MaxHosts: 2}
	if err := st.CreateAtomicGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	addHost(t, ctx, st, "rack5-host1", "rack:5")
	addHost(t, ctx, st, "rack5-host2", "rack:5")
	addHost(t, ctx, st, "rack5-host3", "rack:5")

	e := &model.QueueEntry{ID: 1, AtomicGroupID: &g.ID}
	hosts, err := m.AtomicGroupHosts(ctx, e, neverBusy)
	if err != nil {
		t.Fatalf("AtomicGroupHosts: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("AtomicGroupHosts = %d hosts, want max_hosts=2", len(hosts))
	}
}

func TestAtomicGroupNoHosts(t *testing.T) {
	ctx, st, m := testSetup(t)
	g := &model.AtomicGroup{Name: "empty", Label: "rack:9", MaxHosts: 4}
	if err := st.CreateAtomicGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	hosts, err := m.AtomicGroupHosts(ctx, &model.QueueEntry{ID: 1, AtomicGroupID: &g.ID}, neverBusy)
	if err != nil {
		t.Fatalf("AtomicGroupHosts: %v", err)
	}
	if hosts != nil {
		t.Errorf("AtomicGroupHosts = %+v, want nil", hosts)
	}
}

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/labsched/internal/config"
	"github.com/me/labsched/internal/metrics"
	"github.com/me/labsched/internal/scheduler"
	"github.com/me/labsched/internal/store"
	"github.com/me/labsched/pkg/model"
)

type fixedSource struct {
	status scheduler.Status
}

func (f *fixedSource) Status() scheduler.Status { return f.status }

func testServer(t *testing.T, source StatusSource) (*Server, store.Store) {
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

	registry := prometheus.NewRegistry()
	metrics.New(registry)
	return New(config.Default(), st, source, registry, logger), st
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp response
	if rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, resp
}

func TestHealthz(t *testing.T) {
	s, _ := testServer(t, nil)
	rec, resp := get(t, s, "/healthz")
	if rec.Code != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, resp.Status)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestStatusEndpoint(t *testing.T) {
	src := &fixedSource{status: scheduler.Status{Agents: 3, TickCount: 7}}
	s, _ := testServer(t, src)

	rec, resp := get(t, s, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data, _ := json.Marshal(resp.Data)
	var got scheduler.Status
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Agents != 3 || got.TickCount != 7 {
		t.Errorf("got %+v", got)
	}
}

func TestStatusWithoutDispatcher(t *testing.T) {
	s, _ := testServer(t, nil)
	rec, resp := get(t, s, "/api/status")
	if rec.Code != http.StatusServiceUnavailable || resp.Status != "error" {
		t.Fatalf("status = %d %q, want 503 error", rec.Code, resp.Status)
	}
}

func TestListHosts(t *testing.T) {
	s, st := testServer(t, nil)
	ctx := context.Background()
	for _, name := range []string{"host1", "host2"} {
		if err := st.CreateHost(ctx, &model.Host{Hostname: name}); err != nil {
			t.Fatal(err)
		}
	}

	rec, resp := get(t, s, "/api/hosts")
	if rec.Code != http.StatusOK {
		t.Fatalf("hosts = %d", rec.Code)
	}
	data, _ := json.Marshal(resp.Data)
	var hosts []*model.Host
	if err := json.Unmarshal(data, &hosts); err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 || hosts[0].Hostname != "host1" {
		t.Errorf("hosts = %+v", hosts)
	}
}

func TestGetJob(t *testing.T) {
	s, st := testServer(t, nil)
	ctx := context.Background()
	job := &model.Job{Name: "bvt", Owner: "me", ControlFile: "x", SyncCount: 1}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	entry := &model.QueueEntry{JobID: job.ID}
	entry.SetStatus(model.StatusQueued)
	if err := st.CreateQueueEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}

	rec, resp := get(t, s, "/api/jobs/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("job = %d", rec.Code)
	}
	data, _ := json.Marshal(resp.Data)
	var got jobResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Job == nil || got.Job.Name != "bvt" || len(got.Entries) != 1 {
		t.Errorf("got %+v", got)
	}

	if rec, _ := get(t, s, "/api/jobs/999"); rec.Code != http.StatusNotFound {
		t.Errorf("missing job = %d, want 404", rec.Code)
	}
	if rec, _ := get(t, s, "/api/jobs/abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t, nil)
	rec, _ := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty metrics body")
	}
}

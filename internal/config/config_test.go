package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Errorf("got %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labsched.yaml")
	body := `
addr: ":9090"
log_level: debug
db_path: ":memory:"
poll_interval: 1s
max_processes: 50
fail_on_orphans: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.LogLevel != "debug" || cfg.DBPath != ":memory:" {
		t.Errorf("got %+v", cfg)
	}
	if cfg.PollInterval.Std() != time.Second {
		t.Errorf("poll_interval = %s, want 1s", cfg.PollInterval.Std())
	}
	if cfg.MaxProcesses != 50 || !cfg.FailOnOrphans {
		t.Errorf("got %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.WorkerPath != "labworker" || cfg.CleanupInterval.Std() != 5*time.Minute {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero poll interval", "poll_interval: 0s"},
		{"negative max processes", "max_processes: -1"},
		{"unparseable yaml", "addr: [:::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "labsched.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

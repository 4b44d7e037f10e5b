package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("host assigned", "host", "harness-12")

	out := buf.String()
	if !strings.Contains(out, "host assigned") {
		t.Errorf("missing message in output: %s", out)
	}
	if !strings.Contains(out, "host=harness-12") {
		t.Errorf("missing attribute in output: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)

	logger.Info("entry status", "entry", 7)

	out := buf.String()
	if !strings.Contains(out, `"msg":"entry status"`) {
		t.Errorf("missing JSON msg field: %s", out)
	}
	if !strings.Contains(out, `"entry":7`) {
		t.Errorf("missing JSON attribute: %s", out)
	}
}

func TestUnknownFormatFallsBackToText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "xml", &buf)

	logger.Info("tick")

	if strings.Contains(buf.String(), `"msg"`) {
		t.Errorf("unknown format produced JSON: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("cycle stats")
	logger.Warn("orphaned process")

	out := buf.String()
	if strings.Contains(out, "cycle stats") {
		t.Errorf("info line leaked through warn level: %s", out)
	}
	if !strings.Contains(out, "orphaned process") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", &buf)

	logger.With("component", "dispatcher").Debug("tick", "agents", 3)

	out := buf.String()
	if !strings.Contains(out, "component=dispatcher") {
		t.Errorf("missing component attribute: %s", out)
	}
	if !strings.Contains(out, "agents=3") {
		t.Errorf("missing tick attribute: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

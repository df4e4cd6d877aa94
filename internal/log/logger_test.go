package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func reset() {
	logger = nil
	once = *new(sync.Once)
}

func TestSetupWriterJSON(t *testing.T) {
	reset()
	t.Cleanup(reset)

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	Info("dropped")
	Warn("kept", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at WARN level, got %d: %q", len(lines), buf.String())
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["msg"] != "kept" || out["k"] != "v" {
		t.Errorf("unexpected record: %v", out)
	}
}

func TestSetupWriterText(t *testing.T) {
	reset()
	t.Cleanup(reset)

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "text")
	Debug("hello", "n", 1)

	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "n=1") {
		t.Errorf("expected text record, got %q", buf.String())
	}
}

func TestSetupOnlyOnce(t *testing.T) {
	reset()
	t.Cleanup(reset)

	var first, second bytes.Buffer
	SetupWriter(&first, "info", "json")
	SetupWriter(&second, "info", "json")
	Info("x")

	if first.Len() == 0 || second.Len() != 0 {
		t.Errorf("second Setup should be ignored: first=%d second=%d", first.Len(), second.Len())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(reset)

	WithComponent("dispatch").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "dispatch" {
		t.Errorf("Expected component 'dispatch', got %v", out["component"])
	}
}

func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(reset)

	WithJob("job-123").Info("job msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["job_id"] != "job-123" {
		t.Errorf("Expected job_id 'job-123', got %v", out["job_id"])
	}
}

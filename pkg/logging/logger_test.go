package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(WARN, false)
	lg.SetOutput(&buf)

	lg.Info("hidden")
	lg.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(DEBUG, true)
	lg.SetOutput(&buf)

	lg.WithField("key", "i-1234").Info("armed", map[string]interface{}{"pid": 42})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	if entry.Message != "armed" || entry.Level != "INFO" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["key"] != "i-1234" {
		t.Errorf("persistent field missing: %+v", entry.Fields)
	}
	if entry.Fields["pid"] != float64(42) {
		t.Errorf("call field missing: %+v", entry.Fields)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(DEBUG, false)
	parent.SetOutput(&buf)

	_ = parent.WithField("child", true)
	parent.Info("plain")

	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent picked up child field: %q", buf.String())
	}
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	lg, err := NewFileLogger(dir, "i-1234", INFO, false)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	lg.Info("hello")
	if err := lg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// writes after close are dropped, not panics
	lg.Info("after close")

	data, err := os.ReadFile(filepath.Join(dir, "i-1234.log"))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(data), "INFO: hello") {
		t.Errorf("log file content = %q", string(data))
	}
}

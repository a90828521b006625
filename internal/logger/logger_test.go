package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf)

	l.Info("queued %d", 3)
	l.Warning("degraded")
	l.Error("failed: %s", "disk")

	out := buf.String()
	for _, want := range []string{"INFO", "queued 3", "WARNING", "degraded", "ERROR", "failed: disk"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("nothing")
	l.Warning("nothing")
	l.Error("nothing")
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil logger returned %v", err)
	}
}

func TestNewWithDirCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewWithDir(dir)
	if err != nil {
		t.Fatalf("NewWithDir failed: %v", err)
	}
	l.Error("persisted")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "error.log"))
	if err != nil {
		t.Fatalf("reading error.log: %v", err)
	}
	if !strings.Contains(string(data), "persisted") {
		t.Errorf("error.log missing entry: %q", data)
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// readEntries parses every JSON line in buf.
func readEntries(t *testing.T, content []byte) []map[string]any {
	t.Helper()
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil
	}
	var entries []map[string]any
	for i, line := range strings.Split(trimmed, "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line %d is not valid JSON: %v (%s)", i, err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in directory", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(Options{Dir: dir, Level: LevelDebug})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		logPath := filepath.Join(dir, "docmesh.log")
		if _, err := os.Stat(logPath); os.IsNotExist(err) {
			t.Errorf("log file was not created at %s", logPath)
		}
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger(Options{Level: LevelInfo, Format: FormatJSON})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		if logger.file != nil {
			t.Error("expected file to be nil when dir is empty")
		}
	})

	t.Run("file output is JSON even in auto format", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(Options{Dir: dir, Format: FormatAuto})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		logger.Info("hello")
		logger.Close()

		content, err := os.ReadFile(filepath.Join(dir, "docmesh.log"))
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		entries := readEntries(t, content)
		if len(entries) != 1 || entries[0]["msg"] != "hello" {
			t.Errorf("unexpected entries: %v", entries)
		}
	})

	t.Run("defaults to INFO level for invalid level string", func(t *testing.T) {
		logger, err := NewLogger(Options{Dir: t.TempDir(), Level: "invalid"})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		if logger.Level() != LevelInfo {
			t.Errorf("Level() = %q, want %q", logger.Level(), LevelInfo)
		}
	})
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelDebug)

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	entries := readEntries(t, buf.Bytes())
	if len(entries) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(entries))
	}

	expectedLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	for i, entry := range entries {
		if entry["level"] != expectedLevels[i] {
			t.Errorf("line %d: expected level %s, got %v", i, expectedLevels[i], entry["level"])
		}
		if entry["key"] != "value" {
			t.Errorf("line %d: expected key=value, got key=%v", i, entry["key"])
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	if entries := readEntries(t, buf.Bytes()); len(entries) != 2 {
		t.Fatalf("expected 2 log lines (WARN and ERROR only), got %d: %s", len(entries), buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)
	child := logger.WithComponent("lease")

	child.Info("dropped")
	logger.SetLevel("debug")
	child.Debug("kept")

	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %q, want %q", logger.Level(), LevelDebug)
	}
	entries := readEntries(t, buf.Bytes())
	if len(entries) != 1 {
		t.Fatalf("expected 1 log line, got %d: %s", len(entries), buf.String())
	}
	if entries[0]["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", entries[0]["msg"])
	}
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	childLogger := logger.WithInstance("host-1").WithComponent("router").WithDocument("doc1")
	childLogger.Info("test message", "extra", "data")

	entries := readEntries(t, buf.Bytes())
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]

	if entry["instance_id"] != "host-1" {
		t.Errorf("expected instance_id=host-1, got %v", entry["instance_id"])
	}
	if entry["component"] != "router" {
		t.Errorf("expected component=router, got %v", entry["component"])
	}
	if entry["document"] != "doc1" {
		t.Errorf("expected document=doc1, got %v", entry["document"])
	}
	if entry["extra"] != "data" {
		t.Errorf("expected extra=data, got %v", entry["extra"])
	}

	// Parent must not have picked up child attributes.
	buf.Reset()
	logger.Info("parent")
	parent := readEntries(t, buf.Bytes())[0]
	if _, ok := parent["document"]; ok {
		t.Error("parent logger should not carry child attributes")
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	childLogger := logger.With("foo", "bar", "count", 42, 7, "ignored")
	childLogger.Info("test message")

	entry := readEntries(t, buf.Bytes())[0]
	if entry["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %v", entry["foo"])
	}
	// JSON numbers are float64
	if entry["count"] != float64(42) {
		t.Errorf("expected count=42, got %v", entry["count"])
	}

	if logger.With() != logger {
		t.Error("With() with no args should return the same logger")
	}
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		format string
		want   string
	}{
		{"json", FormatJSON},
		{"TEXT", FormatText},
		{"auto", FormatJSON},
		{"", FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			if got := resolveFormat(&buf, tt.format); got != tt.want {
				t.Errorf("resolveFormat(%q) = %q, want %q", tt.format, got, tt.want)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	if err := logger.Close(); err != nil {
		t.Errorf("NopLogger.Close() returned error: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"info", LevelInfo},
		{"WARN", LevelWarn},
		{"warn", LevelWarn},
		{"ERROR", LevelError},
		{"error", LevelError},
		{"invalid", LevelInfo},
		{"", LevelInfo},
	}

	for _, tc := range tests {
		result := ParseLevel(tc.input)
		if result != tc.expected {
			t.Errorf("ParseLevel(%q) = %q, expected %q", tc.input, result, tc.expected)
		}
	}
}

func TestValidLevelsAndFormats(t *testing.T) {
	levels := ValidLevels()
	expected := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if len(levels) != len(expected) {
		t.Fatalf("expected %d levels, got %d", len(expected), len(levels))
	}
	for i, level := range levels {
		if level != expected[i] {
			t.Errorf("ValidLevels()[%d] = %q, expected %q", i, level, expected[i])
		}
	}

	if got := ValidFormats(); len(got) != 3 {
		t.Errorf("ValidFormats() = %v, want 3 entries", got)
	}
}

func TestClose(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Options{Dir: dir, Level: LevelInfo})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("test message")

	if err := logger.Close(); err != nil {
		t.Errorf("Close() returned error: %v", err)
	}
	// Second close should be a no-op (file is nil)
	if err := logger.Close(); err != nil {
		t.Errorf("Second Close() returned error: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "docmesh.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if len(content) == 0 {
		t.Error("log file is empty, expected content")
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Options{Dir: dir, Level: LevelInfo})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			child := logger.WithDocument("doc")
			for j := 0; j < 100; j++ {
				child.Info("concurrent write", "goroutine", n, "iteration", j)
			}
		}(i)
	}
	wg.Wait()

	logger.Close()

	content, err := os.ReadFile(filepath.Join(dir, "docmesh.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	if entries := readEntries(t, content); len(entries) != 1000 {
		t.Errorf("expected 1000 log lines, got %d", len(entries))
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestJSONFormatFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", slog.LevelWarn)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "message_id", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["msg"] != "kept" || record["message_id"] != float64(7) {
		t.Fatalf("unexpected record: %#v", record)
	}
}

func TestValidateRejectsUnknownFormat(t *testing.T) {
	if err := (Config{Level: "info", Format: "logfmt"}).Validate(); err == nil {
		t.Fatalf("expected format error")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestNewWritesToFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closeFn, err := New(Config{Level: "debug", Format: "text", Sink: "file:" + path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hello file")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Fatalf("log file missing record: %q", data)
	}
}

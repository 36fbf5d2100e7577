package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNew_FormatSelection(t *testing.T) {
	// Smoke test: both formats produce a usable logger.
	New("info", "text").Info("text format")
	New("info", "json").Info("json format")
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podserve.log")

	log, closer := NewWithFile("info", "text", path)
	log.Info("hello file sink", "key", "value")
	if err := closer.Close(); err != nil {
		t.Fatalf("closing file sink: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("file sink is not JSON: %v\n%s", err, data)
	}
	if entry["msg"] != "hello file sink" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v", entry["key"])
	}
}

func TestMultiHandler_LevelGating(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	log := slog.New(h)

	log.Debug("debug only")
	log.Warn("warn everywhere")

	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("multiHandler should be enabled when any child is")
	}
	if !strings.Contains(debugBuf.String(), "debug only") {
		t.Error("debug handler missed debug record")
	}
	if strings.Contains(warnBuf.String(), "debug only") {
		t.Error("warn handler received debug record")
	}
	if !strings.Contains(warnBuf.String(), "warn everywhere") {
		t.Error("warn handler missed warn record")
	}
}

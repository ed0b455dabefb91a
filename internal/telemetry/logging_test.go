package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesToComponentFile(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "controller", "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("controller started", "poll_interval", "2s")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "controller.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, line)
	}
	if rec["msg"] != "controller started" {
		t.Fatalf("msg = %v", rec["msg"])
	}
	if rec["component"] != "controller" {
		t.Fatalf("component = %v", rec["component"])
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Fatal("timestamp key missing (time should be renamed)")
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "watchdog", "debug", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("transport init", "telegram_token", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1")
	closer.Close()

	data, _ := os.ReadFile(filepath.Join(home, "logs", "watchdog.jsonl"))
	if strings.Contains(string(data), "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1") {
		t.Fatal("token value leaked into log file")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatal("expected [REDACTED] placeholder in log")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	var handler slog.Handler = slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "particleserver"),
		slog.String("version", "1.2.3"),
	})
	testLogger := &Logger{Logger: slog.New(handler)}
	testLogger.Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if rec["service"] != "particleserver" {
		t.Errorf("service = %v, want particleserver", rec["service"])
	}
	if rec["version"] != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", rec["version"])
	}
}

func TestNewRespectsLevel(t *testing.T) {
	cfg := config.LoggingConfig{Level: "warn", Format: "json", Output: "stdout"}
	l := New(cfg, "1.2.3")
	if l.Enabled(nil, slog.LevelInfo) {
		t.Error("info level should be disabled when configured level is warn")
	}
	if !l.Enabled(nil, slog.LevelWarn) {
		t.Error("warn level should be enabled when configured level is warn")
	}
}

func TestWithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	l := &Logger{Logger: slog.New(handler)}
	scoped := l.With("component", "bus.0")
	scoped.Info("opened")

	if !strings.Contains(buf.String(), `"component":"bus.0"`) {
		t.Errorf("expected component attribute in output, got %s", buf.String())
	}
}

func TestDefaultProducesLogger(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("socket bound", KeyHandle, 3)

	output := buf.String()
	if !strings.Contains(output, "socket bound") {
		t.Errorf("expected output to contain 'socket bound', got: %s", output)
	}
	if !strings.Contains(output, "handle=3") {
		t.Errorf("expected output to contain 'handle=3', got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "JSON", &buf)

	logger.Info("socket bound", KeyFamily, "udp4")

	output := buf.String()
	if !strings.Contains(output, `"msg":"socket bound"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"family":"udp4"`) {
		t.Errorf("expected JSON output with family field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug at debug level", "debug", slog.LevelDebug, true},
		{"debug at info level", "info", slog.LevelDebug, false},
		{"info at warn level", "warn", slog.LevelInfo, false},
		{"error at warn level", "warn", slog.LevelError, true},
		{"warn at error level", "error", slog.LevelWarn, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)

			logger.Log(context.Background(), tc.logLevel, "test message")

			if got := buf.Len() > 0; got != tc.shouldAppear {
				t.Errorf("level %s at config %s: output = %v, want %v",
					tc.logLevel, tc.configLevel, got, tc.shouldAppear)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestValidLevelAndFormat(t *testing.T) {
	if !ValidLevel("warn") || ValidLevel("warning") {
		t.Error("ValidLevel accepts only debug, info, warn, error")
	}
	if !ValidFormat("json") || ValidFormat("yaml") {
		t.Error("ValidFormat accepts only text and json")
	}
}

func TestForComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := ForComponent(NewLoggerWithWriter("info", "text", &buf), "registry")
	logger.Info("hello")

	if !strings.Contains(buf.String(), "component=registry") {
		t.Errorf("expected component attribute, got: %s", buf.String())
	}

	// nil logger must not panic
	ForComponent(nil, "x").Info("discarded")
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"  WARN ":  slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"info":     slog.LevelInfo,
		"":         slog.LevelInfo,
		"verbose?": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSetupRenamesKeysAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := setup(&buf, "gigd", "test", "warn")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted below the configured level: %s", buf.String())
	}

	logger.Warn("kept", "detail", "value")
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["severity"] != "WARN" {
		t.Fatalf("expected severity WARN, got %v", line["severity"])
	}
	if line["message"] != "kept" {
		t.Fatalf("expected message key, got %v", line)
	}
	if line["service"] != "gigd" || line["env"] != "test" {
		t.Fatalf("missing service/env tags: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp key: %v", line)
	}
}

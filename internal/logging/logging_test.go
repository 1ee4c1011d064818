package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigureValidLevels(t *testing.T) {
	for _, lvl := range []string{"", "info", "DEBUG", " warn ", "error"} {
		var buf bytes.Buffer
		if err := Configure(lvl, &buf); err != nil {
			t.Fatalf("Configure(%q): unexpected error: %v", lvl, err)
		}
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := Configure("trace", &buf); err == nil {
		t.Fatalf("Configure(\"trace\"): expected error, got nil")
	}
}

func TestConfigureWritesTextRecordsToProvidedWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := Configure(LevelDebug, &buf); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	slog.Default().Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "key=value") {
		t.Fatalf("log output missing expected fields: %q", out)
	}
}

func TestConfigureDebugLevelEnablesDebugRecords(t *testing.T) {
	var buf bytes.Buffer
	if err := Configure(LevelDebug, &buf); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	slog.Default().Debug("debug line")
	if !strings.Contains(buf.String(), "debug line") {
		t.Fatalf("expected debug record to be emitted, got %q", buf.String())
	}
}

func TestConfigureInfoLevelSuppressesDebugRecords(t *testing.T) {
	var buf bytes.Buffer
	if err := Configure(LevelInfo, &buf); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	slog.Default().Debug("should not appear")
	if strings.Contains(buf.String(), "should not appear") {
		t.Fatalf("expected debug record to be suppressed, got %q", buf.String())
	}
}

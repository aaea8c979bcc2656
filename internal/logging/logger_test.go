package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufferLogger(level Level, format Format) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{Level: level, Format: format, Output: &buf}), &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText {
		t.Error("expected text format")
	}
	if ParseFormat("json") != FormatJSON {
		t.Error("expected json format")
	}
	if ParseFormat("yaml") != FormatJSON {
		t.Error("unknown formats should fall back to json")
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)

	l.Named("registry").WithOrigin("node-a").Infof("peer joined", map[string]any{"peer": "node-b"})

	entry := decodeEntry(t, buf)
	if entry.Message != "peer joined" {
		t.Errorf("message = %q, want %q", entry.Message, "peer joined")
	}
	if entry.Level != "info" {
		t.Errorf("level = %q, want info", entry.Level)
	}
	if entry.Component != "registry" {
		t.Errorf("component = %q, want registry", entry.Component)
	}
	if entry.Origin != "node-a" {
		t.Errorf("origin = %q, want node-a", entry.Origin)
	}
	if entry.Fields["peer"] != "node-b" {
		t.Errorf("fields[peer] = %v, want node-b", entry.Fields["peer"])
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp should not be zero")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LevelWarn, FormatJSON)

	l.Debug("debug msg")
	l.Info("info msg")
	if buf.Len() > 0 {
		t.Error("debug/info should be filtered at warn level")
	}

	l.Warn("warn msg")
	if buf.Len() == 0 {
		t.Error("warn should be logged at warn level")
	}
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	l, buf := newBufferLogger(LevelError, FormatJSON)
	child := l.Named("consumer")

	child.Info("hidden")
	if buf.Len() > 0 {
		t.Fatal("info should be filtered at error level")
	}

	l.SetLevel(LevelInfo)
	child.Info("visible")
	if buf.Len() == 0 {
		t.Error("child logger should follow the parent's level")
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)
	_ = l.With(map[string]any{"topic": "svc.events"})

	l.Info("plain")
	entry := decodeEntry(t, buf)
	if _, ok := entry.Fields["topic"]; ok {
		t.Error("With must not add fields to the parent logger")
	}
}

func TestFatalfCallsExit(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	l := New(Config{Level: LevelInfo, Output: &buf, Exit: func(c int) { code = c }})

	l.Fatalf(10, "event stream error", map[string]any{"topic": "svc.events"})

	if code != 10 {
		t.Errorf("exit code = %d, want 10", code)
	}
	entry := decodeEntry(t, &buf)
	if entry.Level != "error" {
		t.Errorf("fatal entries are written at error level, got %q", entry.Level)
	}
}

func TestTextFormatSortsFields(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatText)

	l.Named("pubsub").Infof("published", map[string]any{
		"topic":     "svc.events",
		"attempt":   2,
		"cause":     errors.New("boom"),
		"partition": 0,
	})

	line := buf.String()
	if !strings.Contains(line, "[info] pubsub: published") {
		t.Errorf("unexpected prefix in %q", line)
	}
	want := "attempt=2 cause=boom partition=0 topic=svc.events\n"
	if !strings.HasSuffix(line, want) {
		t.Errorf("line = %q, want suffix %q", line, want)
	}
}

func TestFromCtx(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)
	ctx := WithLoggerCtx(context.Background(), l)
	ctx = WithCorrelationIDCtx(ctx, "corr-123")

	FromCtx(ctx).Info("dispatched")

	entry := decodeEntry(t, buf)
	if entry.CorrelationID != "corr-123" {
		t.Errorf("correlationId = %q, want corr-123", entry.CorrelationID)
	}
}

func TestFromCtxFallsBackToGlobal(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)
	prev := Global()
	SetGlobal(l)
	t.Cleanup(func() { SetGlobal(prev) })

	FromCtx(context.Background()).Info("global")
	if buf.Len() == 0 {
		t.Error("expected FromCtx to use the global logger")
	}
}

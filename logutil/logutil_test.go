package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	prev := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(prev) })

	Trace("tokenized", "n", 3)

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("TRACE-Level fehlt: %q", out)
	}
	if !strings.Contains(out, "msg=tokenized") || !strings.Contains(out, "n=3") {
		t.Errorf("Nachricht fehlt: %q", out)
	}
	if strings.Contains(out, "/logutil/") {
		t.Errorf("Source-Pfad nicht gekuerzt: %q", out)
	}
}

func TestTraceDisabledAtInfo(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(NewLogger(&buf, slog.LevelInfo))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Trace("hidden")
	slog.Info("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("TRACE sollte bei INFO unterdrueckt sein: %q", out)
	}
	if !strings.Contains(out, "level=INFO") {
		t.Errorf("INFO fehlt: %q", out)
	}
}

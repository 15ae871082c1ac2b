package pkg

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	SetLogLevel(slog.LevelDebug)
	if got := GetLogLevel(); got != slog.LevelDebug {
		t.Errorf("GetLogLevel() = %v, want %v", got, slog.LevelDebug)
	}
}

func TestLogCarriesComponent(t *testing.T) {
	original := DefaultLogger
	defer SetLogger(original)

	var buf bytes.Buffer
	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogInfo(ComponentBackend, "interface added", "key", "k1")

	out := buf.String()
	if !strings.Contains(out, "component=backend") {
		t.Errorf("log output missing component tag: %q", out)
	}
	if !strings.Contains(out, "interface added") {
		t.Errorf("log output missing message: %q", out)
	}
	if !strings.Contains(out, "key=k1") {
		t.Errorf("log output missing attribute: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	original := DefaultLogger
	defer SetLogger(original)

	var buf bytes.Buffer
	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	LogDebug(ComponentCore, "not shown")
	LogWarn(ComponentCore, "shown")

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("debug line leaked through warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warning missing: %q", out)
	}
}

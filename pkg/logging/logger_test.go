package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCallLoggerCarriesIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	base := initLogger(&buf, "info", "json")
	log := ForCall(NewComponentLogger(base, "session"), "CA1", "trace-1")
	log.Info("session_started")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "session" || entry["call_id"] != "CA1" || entry["trace_id"] != "trace-1" {
		t.Fatalf("missing attrs in %v", entry)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	initLogger(&buf, "debug", "text").Debug("link_open")
	if !strings.Contains(buf.String(), "msg=link_open") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

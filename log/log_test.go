package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (raw: %s)", err, buf.String())
	}
	return entry
}

func TestLogger_Module(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: slog.LevelDebug, Output: &buf})
	l.Module("settlement").Info("reserved", "tokens", 42)

	entry := decode(t, &buf)
	if entry["module"] != "settlement" {
		t.Fatalf("module = %v, want settlement", entry["module"])
	}
	if entry["tokens"] != float64(42) {
		t.Fatalf("tokens = %v, want 42", entry["tokens"])
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: slog.LevelInfo, Format: FormatText, Output: &buf})
	l.With("session", "abc").Warn("pending")
	out := buf.String()
	if !strings.Contains(out, "session=abc") || !strings.Contains(out, "level=WARN") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: slog.LevelWarn, Output: &buf})
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record should be filtered, got %q", buf.String())
	}
	if l.Enabled(slog.LevelDebug) || !l.Enabled(slog.LevelError) {
		t.Fatal("Enabled does not follow the configured level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{" INFO ", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"Error", slog.LevelError, true},
		{"trace", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOrDefault(t *testing.T) {
	l := Discard()
	if OrDefault(l, "x") != l {
		t.Fatal("OrDefault must return a non-nil logger unchanged")
	}
	if OrDefault(nil, "x") == nil {
		t.Fatal("OrDefault(nil) must return a logger")
	}
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(New(Options{Level: slog.LevelDebug, Output: &buf}))
	Debug("via package")
	if entry := decode(t, &buf); entry["msg"] != "via package" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	SetDefault(nil)
	if Default() == nil {
		t.Fatal("SetDefault(nil) must keep the current logger")
	}
}

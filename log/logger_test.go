package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLogger_ServiceContext(t *testing.T) {
	var buf bytes.Buffer
	l := New("node-1", &buf, zapcore.DebugLevel)

	l.Info("frame received", map[string]any{"bytes": 12})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["service"] != ServiceName {
		t.Errorf("service = %v, want %q", e["service"], ServiceName)
	}
	if e["instance_id"] != "node-1" {
		t.Errorf("instance_id = %v, want node-1", e["instance_id"])
	}
	if e["message"] != "frame received" {
		t.Errorf("message = %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v, want info", e["level"])
	}
	fields, ok := e["fields"].(map[string]any)
	if !ok || fields["bytes"] != float64(12) {
		t.Errorf("fields = %v, want bytes=12", e["fields"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New("", &buf, zapcore.WarnLevel)

	l.Debug("dropped", nil)
	l.Info("dropped", nil)
	l.Warn("kept", nil)
	l.Error("kept", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if _, ok := entries[0]["instance_id"]; ok {
		t.Error("instance_id should be omitted when empty")
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New("node-1", &buf, zapcore.InfoLevel).With(map[string]any{"conn_id": "c-1"})

	l.Info("hello", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["conn_id"] != "c-1" {
		t.Errorf("entries = %v, want conn_id=c-1", entries)
	}
}

func TestLogger_WithOutput(t *testing.T) {
	var first, second bytes.Buffer
	l := New("node-1", &first, zapcore.InfoLevel).With(map[string]any{"conn_id": "c-9"})
	moved := l.WithOutput(&second)

	moved.Info("moved", nil)

	if first.Len() != 0 {
		t.Errorf("original writer got %q, want nothing", first.String())
	}
	entries := decodeLines(t, &second)
	if len(entries) != 1 || entries[0]["conn_id"] != "c-9" {
		t.Errorf("entries = %v, want conn_id kept", entries)
	}
}

func TestLogger_Sugar(t *testing.T) {
	var buf bytes.Buffer
	s := New("node-1", &buf, zapcore.InfoLevel).Sugar().With("cmd", "serve")

	s.Infof("listening on %s", ":8080")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["message"] != "listening on :8080" {
		t.Errorf("message = %v", entries[0]["message"])
	}
	if entries[0]["cmd"] != "serve" {
		t.Errorf("cmd = %v, want serve", entries[0]["cmd"])
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info("ignored", map[string]any{"k": "v"})
	l.With(map[string]any{"a": 1}).Error("ignored", nil)
	l.Sugar().Infof("ignored %d", 1)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{" error ", zapcore.ErrorLevel, false},
		{"trace", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Config{Level: slog.LevelWarn, Format: FormatJSON})
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept", slog.String("channel", "AUX"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "kept", rec["msg"])
	require.Equal(t, "AUX", rec["channel"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Config{Level: slog.LevelDebug, Format: FormatText, NoColor: true})
	require.NoError(t, err)

	l.Debug("packet sent", slog.String("packet", "08-00-01"))
	require.Contains(t, buf.String(), "packet sent")
	require.Contains(t, buf.String(), "packet=08-00-01")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")

	var buf bytes.Buffer
	l, err := New(&buf, DefaultConfig())
	require.NoError(t, err)

	l.Warn("hidden")
	require.Empty(t, buf.String())
	l.Error("shown")
	require.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Config{Format: "xml"})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{" WARN ", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, false},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		require.Equal(t, tt.want, got, tt.raw)
		require.Equal(t, tt.ok, ok, tt.raw)
	}
}

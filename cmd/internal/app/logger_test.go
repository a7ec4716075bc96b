package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, parseLogLevel(tc.in), "parseLogLevel(%q)", tc.in)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "info", "json", false)
	log.Debug("hidden")
	log.Info("broker.evict", "user_id", "u2")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "exactly one JSON record expected: %s", buf.String())
	require.Equal(t, "broker.evict", rec["msg"])
	require.Equal(t, "u2", rec["user_id"])
	require.Contains(t, rec, "source")
}

func TestNewLogger_Pretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "pretty", false)
	log.With("session_id", "s1").WithGroup("req").Warn("http.request",
		"method", "post",
		"status", 404,
		"duration_ms", int64(1500),
		"note", "two words",
		slog.Group("peer", "id", "u1"),
	)

	line := buf.String()
	require.Contains(t, line, "WARN  http.request session_id=s1")
	require.Contains(t, line, "req.method=POST")
	require.Contains(t, line, "req.status=404")
	require.Contains(t, line, "req.duration=1.5s")
	require.Contains(t, line, `req.note="two words"`)
	require.Contains(t, line, "req.peer.id=u1")
	require.Contains(t, line, "src=logger_test.go:")
	require.NotContains(t, line, "\x1b[", "color disabled")
}

func TestNewLogger_PrettyFiltersAndColors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "pretty", true)
	log.Info("hidden")
	log.Error("store.close.fail", "status", 503, "err", "")

	line := buf.String()
	require.NotContains(t, line, "hidden")
	require.Contains(t, line, ansiRed+"ERROR"+ansiReset)
	require.Contains(t, line, ansiRed+"503"+ansiReset)
	require.Contains(t, line, `err=""`)
}

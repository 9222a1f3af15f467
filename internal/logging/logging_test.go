// ABOUTME: Tests for the shared logger constructor
// ABOUTME: Covers the colorized line handler and the JSON handler

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func init() {
	color.NoColor = true
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "text", &buf)

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("session").Info("session ended", "reason", "keepalive timeout")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INF session ended")
	assert.Contains(t, line, "component=gateway")
	assert.Contains(t, line, "session.reason=keepalive timeout")
	assert.Equal(t, 1, strings.Count(line, "\n"))
}

func TestColorHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "", &buf)

	logger.Debug("d")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	assert.Contains(t, out, "DBG d")
	assert.Contains(t, out, "WRN w")
	assert.Contains(t, out, "ERR e")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info("quiet")
	logger.Warn("audit write failed", "action", "connect")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), `"msg":"audit write failed"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

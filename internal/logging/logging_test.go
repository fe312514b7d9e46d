// ABOUTME: Tests for logger construction
// ABOUTME: Checks level filtering, attrs and groups in the text handler and the JSON format

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gami/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNew_TextHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "mirrors").WithGroup("sync").Info("=== MIRROR SYNCED ===", "resources", 14)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF === MIRROR SYNCED ===")
	assert.Contains(t, out, " component=mirrors")
	assert.Contains(t, out, " sync.resources=14")
}

func TestNew_JSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("heartbeat", "agent_id", "a1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "heartbeat", rec["msg"])
	assert.Equal(t, "a1", rec["agent_id"])
}

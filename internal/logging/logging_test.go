package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"critical", LevelCritical},
	}

	for _, tt := range tests {
		lvl, err := ParseLevel(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, lvl, tt.name)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestCriticalLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, slog.LevelDebug, "json"), "ProducerChannel")

	Critical(logger, "publish max attempts exceeded", "attempts", 4)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "CRITICAL", record["level"])
	assert.Equal(t, "ProducerChannel", record[ComponentKey])
	assert.Equal(t, float64(4), record["attempts"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn, "text")

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

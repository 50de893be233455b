package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_WritesJSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	log, err := New(&Config{LogFile: path, MaxSize: 1, MaxBackups: 1, MaxAge: 1})
	require.NoError(t, err)

	log.WithPosition("acc1", "0xabc").Info("Exit executed", zap.String("reason", "stop-loss"))
	log.Debug("hidden at info level")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"account":"acc1"`)
	assert.Contains(t, lines[0], `"asset":"0xabc"`)
	assert.Contains(t, lines[0], `"reason":"stop-loss"`)
	assert.Contains(t, lines[0], `"level":"INFO"`)
}

func TestWithOperation_AddsCorrelationID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := Wrap(zap.New(core))

	log.WithOperation("sweep").Info("one")
	log.WithOperation("sweep").Info("two")

	entries := logs.All()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()["correlation_id"]
	second := entries[1].ContextMap()["correlation_id"]
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "sweep", entries[0].ContextMap()["operation"])
}

func TestTrackPerformance(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := Wrap(zap.New(core))

	end := log.TrackPerformance("fetch")
	end()

	entries := logs.FilterMessage("Operation completed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "duration_ms")
}

func TestLogError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := Wrap(zap.New(core))

	log.LogError("journal write failed", errors.New("disk full"), zap.String("asset", "0xabc"))
	log.LogError("no error attached", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "disk full", entries[0].ContextMap()["error"])
	assert.NotContains(t, entries[1].ContextMap(), "error")
}

package utils

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Info("turn generated", map[string]interface{}{
		"session_id": "s1",
		"turn":       2,
		"error":      errors.New("boom"),
	})
	l.Debugf("plan %s", "final")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "turn generated", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "s1", ctx["session_id"])
	assert.EqualValues(t, 2, ctx["turn"])
	assert.Equal(t, "boom", ctx["error"])
	assert.Equal(t, "plan final", entries[1].Message)
}

func TestLoggerRespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewLogger(zap.New(core))

	l.Info("hidden", nil)
	l.Warn("shown", nil)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "shown", logs.All()[0].Message)
}

func TestInitLoggerCreatesDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "app.log")
	require.NoError(t, InitLogger(LoggerConfig{Level: "debug", Encoding: "json", LogFile: file}))
	defer GetLogger().Replace(zap.NewNop())

	GetLogger().Info("hello", nil)
	_ = GetLogger().Sync()
	assert.FileExists(t, file)
}

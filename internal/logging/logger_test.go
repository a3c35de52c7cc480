package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSubsystemField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Info("daemon", "decayed %d memories", 3)
	Warn("bridge", "skipped")
	Error("cpl", errors.New("boom"), "tick failed")
	Debug("dreaming", "replayed %d", 2)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "decayed 3 memories", entries[0].Message)
	assert.Equal(t, "daemon", entries[0].ContextMap()["subsystem"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	Debug("dreaming", "hidden")
	assert.Equal(t, 0, logs.Len())
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init("loud", false)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a b...", Truncate("a\nbcdef", 3))
}

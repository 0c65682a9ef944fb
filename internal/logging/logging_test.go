package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsKnownLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		l, err := New(lvl)
		require.NoError(t, err)
		l.Info("hello", "level", lvl)
	}
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	l, err := New("not-a-level")
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestOrNopHandlesTypedNilPointer(t *testing.T) {
	var typedNil *zapLogger
	var l Logger = typedNil
	assert.True(t, IsNil(l))

	safe := OrNop(l)
	assert.False(t, IsNil(safe))
	safe.Info("should not panic")
}

func TestWithReturnsIndependentLogger(t *testing.T) {
	base, err := New("info")
	require.NoError(t, err)
	child := base.With("component", "task-service")
	child.Info("scoped message")
}

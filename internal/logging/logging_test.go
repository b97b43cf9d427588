package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, level, err := New("debug", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	require.NoError(t, SetLevel(level, "warn"))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsUnknownInput(t *testing.T) {
	_, _, err := New("loud", "json")
	require.Error(t, err)

	_, _, err = New("info", "xml")
	require.Error(t, err)
}

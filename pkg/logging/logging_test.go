package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestChild_PrefixesMessages(t *testing.T) {
	var captured []string
	parent := NewLogger("", LogFuncs{
		Infof: func(format string, args ...interface{}) {
			captured = append(captured, fmt.Sprintf(format, args...))
		},
	})

	child := Child(parent, "lifecycle, ")
	child.Infof("Starting instance, id: %s", "search-1")

	require.Len(t, captured, 1)
	assert.Equal(t, "lifecycle, Starting instance, id: search-1", captured[0])
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.Debugf("x")
		logger.Infof("x")
		logger.Warnf("x")
		logger.Errorf("x")
		logger.LogLevelf(LogLevelError, "x")
	})

	assert.NotPanics(t, func() { Child(nil, "p").Infof("x") })
}

func TestParseLevel(t *testing.T) {
	level, ok := ParseLevel("warn")
	assert.True(t, ok)
	assert.Equal(t, LogLevelWarn, level)

	level, ok = ParseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, LogLevelInfo, level)
}

func TestZapLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLoggerFrom(zap.New(core))

	logger.Debugf("debug %d", 1)
	logger.Infof("info %d", 2)
	logger.Warnf("warn %d", 3)
	logger.Errorf("error %d", 4)
	logger.LogLevelf(LogLevelWarn, "level %s", "warn")

	entries := logs.All()
	require.Len(t, entries, 5)
	assert.Equal(t, "debug 1", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[4].Level)
}

func TestNewZapLogger_InvalidLevel(t *testing.T) {
	_, err := NewZapLogger(ZapConfig{Level: "loud"})
	assert.Error(t, err)

	logger, err := NewZapLogger(DefaultZapConfig())
	require.NoError(t, err)
	assert.NotNil(t, logger.Zap())
}

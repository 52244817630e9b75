package logger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaultsOnBadLevel(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "not-a-level", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestWithProcessNameScopesEntryField(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	scoped := log.WithProcessName("web")
	require.Len(t, scoped.fields, 1)
	assert.Equal(t, "entry", scoped.fields[0].Key)
	assert.Equal(t, "web", scoped.fields[0].String)
}

func TestWithCorrelationIDAddsField(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	scoped := log.WithCorrelationID("abc-123")
	require.Len(t, scoped.fields, 1)
	assert.Equal(t, "correlation_id", scoped.fields[0].Key)
}

func TestDetectLogFormatHonorsSentinelEnv(t *testing.T) {
	old := os.Getenv("SENTINEL_ENV")
	defer os.Setenv("SENTINEL_ENV", old)

	os.Setenv("SENTINEL_ENV", "production")
	assert.Equal(t, "json", detectLogFormat())

	os.Setenv("SENTINEL_ENV", "development")
	assert.Equal(t, "text", detectLogFormat())
}

package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger(Config{Level: "loud", Encoding: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewLoggerConsole(t *testing.T) {
	l, err := newLogger(Config{Level: "debug", Development: true, Encoding: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := ContextWith(context.Background(), RunIDKey, "run-1")
	ctx = ContextWith(ctx, SourceKey, "fred")
	ctx = ContextWith(ctx, DatasetKey, "gdp")

	WithContext(ctx, base).Info("fetched")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "fred", fields["source"])
	assert.Equal(t, "gdp", fields["dataset"])
}

func TestWithContextOnlyAddsPresentKeys(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := ContextWith(context.Background(), SourceKey, "bcb")

	WithContext(ctx, zap.New(core)).Info("fetched")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "bcb", fields["source"])
	assert.NotContains(t, fields, "run_id")
	assert.NotContains(t, fields, "dataset")
}

func TestWithContextNilBaseUsesGlobal(t *testing.T) {
	assert.NotNil(t, WithContext(context.Background(), nil))
}

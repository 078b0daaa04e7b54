package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "gantryd", cfg.Fields["service"])
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "yaml"
	require.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Caller.Skip = -1
	require.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Fields = map[string]string{"": "v"}
	require.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)

	child := logger.Named("engine")
	assert.NotNil(t, child.Underlying())
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithPhase(ctx, "deploy")

	fields := ContextFields(ctx)
	assert.Len(t, fields, 2)
	assert.Equal(t, "run-123", RunIDFromContext(ctx))
	assert.Equal(t, "deploy", PhaseFromContext(ctx))
}

func TestContextFields_Absent(t *testing.T) {
	assert.Equal(t, "", RunIDFromContext(context.Background()))
	assert.Equal(t, "", PhaseFromContext(context.Background()))
}

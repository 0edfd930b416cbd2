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

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, Initialize(tt.jsonOutput))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
			Cleanup()
		})
	}
	Logger = zap.NewNop().Sugar()
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, "Info (-v)", LevelName(1))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithInstanceID(context.Background(), "node-a")
	ctx = WithFireInstanceID(ctx, "fire-1")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{
		FieldInstanceID, "node-a",
		FieldFireInstanceID, "fire-1",
	}, fields)

	assert.Empty(t, FieldsFromContext(context.Background()))

	core, logs := observer.New(zapcore.InfoLevel)
	FromContext(ctx, zap.New(core).Sugar()).Infow("fired")
	require.Len(t, logs.All(), 1)
	assert.Equal(t, "node-a", logs.All()[0].ContextMap()[FieldInstanceID])
	assert.Equal(t, "fire-1", logs.All()[0].ContextMap()[FieldFireInstanceID])
}

func TestSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	AddPulseSymbol(base).Infow("acquired", FieldBatchSize, 3)
	AddDBSymbol(base).Infow("migrated")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "꩜", entries[0].ContextMap()[FieldSymbol])
	assert.EqualValues(t, 3, entries[0].ContextMap()[FieldBatchSize])
	assert.Equal(t, "⊔", entries[1].ContextMap()[FieldSymbol])
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewNop().Sugar()
	assert.Same(t, l, OrNop(l))
}

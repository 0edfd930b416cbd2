package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/scheduler"
)

func execContext(data job.DataMap) (*scheduler.ExecutionContext, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &scheduler.ExecutionContext{
		FireInstanceID: "fire-1",
		JobData:        job.DataMap{},
		MergedData:     data,
		Logger:         zap.New(core).Sugar(),
	}, logs
}

func TestRegister(t *testing.T) {
	r := scheduler.NewRegistry()
	Register(r)
	assert.Equal(t, []string{HTTPHandler, LogHandler, NoopHandler}, r.Names())
}

func TestLog(t *testing.T) {
	ec, logs := execContext(job.DataMap{"message": "backup window open", "level": "warn"})
	require.NoError(t, Log(context.Background(), ec))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "backup window open", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.EqualValues(t, 1, ec.JobData["runs"])
}

func TestLog_Defaults(t *testing.T) {
	ec, logs := execContext(job.DataMap{})
	require.NoError(t, Log(context.Background(), ec))
	require.Len(t, logs.All(), 1)
	assert.Equal(t, zapcore.InfoLevel, logs.All()[0].Level)
}

func TestLog_UnknownLevelIsFatal(t *testing.T) {
	ec, _ := execContext(job.DataMap{"level": "shout"})
	err := Log(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, job.OutcomeFailedFatal, scheduler.OutcomeOf(err))
}

func TestNoop(t *testing.T) {
	ec, _ := execContext(job.DataMap{})
	ec.JobData["runs"] = int64(4)
	require.NoError(t, Noop(context.Background(), ec))
	assert.EqualValues(t, 5, ec.JobData["runs"])
}

func TestNoop_FailModes(t *testing.T) {
	ec, _ := execContext(job.DataMap{"fail": "fatal"})
	assert.Equal(t, job.OutcomeFailedFatal, scheduler.OutcomeOf(Noop(context.Background(), ec)))

	ec, _ = execContext(job.DataMap{"fail": "recoverable"})
	assert.Equal(t, job.OutcomeFailedRecoverable, scheduler.OutcomeOf(Noop(context.Background(), ec)))

	ec, _ = execContext(job.DataMap{"fail": "sometimes"})
	err := Noop(context.Background(), ec)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestNoop_SleepHonoursCancellation(t *testing.T) {
	ec, _ := execContext(job.DataMap{"sleep": "1h"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Noop(ctx, ec)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, job.OutcomeFailedRecoverable, scheduler.OutcomeOf(err))
	assert.Nil(t, ec.JobData["runs"], "interrupted runs are not counted")
}

func TestNoop_InvalidSleep(t *testing.T) {
	ec, _ := execContext(job.DataMap{"sleep": "a while"})
	err := Noop(context.Background(), ec)
	assert.True(t, errors.IsConfigurationError(err))
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// fireOne acquires and fires the single due trigger
func fireOne(t *testing.T, s *Store, at time.Time) *FiredBundle {
	t.Helper()
	ctx := context.Background()
	batch, err := s.AcquireNextTriggers(ctx, at, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	bundles, err := s.TriggersFired(ctx, batch)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	return bundles[0]
}

func completionFor(b *FiredBundle, outcome job.Outcome, data job.DataMap) Completion {
	return Completion{
		FireInstanceID: b.FireInstanceID,
		TriggerKey:     b.Trigger.Key,
		JobKey:         b.Job.Key,
		Outcome:        outcome,
		Data:           data,
		FiredAt:        b.FireTime,
		Recovering:     b.Recovering,
	}
}

// A non-durable job with a one-shot trigger persists its data on completion,
// then the trigger completes and the job goes with it
func TestTriggeredJobComplete_PersistsDataAndCompletes(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	sig := &recordingSignaler{}
	s.SetSignaler(sig)
	ctx := context.Background()

	d := newJob("J")
	d.Durable = false
	d.PersistDataAfterExecution = true
	d.Data = job.DataMap{"testjobdata": 1}
	tr := newTrigger("T", "J", trigger.Once(), epoch)
	require.NoError(t, s.StoreJobAndTrigger(ctx, d, tr))

	b := fireOne(t, s, epoch)
	assert.Equal(t, int64(1), b.MergedData["testjobdata"])
	assert.Nil(t, b.NextFireTime)
	assert.True(t, b.ScheduledFireTime.Equal(epoch))

	state, err := s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateExecuting, state)

	data := b.MergedData.Clone()
	data["testjobdata"] = 2
	f.clock.Advance(1500 * time.Millisecond)
	res, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, data))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateComplete, res.FinalState)
	assert.True(t, res.JobDeleted)
	assert.False(t, res.Stale)
	assert.Equal(t, []trigger.Key{tr.Key}, sig.finalized)

	state, err = s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateNone, state)
	_, err = s.RetrieveJob(ctx, d.Key)
	assert.True(t, errors.IsNotFoundError(err))

	exec, err := s.GetExecution(ctx, b.FireInstanceID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), exec.Data["testjobdata"])
	assert.Equal(t, trigger.StateComplete, exec.TriggerState)
	assert.Equal(t, job.OutcomeSucceeded, exec.Outcome)
	assert.Equal(t, int64(1500), exec.DurationMs)
	assert.Equal(t, "node-a", exec.InstanceID)

	recs, err := s.FiredRecords(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// A duplicate completion is recognised and changes nothing
	res, err = s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, data))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	execs, total, err := s.ListExecutions(ctx, d.Key, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, execs, 1)
}

func TestTriggeredJobComplete_DataNotPersistedByDefault(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	d := newJob("j")
	d.Data = job.DataMap{"count": 1}
	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	tr.Data = job.DataMap{"source": "trigger"}
	require.NoError(t, s.StoreJobAndTrigger(ctx, d, tr))

	b := fireOne(t, s, epoch)
	assert.Equal(t, "trigger", b.MergedData["source"])

	res, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, job.DataMap{"count": 9}))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, res.FinalState)

	got, err := s.RetrieveJob(ctx, d.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Data["count"])

	stored, err := s.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.True(t, stored.NextFireTime.Equal(epoch.Add(time.Minute)))
	assert.True(t, stored.PreviousFireTime.Equal(epoch))
	assert.Equal(t, int64(1), stored.TimesTriggered)
}

func TestTriggeredJobComplete_FatalFailure(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	b := fireOne(t, s, epoch)
	c := completionFor(b, job.OutcomeFailedFatal, nil)
	c.ErrorMessage = "disk full"
	res, err := s.TriggeredJobComplete(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateError, res.FinalState)

	exec, err := s.GetExecution(ctx, b.FireInstanceID)
	require.NoError(t, err)
	assert.Equal(t, "disk full", exec.ErrorMessage)

	batch, err := s.AcquireNextTriggers(ctx, epoch.Add(time.Hour), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, batch, "ERROR triggers are never acquired")

	require.NoError(t, s.ResetTriggerFromErrorState(ctx, tr.Key))
	state, err := s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)
}

func TestTriggeredJobComplete_RecoverableFailureKeepsScheduling(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	b := fireOne(t, s, epoch)
	res, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeFailedRecoverable, nil))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, res.FinalState)
}

func TestTriggeredJobComplete_OverdueNextFireTime(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	tr.MisfireInstruction = trigger.MisfireSkipToNext
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	b := fireOne(t, s, epoch)
	// the execution outlives several fire times
	f.clock.Advance(5*time.Minute + 10*time.Second)
	_, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, nil))
	require.NoError(t, err)

	got, err := s.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(6*time.Minute)))
}

// A run that outlasts several intervals does not leave a backlog of past fire
// times behind it
func TestTriggeredJobComplete_SkipsPastNow(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Second), epoch)
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	b := fireOne(t, s, epoch)
	f.clock.Advance(10 * time.Second)
	now := f.clock.Now()
	res, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, nil))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, res.FinalState)

	got, err := s.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireTime)
	assert.True(t, got.NextFireTime.After(now), "next fire %s is not after %s", got.NextFireTime, now)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(11*time.Second)))

	batch, err := s.AcquireNextTriggers(ctx, now, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, batch, "nothing is due until the clock moves")
}

func TestTriggeredJobComplete_IgnoreKeepsMissedTimes(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Second), epoch)
	tr.MisfireInstruction = trigger.MisfireIgnore
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	b := fireOne(t, s, epoch)
	f.clock.Advance(10 * time.Second)
	_, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, nil))
	require.NoError(t, err)

	got, err := s.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(time.Second)))
}

func TestTriggeredJobComplete_OverdueFinalFireCompletes(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	d := newJob("j")
	d.Durable = false
	require.NoError(t, s.StoreJobAndTrigger(ctx, d, newTrigger("t", "j", trigger.EveryN(time.Second, 1), epoch)))

	b := fireOne(t, s, epoch)
	f.clock.Advance(10 * time.Second)
	res, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, nil))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateComplete, res.FinalState)
	assert.True(t, res.JobDeleted)
}

func TestPauseWhileExecuting(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	b := fireOne(t, s, epoch)
	require.NoError(t, s.PauseTrigger(ctx, tr.Key))
	state, err := s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateExecuting, state, "pause is applied at completion")

	res, err := s.TriggeredJobComplete(ctx, completionFor(b, job.OutcomeSucceeded, nil))
	require.NoError(t, err)
	assert.Equal(t, trigger.StatePaused, res.FinalState)

	require.NoError(t, s.ResumeTrigger(ctx, tr.Key))
	state, err = s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)
}

func TestExecutionHistory(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	outcomes := []job.Outcome{job.OutcomeSucceeded, job.OutcomeFailedRecoverable, job.OutcomeSucceeded}
	for _, o := range outcomes {
		b := fireOne(t, s, f.clock.Now())
		_, err := s.TriggeredJobComplete(ctx, completionFor(b, o, nil))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	execs, total, err := s.ListExecutions(ctx, job.NewKey("j", ""), "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, execs, 2)
	assert.True(t, execs[0].FiredAt.After(execs[1].FiredAt), "newest first")

	_, total, err = s.ListExecutions(ctx, job.Key{}, job.OutcomeFailedRecoverable, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	f.clock.Advance(48 * time.Hour)
	deleted, err := s.CleanupOldExecutions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

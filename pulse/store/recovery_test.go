package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

func TestClusterCheckin(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "node-a")
	b := f.node(t, "node-b")
	ctx := context.Background()

	failed, err := a.ClusterCheckin(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	failed, err = b.ClusterCheckin(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	f.clock.Advance(10 * time.Second)
	_, err = b.ClusterCheckin(ctx)
	require.NoError(t, err)

	// a is 10s behind, under the 15s threshold
	failed, err = b.ClusterCheckin(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	f.clock.Advance(6 * time.Second)
	failed, err = b.ClusterCheckin(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "node-a", failed[0].InstanceID)

	states, err := b.SchedulerStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, 5*time.Second, states[0].CheckinInterval)
}

// An instance dies while holding the cluster lock and an ACQUIRED trigger.
// After the fail threshold a survivor returns the trigger to WAITING exactly once.
func TestRecoverFailedInstances_AcquiredTrigger(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "node-a")
	b := f.node(t, "node-b")
	ctx := context.Background()

	_, err := a.ClusterCheckin(ctx)
	require.NoError(t, err)
	_, err = b.ClusterCheckin(ctx)
	require.NoError(t, err)

	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	require.NoError(t, a.StoreJobAndTrigger(ctx, newJob("j"), tr))

	batch, err := a.AcquireNextTriggers(ctx, epoch, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// a crashes while holding TRIGGER_ACCESS; the release never runs
	_, _, err = a.sem.Obtain(ctx, cluster.LockTriggerAccess)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	failed, err := b.ClusterCheckin(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "node-a", failed[0].InstanceID)

	report, err := b.RecoverFailedInstances(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, report.Instances)
	assert.Equal(t, 1, report.RecordsReleased)
	assert.Empty(t, report.RecoveryTriggers)

	got, err := b.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, got.State)
	assert.True(t, got.NextFireTime.Equal(epoch), "next fire time unchanged")
	recs, err := b.FiredRecords(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// running recovery again finds nothing left to do
	report, err = b.RecoverFailedInstances(ctx, failed)
	require.NoError(t, err)
	assert.Zero(t, report.RecordsReleased)

	// the trigger fires once, on the survivor
	batch, err = b.AcquireNextTriggers(ctx, f.clock.Now(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEFAULT.t"}, acquiredKeys(batch))
	batch, err = b.AcquireNextTriggers(ctx, f.clock.Now(), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)

	failed, err = b.ClusterCheckin(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed, "recovered instance state was removed")
}

func TestRecoverFailedInstances_SkipsInstanceThatCheckedInAgain(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "node-a")
	b := f.node(t, "node-b")
	ctx := context.Background()

	_, err := a.ClusterCheckin(ctx)
	require.NoError(t, err)
	require.NoError(t, a.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("t", "j", trigger.Every(time.Minute), epoch)))
	_, err = a.AcquireNextTriggers(ctx, epoch, 1, 0)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	failed, err := b.ClusterCheckin(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// a was only slow
	_, err = a.ClusterCheckin(ctx)
	require.NoError(t, err)

	report, err := b.RecoverFailedInstances(ctx, failed)
	require.NoError(t, err)
	assert.Empty(t, report.Instances)
	recs, err := b.FiredRecords(ctx, "node-a")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRecoverFailedInstances_RecoverableJob(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "node-a")
	b := f.node(t, "node-b")
	ctx := context.Background()

	_, err := a.ClusterCheckin(ctx)
	require.NoError(t, err)

	d := newJob("j")
	d.RequestsRecovery = true
	d.ConcurrentExecutionDisallowed = true
	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch)
	tr.Data = job.DataMap{"region": "eu"}
	require.NoError(t, a.StoreJobAndTrigger(ctx, d, tr))

	b1 := fireOne(t, a, epoch)
	require.Equal(t, "DEFAULT.t", b1.Trigger.Key.String())

	f.clock.Advance(20 * time.Second)
	failed, err := b.ClusterCheckin(ctx)
	require.NoError(t, err)
	report, err := b.RecoverFailedInstances(ctx, failed)
	require.NoError(t, err)
	require.Len(t, report.RecoveryTriggers, 1)
	rk := report.RecoveryTriggers[0]
	assert.Equal(t, trigger.RecoveryGroup, rk.Group)

	// the original trigger moved on as if the execution had completed
	got, err := b.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, got.State)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(time.Minute)))

	rb := fireOne(t, b, f.clock.Now())
	assert.Equal(t, rk, rb.Trigger.Key)
	assert.True(t, rb.Recovering)
	assert.True(t, rb.ScheduledFireTime.Equal(epoch))
	assert.Equal(t, "t", rb.MergedData[trigger.DataFailedTriggerName])
	assert.Equal(t, "DEFAULT", rb.MergedData[trigger.DataFailedTriggerGroup])
	assert.Equal(t, "eu", rb.MergedData["region"])

	res, err := b.TriggeredJobComplete(ctx, completionFor(rb, job.OutcomeSucceeded, nil))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateComplete, res.FinalState)
	assert.False(t, res.JobDeleted)

	exec, err := b.GetExecution(ctx, rb.FireInstanceID)
	require.NoError(t, err)
	assert.True(t, exec.Recovering)

	// the late completion from the crashed node is stale
	res, err = a.TriggeredJobComplete(ctx, completionFor(b1, job.OutcomeSucceeded, nil))
	require.NoError(t, err)
	assert.True(t, res.Stale)
}

// A one-shot trigger of a non-durable job completes during recovery; the
// job must survive until its recovery execution has run
func TestRecoverFailedInstances_NonDurableOneShot(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "node-a")
	b := f.node(t, "node-b")
	ctx := context.Background()

	_, err := a.ClusterCheckin(ctx)
	require.NoError(t, err)

	d := newJob("j")
	d.Durable = false
	d.RequestsRecovery = true
	tr := newTrigger("t", "j", trigger.Once(), epoch)
	require.NoError(t, a.StoreJobAndTrigger(ctx, d, tr))
	fireOne(t, a, epoch)

	f.clock.Advance(20 * time.Second)
	failed, err := b.ClusterCheckin(ctx)
	require.NoError(t, err)
	report, err := b.RecoverFailedInstances(ctx, failed)
	require.NoError(t, err)
	require.Len(t, report.RecoveryTriggers, 1)

	_, err = b.RetrieveTrigger(ctx, tr.Key)
	assert.True(t, errors.IsNotFoundError(err), "the original one-shot trigger is complete")
	exists, err := b.CheckJobExists(ctx, d.Key)
	require.NoError(t, err)
	assert.True(t, exists, "the job is kept for its recovery trigger")

	rb := fireOne(t, b, f.clock.Now())
	assert.Equal(t, report.RecoveryTriggers[0], rb.Trigger.Key)
	assert.True(t, rb.Recovering)

	res, err := b.TriggeredJobComplete(ctx, completionFor(rb, job.OutcomeSucceeded, nil))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateComplete, res.FinalState)
	assert.True(t, res.JobDeleted, "the job goes once the recovery run is done")
}

func TestRecoverOwnFiredRecords(t *testing.T) {
	f := newFixture(t)
	first := f.node(t, "node-a")
	ctx := context.Background()

	require.NoError(t, first.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("t", "j", trigger.Every(time.Minute), epoch)))
	fireOne(t, first, epoch)

	// same instance id restarted
	restarted := f.node(t, "node-a")
	report, err := restarted.RecoverOwnFiredRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsReleased)

	state, err := restarted.GetTriggerState(ctx, trigger.NewKey("t", ""))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)
}

func TestClusterCheckin_OrphanedFiringRecords(t *testing.T) {
	f := newFixture(t)
	ghost := f.node(t, "node-ghost")
	b := f.node(t, "node-b")
	ctx := context.Background()

	require.NoError(t, ghost.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("t", "j", trigger.Once(), epoch)))
	_, err := ghost.AcquireNextTriggers(ctx, epoch, 1, 0)
	require.NoError(t, err)

	failed, err := b.ClusterCheckin(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "node-ghost", failed[0].InstanceID)
}

func TestRecoverMisfiredTriggers(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	sig := &recordingSignaler{}
	s.SetSignaler(sig)
	ctx := context.Background()

	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))
	for i := 0; i < 3; i++ {
		tr := newTrigger(fmt.Sprintf("late%d", i), "j", trigger.Every(time.Minute), epoch.Add(-time.Hour))
		tr.MisfireInstruction = trigger.MisfireSkipToNext
		require.NoError(t, s.StoreTrigger(ctx, tr, false))
	}
	ignore := newTrigger("ignore", "j", trigger.Every(time.Minute), epoch.Add(-time.Hour))
	ignore.MisfireInstruction = trigger.MisfireIgnore
	require.NoError(t, s.StoreTrigger(ctx, ignore, false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("ontime", "j", trigger.Every(time.Minute), epoch), false))

	n, more, err := s.RecoverMisfiredTriggers(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, more)

	n, more, err = s.RecoverMisfiredTriggers(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, more)

	n, _, err = s.RecoverMisfiredTriggers(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sig.misfired, 3)

	got, err := s.RetrieveTrigger(ctx, ignore.Key)
	require.NoError(t, err)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(-time.Hour)), "ignore keeps every missed fire")
}

func TestRecoverAllFiredRecords(t *testing.T) {
	f := newFixture(t)
	first := f.node(t, "run-1")
	ctx := context.Background()

	require.NoError(t, first.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("t", "j", trigger.Every(time.Minute), epoch)))
	fireOne(t, first, epoch)

	// a fresh generated id on restart still owns the leftovers
	second := f.node(t, "run-2")
	report, err := second.RecoverAllFiredRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsReleased)
	assert.Zero(t, countRows(t, second.DB(), `SELECT COUNT(*) FROM fired_triggers`))

	state, err := second.GetTriggerState(ctx, trigger.NewKey("t", ""))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)
}

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

func acquiredKeys(batch []*Acquired) []string {
	out := make([]string, len(batch))
	for i, a := range batch {
		out[i] = a.Trigger.Key.String()
	}
	return out
}

func TestAcquireNextTriggers_Ordering(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))

	add := func(name, group string, prio int, at time.Time) {
		tr := trigger.New(trigger.NewKey(name, group), job.NewKey("j", ""), trigger.Every(time.Hour), at)
		tr.Priority = prio
		require.NoError(t, s.StoreTrigger(ctx, tr, false))
	}
	add("b", "g1", 5, epoch)
	add("z", "g1", 10, epoch)
	add("a", "g1", 5, epoch)
	add("a", "g0", 5, epoch)
	add("early", "g9", 1, epoch.Add(-time.Second))

	batch, err := s.AcquireNextTriggers(ctx, epoch, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"g9.early", "g1.z", "g0.a", "g1.a", "g1.b"}, acquiredKeys(batch))

	for _, a := range batch {
		assert.Equal(t, trigger.StateAcquired, a.Trigger.State)
		assert.NotEmpty(t, a.FireInstanceID)
	}
	recs, err := s.FiredRecords(ctx, "node-a")
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestAcquireNextTriggers_BatchWindow(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))

	for i, offset := range []time.Duration{time.Second, 3 * time.Second, 10 * time.Second, time.Hour} {
		tr := newTrigger(fmt.Sprintf("t%d", i), "j", trigger.Once(), epoch.Add(offset))
		require.NoError(t, s.StoreTrigger(ctx, tr, false))
	}

	batch, err := s.AcquireNextTriggers(ctx, epoch.Add(30*time.Second), 10, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEFAULT.t0", "DEFAULT.t1"}, acquiredKeys(batch))

	// maxCount bounds the batch
	batch, err = s.AcquireNextTriggers(ctx, epoch.Add(time.Hour), 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEFAULT.t2"}, acquiredKeys(batch))
}

func TestReleaseAcquiredTrigger(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("t", "j", trigger.Once(), epoch)))

	batch, err := s.AcquireNextTriggers(ctx, epoch, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.ReleaseAcquiredTrigger(ctx, batch[0]))
	state, err := s.GetTriggerState(ctx, trigger.NewKey("t", ""))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)

	// a released fire can no longer be fired
	bundles, err := s.TriggersFired(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

// Two instances racing for one due trigger: exactly one wins
func TestEarliestFireTime(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	next, err := s.EarliestFireTime(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "nothing scheduled")

	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("soon", "j", trigger.Once(), epoch.Add(time.Minute)), false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("late", "j", trigger.Once(), epoch.Add(time.Hour)), false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("held", "j", trigger.Once(), epoch.Add(time.Second)), false))
	require.NoError(t, s.PauseTrigger(ctx, trigger.NewKey("held", "")))

	next, err = s.EarliestFireTime(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, epoch.Add(time.Minute), *next, "paused triggers do not count")

	batch, err := s.AcquireNextTriggers(ctx, epoch.Add(time.Minute), 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	next, err = s.EarliestFireTime(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, epoch.Add(time.Hour), *next, "acquired triggers do not count")
}

func TestAcquireNextTriggers_NothingPastHorizon(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("t", "j", trigger.Once(), epoch.Add(10*time.Second)), false))

	batch, err := s.AcquireNextTriggers(ctx, epoch, 5, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, batch, "due after now plus the lookahead window")

	state, err := s.GetTriggerState(ctx, trigger.NewKey("t", ""))
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)
}

func TestAcquireNextTriggers_RaceSingleTrigger(t *testing.T) {
	for round := 0; round < 5; round++ {
		f := newFixture(t)
		a := f.node(t, "node-a")
		b := f.node(t, "node-b")
		ctx := context.Background()
		require.NoError(t, a.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("t", "j", trigger.Once(), epoch)))

		var wg sync.WaitGroup
		start := make(chan struct{})
		results := make([][]*Acquired, 2)
		errs := make([]error, 2)
		for i, s := range []*Store{a, b} {
			wg.Add(1)
			go func(i int, s *Store) {
				defer wg.Done()
				<-start
				results[i], errs[i] = s.AcquireNextTriggers(ctx, epoch, 1, 0)
			}(i, s)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, 1, len(results[0])+len(results[1]), "round %d", round)
	}
}

// Many triggers drained concurrently by two instances: every trigger is
// acquired exactly once and never has more than one live firing record
func TestAcquireNextTriggers_ConcurrentInstances(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "node-a")
	b := f.node(t, "node-b")
	ctx := context.Background()

	require.NoError(t, a.StoreJob(ctx, newJob("j"), false))
	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, a.StoreTrigger(ctx, newTrigger(fmt.Sprintf("t%02d", i), "j", trigger.Every(time.Hour), epoch), false))
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for {
				batch, err := s.AcquireNextTriggers(ctx, epoch, 4, 0)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, acq := range batch {
					key := acq.Trigger.Key.String()
					assert.NotContains(t, seen, key, "acquired twice")
					seen[key] = s.InstanceID()
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, n, countRows(t, a.DB(), `SELECT COUNT(*) FROM fired_triggers`))
	assert.Equal(t, 0, countRows(t, a.DB(), `
		SELECT COUNT(*) FROM (
			SELECT trigger_name, trigger_group FROM fired_triggers
			GROUP BY trigger_name, trigger_group HAVING COUNT(*) > 1)`))
}

func TestAcquireNextTriggers_SkipToNextMisfire(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	sig := &recordingSignaler{}
	s.SetSignaler(sig)
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Every(time.Minute), epoch.Add(-10*time.Minute).Add(-30*time.Second))
	tr.MisfireInstruction = trigger.MisfireSkipToNext
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	batch, err := s.AcquireNextTriggers(ctx, epoch.Add(20*time.Second), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, batch, "missed fire times are never fired")

	got, err := s.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, got.State)
	require.NotNil(t, got.NextFireTime)
	assert.True(t, got.NextFireTime.After(epoch))
	assert.True(t, got.NextFireTime.Equal(epoch.Add(30*time.Second)))
	assert.Equal(t, []trigger.Key{tr.Key}, sig.misfired)

	// Once due the corrected time fires normally
	f.clock.Advance(30 * time.Second)
	batch, err = s.AcquireNextTriggers(ctx, f.clock.Now(), 5, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].Trigger.NextFireTime.Equal(epoch.Add(30*time.Second)))
}

func TestAcquireNextTriggers_FireNowMisfire(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("t", "j", trigger.Once(), epoch.Add(-time.Hour))
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	batch, err := s.AcquireNextTriggers(ctx, epoch, 5, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].Trigger.NextFireTime.Equal(epoch), "smart policy on a one-shot fires now")
}

func TestAcquireNextTriggers_DoNothingOneShotCompletes(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	sig := &recordingSignaler{}
	s.SetSignaler(sig)
	ctx := context.Background()

	d := newJob("j")
	d.Durable = false
	tr := newTrigger("t", "j", trigger.Once(), epoch.Add(-time.Hour))
	tr.MisfireInstruction = trigger.MisfireDoNothing
	require.NoError(t, s.StoreJobAndTrigger(ctx, d, tr))

	batch, err := s.AcquireNextTriggers(ctx, epoch, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)

	state, err := s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateNone, state)
	assert.Equal(t, []trigger.Key{tr.Key}, sig.finalized)
	ok, err := s.CheckJobExists(ctx, d.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func nonConcurrentJob(name string) *job.Detail {
	d := newJob(name)
	d.ConcurrentExecutionDisallowed = true
	return d
}

// A second trigger of a running non-concurrent job ends up BLOCKED rather than EXECUTING
func TestNonConcurrentJob_SecondTriggerBlocked(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, "node-a")
	b := f.node(t, "node-b")
	ctx := context.Background()

	require.NoError(t, a.StoreJob(ctx, nonConcurrentJob("j"), false))
	t1 := newTrigger("t1", "j", trigger.Every(time.Minute), epoch)
	t2 := newTrigger("t2", "j", trigger.Every(time.Minute), epoch)
	require.NoError(t, a.StoreTrigger(ctx, t1, false))
	require.NoError(t, a.StoreTrigger(ctx, t2, false))

	// One trigger per non-concurrent job per batch
	batchA, err := a.AcquireNextTriggers(ctx, epoch, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEFAULT.t1"}, acquiredKeys(batchA))

	// Another instance acquires the sibling before the first one fires
	batchB, err := b.AcquireNextTriggers(ctx, epoch, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEFAULT.t2"}, acquiredKeys(batchB))

	bundles, err := a.TriggersFired(ctx, batchA)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	bundles, err = b.TriggersFired(ctx, batchB)
	require.NoError(t, err)
	assert.Empty(t, bundles)

	state, err := a.GetTriggerState(ctx, t2.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateBlocked, state)

	// While t1 executes nothing of the job is acquirable
	batchB, err = b.AcquireNextTriggers(ctx, epoch.Add(time.Hour), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, batchB)

	_, err = a.TriggeredJobComplete(ctx, Completion{
		FireInstanceID: batchA[0].FireInstanceID,
		TriggerKey:     t1.Key,
		JobKey:         t1.JobKey,
		Outcome:        job.OutcomeSucceeded,
	})
	require.NoError(t, err)

	state, err = a.GetTriggerState(ctx, t2.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)
}

func TestNonConcurrentJob_BlocksSiblingsOnFire(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	require.NoError(t, s.StoreJob(ctx, nonConcurrentJob("j"), false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("t1", "j", trigger.Every(time.Minute), epoch), false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("t2", "j", trigger.Every(time.Minute), epoch.Add(time.Hour)), false))
	require.NoError(t, s.StoreTrigger(ctx, newTrigger("t3", "j", trigger.Every(time.Minute), epoch.Add(time.Hour)), false))
	require.NoError(t, s.PauseTrigger(ctx, trigger.NewKey("t3", "")))

	batch, err := s.AcquireNextTriggers(ctx, epoch, 5, 0)
	require.NoError(t, err)
	_, err = s.TriggersFired(ctx, batch)
	require.NoError(t, err)

	for name, want := range map[string]trigger.State{
		"t1": trigger.StateExecuting,
		"t2": trigger.StateBlocked,
		"t3": trigger.StatePausedBlocked,
	} {
		state, err := s.GetTriggerState(ctx, trigger.NewKey(name, ""))
		require.NoError(t, err)
		assert.Equal(t, want, state, name)
	}

	// A trigger added while the job runs starts blocked
	t4 := newTrigger("t4", "j", trigger.Once(), epoch)
	require.NoError(t, s.StoreTrigger(ctx, t4, false))
	assert.Equal(t, trigger.StateBlocked, t4.State)
}

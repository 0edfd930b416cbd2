package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

func stateOf(t *testing.T, s *Store, name, group string) trigger.State {
	t.Helper()
	st, err := s.GetTriggerState(context.Background(), trigger.NewKey(name, group))
	require.NoError(t, err)
	return st
}

func TestPauseAndResumeGroup(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))

	store := func(name, group string) {
		tr := trigger.New(trigger.NewKey(name, group), job.NewKey("j", ""), trigger.Every(time.Minute), epoch)
		require.NoError(t, s.StoreTrigger(ctx, tr, false))
	}
	store("a", "reports")
	store("b", "reports")
	store("c", "billing")

	require.NoError(t, s.PauseTriggers(ctx, "reports"))
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "a", "reports"))
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "b", "reports"))
	assert.Equal(t, trigger.StateWaiting, stateOf(t, s, "c", "billing"))

	// Triggers added to a paused group start paused
	store("d", "reports")
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "d", "reports"))

	groups, err := s.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports"}, groups)

	batch, err := s.AcquireNextTriggers(ctx, epoch, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing.c"}, acquiredKeys(batch))
	require.NoError(t, s.ReleaseAcquiredTrigger(ctx, batch[0]))

	require.NoError(t, s.ResumeTriggers(ctx, "reports"))
	for _, name := range []string{"a", "b", "d"} {
		assert.Equal(t, trigger.StateWaiting, stateOf(t, s, name, "reports"))
	}
	groups, err = s.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestPauseAllAffectsNewGroups(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("a", "j", trigger.Every(time.Minute), epoch)))

	require.NoError(t, s.PauseAll(ctx))
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "a", ""))

	tr := trigger.New(trigger.NewKey("b", "fresh"), job.NewKey("j", ""), trigger.Once(), epoch)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))
	assert.Equal(t, trigger.StatePaused, tr.State)

	require.NoError(t, s.ResumeAll(ctx))
	assert.Equal(t, trigger.StateWaiting, stateOf(t, s, "a", ""))
	assert.Equal(t, trigger.StateWaiting, stateOf(t, s, "b", "fresh"))
}

func TestPauseAllLeavesRecoveryRuns(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))

	store := func(name, group string) {
		tr := trigger.New(trigger.NewKey(name, group), job.NewKey("j", ""), trigger.Once(), epoch)
		tr.MisfireInstruction = trigger.MisfireIgnore
		require.NoError(t, s.StoreTrigger(ctx, tr, false))
	}
	store("a", "reports")
	store("r1", trigger.RecoveryGroup)

	require.NoError(t, s.PauseAll(ctx))
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "a", "reports"))
	assert.Equal(t, trigger.StateWaiting, stateOf(t, s, "r1", trigger.RecoveryGroup))

	// recovery triggers stored during pause-all start runnable
	store("r2", trigger.RecoveryGroup)
	assert.Equal(t, trigger.StateWaiting, stateOf(t, s, "r2", trigger.RecoveryGroup))

	groups, err := s.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports"}, groups)

	batch, err := s.AcquireNextTriggers(ctx, epoch, 10, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{trigger.RecoveryGroup + ".r1", trigger.RecoveryGroup + ".r2"}, acquiredKeys(batch))
	for _, a := range batch {
		require.NoError(t, s.ReleaseAcquiredTrigger(ctx, a))
	}

	// an explicit pause of the group still holds them
	require.NoError(t, s.PauseTriggers(ctx, trigger.RecoveryGroup))
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "r1", trigger.RecoveryGroup))
	store("r3", trigger.RecoveryGroup)
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "r3", trigger.RecoveryGroup))
}

func TestPauseAcquiredTriggerDropsReservation(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), newTrigger("a", "j", trigger.Every(time.Minute), epoch)))

	batch, err := s.AcquireNextTriggers(ctx, epoch, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.PauseJob(ctx, job.NewKey("j", "")))
	assert.Equal(t, trigger.StatePaused, stateOf(t, s, "a", ""))

	bundles, err := s.TriggersFired(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestResumeAppliesMisfirePolicy(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	tr := newTrigger("a", "j", trigger.Every(time.Minute), epoch)
	tr.MisfireInstruction = trigger.MisfireSkipToNext
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))
	require.NoError(t, s.PauseTrigger(ctx, tr.Key))

	f.clock.Advance(time.Hour + 30*time.Second)
	require.NoError(t, s.ResumeJob(ctx, job.NewKey("j", "")))

	got, err := s.RetrieveTrigger(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, got.State)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(61*time.Minute)))
}

func TestCalendarExclusion(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	ctx := context.Background()

	window := calendar.NewRangeCalendar(calendar.Range{Start: epoch.Add(25 * time.Minute), End: epoch.Add(67 * time.Minute)})
	require.NoError(t, s.StoreCalendar(ctx, "maintenance", window, false, false))
	err := s.StoreCalendar(ctx, "maintenance", window, false, false)
	assert.True(t, errors.IsConflictError(err))

	tr := newTrigger("t", "j", trigger.Every(10*time.Minute), epoch.Add(20*time.Minute))
	tr.CalendarName = "maintenance"
	require.NoError(t, s.StoreJobAndTrigger(ctx, newJob("j"), tr))

	f.clock.Advance(20 * time.Minute)
	b := fireOne(t, s, f.clock.Now())
	require.NotNil(t, b.NextFireTime)
	assert.True(t, b.NextFireTime.Equal(epoch.Add(70*time.Minute)), "first schedule-valid time at or after the window end")
	assert.NotNil(t, b.Calendar)

	_, err = s.RemoveCalendar(ctx, "maintenance")
	assert.True(t, errors.IsConflictError(err))

	cal, err := s.RetrieveCalendar(ctx, "maintenance")
	require.NoError(t, err)
	assert.False(t, cal.IsTimeIncluded(epoch.Add(30*time.Minute)))

	names, err := s.GetCalendarNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"maintenance"}, names)
}

func TestStoreCalendar_UpdatesTriggers(t *testing.T) {
	f := newFixture(t)
	s := f.node(t, "node-a")
	sig := &recordingSignaler{}
	s.SetSignaler(sig)
	ctx := context.Background()

	require.NoError(t, s.StoreCalendar(ctx, "cal", calendar.NewRangeCalendar(), false, false))
	require.NoError(t, s.StoreJob(ctx, newJob("j"), false))

	rec := newTrigger("recurring", "j", trigger.Every(10*time.Minute), epoch)
	rec.CalendarName = "cal"
	once := newTrigger("once", "j", trigger.Once(), epoch.Add(5*time.Minute))
	once.CalendarName = "cal"
	require.NoError(t, s.StoreTrigger(ctx, rec, false))
	require.NoError(t, s.StoreTrigger(ctx, once, false))

	blackout := calendar.NewRangeCalendar(calendar.Range{Start: epoch, End: epoch.Add(15 * time.Minute)})
	require.NoError(t, s.StoreCalendar(ctx, "cal", blackout, true, true))

	got, err := s.RetrieveTrigger(ctx, rec.Key)
	require.NoError(t, err)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(20*time.Minute)))

	assert.Equal(t, trigger.StateNone, stateOf(t, s, "once", ""), "no fire time left")
	assert.Equal(t, []trigger.Key{once.Key}, sig.finalized)

	removed, err := s.RemoveCalendar(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, removed)
}

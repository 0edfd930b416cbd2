package misfire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

var (
	start = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	now   = start.Add(10*time.Minute + 30*time.Second)
)

func scheduled(s trigger.Schedule, instr trigger.MisfireInstruction) *trigger.Trigger {
	tr := trigger.New(trigger.NewKey("t", "g"), job.NewKey("j", "g"), s, start)
	tr.MisfireInstruction = instr
	_, _ = tr.ComputeFirstFireTime(nil, 100)
	return tr
}

func TestIsMisfired(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.Every(time.Minute), trigger.MisfireSmart)

	assert.True(t, h.IsMisfired(tr, now))
	assert.False(t, h.IsMisfired(tr, start.Add(59*time.Second)), "within threshold")

	tr.MisfireInstruction = trigger.MisfireIgnore
	assert.False(t, h.IsMisfired(tr, now))

	tr.NextFireTime = nil
	assert.False(t, h.IsMisfired(tr, now))
}

func TestApply_SkipToNext(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.Every(time.Minute), trigger.MisfireSkipToNext)

	res := h.Apply(tr, nil, now)
	assert.Equal(t, ActionRescheduled, res.Action)
	assert.Equal(t, start, res.MissedFireTime)
	require.NotNil(t, tr.NextFireTime)
	assert.True(t, tr.NextFireTime.After(now), "next fire strictly after now")
	assert.Equal(t, start.Add(11*time.Minute), *tr.NextFireTime)

	again := h.Apply(tr, nil, now)
	assert.Equal(t, ActionNone, again.Action, "idempotent")
	assert.Equal(t, start.Add(11*time.Minute), *tr.NextFireTime)
}

func TestApply_SkipToNextExhausted(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.EveryN(time.Minute, 3), trigger.MisfireSkipToNext)

	res := h.Apply(tr, nil, now)
	assert.Equal(t, ActionCompleted, res.Action)
	assert.Nil(t, tr.NextFireTime)
}

func TestApply_FireNow(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.Once(), trigger.MisfireSmart)

	res := h.Apply(tr, nil, now)
	assert.Equal(t, ActionFireNow, res.Action)
	assert.Equal(t, trigger.MisfireFireNow, res.Instruction)
	assert.Equal(t, now, *tr.NextFireTime)

	assert.False(t, h.Apply(tr, nil, now).Changed())
}

func TestApply_FireNowExcludedByCalendar(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.Every(5*time.Minute), trigger.MisfireFireNow)
	cal := calendar.NewRangeCalendar(calendar.Range{Start: start.Add(10 * time.Minute), End: start.Add(12 * time.Minute)})

	res := h.Apply(tr, cal, now)
	assert.Equal(t, ActionRescheduled, res.Action)
	assert.Equal(t, start.Add(15*time.Minute), *tr.NextFireTime)
}

func TestApply_DoNothingOneShot(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.Once(), trigger.MisfireDoNothing)

	res := h.Apply(tr, nil, now)
	assert.Equal(t, ActionCompleted, res.Action)
	assert.True(t, res.Unrecoverable)
	assert.Nil(t, tr.NextFireTime)
	assert.True(t, errors.Is(res.Err, errors.ErrMisfireUnrecoverable))
}

func TestApply_DoNothingRecurring(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	cron, err := trigger.NewCronSchedule("0 */5 * * * *", nil)
	require.NoError(t, err)
	tr := scheduled(cron, trigger.MisfireDoNothing)

	res := h.Apply(tr, nil, now)
	assert.Equal(t, ActionRescheduled, res.Action)
	assert.False(t, res.Unrecoverable)
	assert.Equal(t, start.Add(15*time.Minute), *tr.NextFireTime)
}

func TestApply_SmartRepeatForeverSkips(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.Every(time.Minute), trigger.MisfireSmart)

	res := h.Apply(tr, nil, now)
	assert.Equal(t, trigger.MisfireSkipToNext, res.Instruction)
	assert.Equal(t, ActionRescheduled, res.Action)
}

func TestApply_NotMisfired(t *testing.T) {
	h := NewHandler(time.Minute, 0)
	tr := scheduled(trigger.Every(time.Minute), trigger.MisfireSkipToNext)

	res := h.Apply(tr, nil, start.Add(30*time.Second))
	assert.False(t, res.Changed())
	assert.Equal(t, start, *tr.NextFireTime)
}

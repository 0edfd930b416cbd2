// Package trigger models triggers: a schedule plus the policy that fires a
// job at computed instants, and the lifecycle states a stored trigger moves
// through.
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
)

// DefaultPriority breaks ties between triggers due at the same instant
const DefaultPriority = 5

// Reserved trigger groups
const (
	// RecoveryGroup holds one-shot triggers that re-run executions
	// interrupted by a crashed node
	RecoveryGroup = "RECOVERING_JOBS"
	// ManualGroup holds one-shot triggers created by TriggerJob
	ManualGroup = "MANUAL_TRIGGER"
)

// Data map keys set on recovery triggers
const (
	DataFailedTriggerName  = "tempo.failedTriggerName"
	DataFailedTriggerGroup = "tempo.failedTriggerGroup"
	DataFailedFiredTime    = "tempo.failedFiredTime"
	DataFailedScheduled    = "tempo.failedScheduledTime"
)

// Key identifies a trigger; name + group is unique
type Key struct {
	Name  string `json:"name" yaml:"name" toml:"name"`
	Group string `json:"group,omitempty" yaml:"group,omitempty" toml:"group,omitempty"`
}

// NewKey builds a key, defaulting the group
func NewKey(name, group string) Key {
	if group == "" {
		group = job.DefaultGroup
	}
	return Key{Name: name, Group: group}
}

// Normalize fills in the default group
func (k Key) Normalize() Key {
	return NewKey(k.Name, k.Group)
}

func (k Key) String() string {
	return k.Normalize().Group + "." + k.Name
}

// Less orders keys by group, then name
func (k Key) Less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Name < o.Name
}

// ParseKey accepts "group.name" or a bare "name"
func ParseKey(s string) Key {
	if i := strings.Index(s, "."); i > 0 {
		return NewKey(s[i+1:], s[:i])
	}
	return NewKey(s, "")
}

// Trigger fires a job according to its schedule
type Trigger struct {
	Key         Key
	JobKey      job.Key
	Description string
	Schedule    Schedule

	Priority           int
	MisfireInstruction MisfireInstruction
	CalendarName       string // optional exclusion calendar

	StartTime        time.Time
	EndTime          *time.Time
	NextFireTime     *time.Time // nil once the schedule is exhausted
	PreviousFireTime *time.Time
	TimesTriggered   int64

	// Data overrides the job's data map for executions fired by this trigger
	Data  job.DataMap
	State State
}

// New returns a trigger with default priority and misfire policy
func New(key Key, jobKey job.Key, schedule Schedule, start time.Time) *Trigger {
	return &Trigger{
		Key:       key.Normalize(),
		JobKey:    jobKey.Normalize(),
		Schedule:  schedule,
		Priority:  DefaultPriority,
		StartTime: start.Truncate(time.Millisecond),
		Data:      job.DataMap{},
	}
}

// Validate rejects triggers that must never reach the firing loop
func (t *Trigger) Validate() error {
	if strings.TrimSpace(t.Key.Name) == "" {
		return errors.NewConfigurationError("trigger name is required")
	}
	if strings.TrimSpace(t.JobKey.Name) == "" {
		return errors.NewConfigurationError("trigger %s: job name is required", t.Key)
	}
	if t.Schedule == nil {
		return errors.NewConfigurationError("trigger %s: schedule is required", t.Key)
	}
	if err := t.Schedule.Validate(); err != nil {
		return errors.Wrapf(err, "trigger %s", t.Key)
	}
	if t.StartTime.IsZero() {
		return errors.NewConfigurationError("trigger %s: start time is required", t.Key)
	}
	if t.EndTime != nil && !t.EndTime.After(t.StartTime) {
		return errors.NewConfigurationError("trigger %s: end time %s is not after start time %s",
			t.Key, t.EndTime.Format(time.RFC3339), t.StartTime.Format(time.RFC3339))
	}
	if !t.MisfireInstruction.Valid() {
		return errors.NewConfigurationError("trigger %s: unknown misfire instruction %d", t.Key, t.MisfireInstruction)
	}
	if !t.Schedule.SupportsMisfire(t.MisfireInstruction) {
		return errors.NewConfigurationError("trigger %s: misfire instruction %s conflicts with schedule %s",
			t.Key, t.MisfireInstruction, t.Schedule)
	}
	return nil
}

// FireTimeAfter returns the schedule's first fire time strictly after `after`,
// bounded by EndTime. Calendars are not consulted.
func (t *Trigger) FireTimeAfter(after time.Time) *time.Time {
	next, ok := t.Schedule.Next(t.StartTime, after)
	if !ok {
		return nil
	}
	if t.EndTime != nil && next.After(*t.EndTime) {
		return nil
	}
	return &next
}

// NextFireTimeAfter is FireTimeAfter with calendar exclusions applied
func (t *Trigger) NextFireTimeAfter(after time.Time, cal calendar.Calendar, maxIterations int) (*time.Time, error) {
	return calendar.Evaluate(t.FireTimeAfter(after), cal, t.FireTimeAfter, maxIterations)
}

// ComputeFirstFireTime sets NextFireTime to the first included fire time
// >= StartTime. ErrNoSchedulableTime leaves NextFireTime nil.
func (t *Trigger) ComputeFirstFireTime(cal calendar.Calendar, maxIterations int) (*time.Time, error) {
	next, err := t.NextFireTimeAfter(t.StartTime.Add(-time.Nanosecond), cal, maxIterations)
	t.NextFireTime = next
	return next, err
}

// Triggered advances the trigger past its current fire time: it becomes the
// previous fire time and the next one is computed after it.
func (t *Trigger) Triggered(cal calendar.Calendar, maxIterations int) error {
	t.TimesTriggered++
	if t.NextFireTime == nil {
		return nil
	}
	fired := *t.NextFireTime
	t.PreviousFireTime = &fired
	next, err := t.NextFireTimeAfter(fired, cal, maxIterations)
	t.NextFireTime = next
	return err
}

// MayFireAgain reports whether a next fire time exists
func (t *Trigger) MayFireAgain() bool {
	return t.NextFireTime != nil
}

// EffectiveMisfireInstruction resolves MisfireSmart for the schedule
func (t *Trigger) EffectiveMisfireInstruction() MisfireInstruction {
	if t.MisfireInstruction == MisfireSmart && t.Schedule != nil {
		return t.Schedule.SmartMisfire()
	}
	return t.MisfireInstruction
}

// Clone returns a deep copy; the schedule is shared (schedules are immutable after validation)
func (t *Trigger) Clone() *Trigger {
	c := *t
	c.Data = t.Data.Clone()
	c.EndTime = cloneTime(t.EndTime)
	c.NextFireTime = cloneTime(t.NextFireTime)
	c.PreviousFireTime = cloneTime(t.PreviousFireTime)
	return &c
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (t *Trigger) String() string {
	next := "none"
	if t.NextFireTime != nil {
		next = t.NextFireTime.Format(time.RFC3339)
	}
	return fmt.Sprintf("Trigger{%s job=%s %s next=%s state=%s}", t.Key, t.JobKey, t.Schedule, next, t.State)
}

// Package misfire decides what to do with a trigger whose fire time passed
// more than the misfire threshold before it could be acquired.
package misfire

import (
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/trigger"
)

// DefaultThreshold is how late a fire time may be before it counts as missed
const DefaultThreshold = 60 * time.Second

// Action describes what Apply did to the trigger
type Action int

const (
	// ActionNone: not misfired, or already corrected
	ActionNone Action = iota
	// ActionRescheduled: next fire time moved past now
	ActionRescheduled
	// ActionFireNow: next fire time set to now
	ActionFireNow
	// ActionCompleted: no next fire time remains
	ActionCompleted
)

func (a Action) String() string {
	switch a {
	case ActionRescheduled:
		return "rescheduled"
	case ActionFireNow:
		return "fire-now"
	case ActionCompleted:
		return "completed"
	default:
		return "none"
	}
}

// Result of applying the misfire policy to one trigger
type Result struct {
	Action Action
	// MissedFireTime is the fire time that was missed
	MissedFireTime time.Time
	// Instruction is the resolved (never smart) policy that was applied
	Instruction trigger.MisfireInstruction
	// Unrecoverable marks a one-shot do-nothing trigger completing without firing
	Unrecoverable bool
	// Err carries a non-fatal calendar.ErrNoSchedulableTime
	Err error
}

// Changed reports whether the trigger was modified
func (r Result) Changed() bool { return r.Action != ActionNone }

// Handler applies per-trigger misfire policies
type Handler struct {
	Threshold     time.Duration
	MaxIterations int // calendar evaluation bound
}

// NewHandler returns a handler; non-positive arguments take defaults
func NewHandler(threshold time.Duration, maxIterations int) *Handler {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if maxIterations <= 0 {
		maxIterations = calendar.DefaultMaxIterations
	}
	return &Handler{Threshold: threshold, MaxIterations: maxIterations}
}

// MisfireTime is the cut-off: fire times before it have misfired
func (h *Handler) MisfireTime(now time.Time) time.Time {
	return now.Add(-h.Threshold)
}

// IsMisfired reports whether tr's next fire time is older than now - threshold.
// Triggers with the ignore policy never misfire.
func (h *Handler) IsMisfired(tr *trigger.Trigger, now time.Time) bool {
	if tr.NextFireTime == nil || tr.MisfireInstruction == trigger.MisfireIgnore {
		return false
	}
	return tr.NextFireTime.Before(h.MisfireTime(now))
}

// Apply corrects tr in place according to its misfire instruction.
// Applying it again to the corrected trigger is a no-op.
func (h *Handler) Apply(tr *trigger.Trigger, cal calendar.Calendar, now time.Time) Result {
	if !h.IsMisfired(tr, now) {
		return Result{Action: ActionNone}
	}

	now = now.Truncate(time.Millisecond)
	res := Result{
		MissedFireTime: *tr.NextFireTime,
		Instruction:    tr.EffectiveMisfireInstruction(),
	}

	switch res.Instruction {
	case trigger.MisfireFireNow:
		if h.canFireAt(tr, cal, now) {
			fireAt := now
			tr.NextFireTime = &fireAt
			res.Action = ActionFireNow
			return res
		}
		h.skip(tr, cal, now, &res)

	case trigger.MisfireDoNothing:
		if !tr.Schedule.MayRepeat() {
			tr.NextFireTime = nil
			res.Action = ActionCompleted
			res.Unrecoverable = true
			res.Err = errors.Mark(
				errors.Newf("trigger %s missed its only fire time %s", tr.Key, res.MissedFireTime.Format(time.RFC3339)),
				errors.ErrMisfireUnrecoverable)
			return res
		}
		h.skip(tr, cal, now, &res)

	default: // skip-to-next
		h.skip(tr, cal, now, &res)
	}
	return res
}

func (h *Handler) canFireAt(tr *trigger.Trigger, cal calendar.Calendar, at time.Time) bool {
	if tr.EndTime != nil && at.After(*tr.EndTime) {
		return false
	}
	return cal == nil || cal.IsTimeIncluded(at)
}

// skip moves the trigger to its first included fire time strictly after now
func (h *Handler) skip(tr *trigger.Trigger, cal calendar.Calendar, now time.Time, res *Result) {
	next, err := tr.NextFireTimeAfter(now, cal, h.MaxIterations)
	tr.NextFireTime = next
	res.Err = err
	if next == nil {
		res.Action = ActionCompleted
		return
	}
	res.Action = ActionRescheduled
}

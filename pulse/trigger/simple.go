package trigger

import (
	"fmt"
	"time"

	"github.com/teranos/tempo/errors"
)

// RepeatForever makes a SimpleSchedule repeat without bound
const RepeatForever = -1

// SimpleSchedule fires at start, then every Interval, RepeatCount more times.
// Fire k happens at start + k*Interval.
type SimpleSchedule struct {
	Interval    time.Duration `json:"interval"`
	RepeatCount int           `json:"repeat_count"` // RepeatForever, or number of repeats after the first fire
}

// Once returns a schedule that fires a single time
func Once() *SimpleSchedule {
	return &SimpleSchedule{}
}

// Every returns a schedule repeating forever at interval
func Every(interval time.Duration) *SimpleSchedule {
	return &SimpleSchedule{Interval: interval, RepeatCount: RepeatForever}
}

// EveryN returns a schedule firing 1+repeats times at interval
func EveryN(interval time.Duration, repeats int) *SimpleSchedule {
	return &SimpleSchedule{Interval: interval, RepeatCount: repeats}
}

func (s *SimpleSchedule) Kind() string { return KindSimple }

func (s *SimpleSchedule) Validate() error {
	if s.RepeatCount < RepeatForever {
		return errors.NewConfigurationError("repeat count must be >= -1, got %d", s.RepeatCount)
	}
	if s.RepeatCount != 0 && s.Interval < time.Millisecond {
		return errors.NewConfigurationError("repeating schedule needs an interval of at least 1ms, got %s", s.Interval)
	}
	if s.Interval < 0 {
		return errors.NewConfigurationError("interval must not be negative")
	}
	return nil
}

func (s *SimpleSchedule) Next(start, after time.Time) (time.Time, bool) {
	if after.Before(start) {
		return start, true
	}
	if s.RepeatCount == 0 || s.Interval <= 0 {
		return time.Time{}, false
	}
	k := int64(after.Sub(start)/s.Interval) + 1
	if s.RepeatCount != RepeatForever && k > int64(s.RepeatCount) {
		return time.Time{}, false
	}
	return start.Add(time.Duration(k) * s.Interval), true
}

func (s *SimpleSchedule) MayRepeat() bool { return s.RepeatCount != 0 }

func (s *SimpleSchedule) SmartMisfire() MisfireInstruction {
	if s.RepeatCount == RepeatForever {
		return MisfireSkipToNext
	}
	return MisfireFireNow
}

func (s *SimpleSchedule) SupportsMisfire(instr MisfireInstruction) bool {
	if instr == MisfireSkipToNext && s.RepeatCount == 0 {
		// a one-shot trigger has no next fire to skip to
		return false
	}
	return instr.Valid()
}

func (s *SimpleSchedule) String() string {
	switch s.RepeatCount {
	case 0:
		return "once"
	case RepeatForever:
		return fmt.Sprintf("every %s", s.Interval)
	default:
		return fmt.Sprintf("every %s, %d repeat(s)", s.Interval, s.RepeatCount)
	}
}

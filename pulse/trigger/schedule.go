package trigger

import (
	"encoding/json"
	"time"

	"github.com/teranos/tempo/errors"
)

// Schedule kinds as stored in triggers.schedule_kind
const (
	KindSimple           = "simple"
	KindCron             = "cron"
	KindCalendarInterval = "calendar_interval"
)

// Schedule is the rule that produces a trigger's fire times
type Schedule interface {
	Kind() string

	// Next returns the first fire time strictly after `after` for a trigger
	// whose schedule begins at start. ok is false when the rule is exhausted.
	Next(start, after time.Time) (next time.Time, ok bool)

	// MayRepeat reports whether the rule can produce more than one fire time
	MayRepeat() bool

	Validate() error

	// SmartMisfire resolves MisfireSmart for this schedule type
	SmartMisfire() MisfireInstruction

	// SupportsMisfire reports whether instr makes sense for this schedule
	SupportsMisfire(instr MisfireInstruction) bool

	String() string
}

// EncodeSchedule serializes s as (kind, json)
func EncodeSchedule(s Schedule) (string, []byte, error) {
	if s == nil {
		return "", nil, errors.NewConfigurationError("schedule is required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to encode %s schedule", s.Kind())
	}
	return s.Kind(), data, nil
}

// DecodeSchedule restores a schedule written by EncodeSchedule
func DecodeSchedule(kind string, data []byte) (Schedule, error) {
	var s Schedule
	switch kind {
	case KindSimple:
		s = &SimpleSchedule{}
	case KindCron:
		s = &CronSchedule{}
	case KindCalendarInterval:
		s = &CalendarIntervalSchedule{}
	default:
		return nil, errors.NewConfigurationError("unknown schedule kind %q", kind)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s schedule", kind)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func resolveLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.NewConfigurationError("unknown time zone %q", name)
	}
	return loc, nil
}

package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tempo/errors"
)

// cronParser accepts 5 or 6 fields (optional seconds) and @descriptors
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronSchedule fires on a cron expression evaluated in a time zone
type CronSchedule struct {
	Expression string `json:"expression"`
	TimeZone   string `json:"time_zone,omitempty"`

	sched cron.Schedule
	loc   *time.Location
}

// NewCronSchedule parses expr, evaluated in loc (UTC when nil)
func NewCronSchedule(expr string, loc *time.Location) (*CronSchedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &CronSchedule{Expression: expr, TimeZone: loc.String()}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CronSchedule) Kind() string { return KindCron }

func (s *CronSchedule) Validate() error {
	loc, err := resolveLocation(s.TimeZone)
	if err != nil {
		return err
	}
	sched, err := cronParser.Parse(s.Expression)
	if err != nil {
		return errors.NewConfigurationError("invalid cron expression %q: %v", s.Expression, err)
	}
	s.sched = sched
	s.loc = loc
	return nil
}

func (s *CronSchedule) Next(start, after time.Time) (time.Time, bool) {
	if s.sched == nil {
		if err := s.Validate(); err != nil {
			return time.Time{}, false
		}
	}
	from := after
	if floor := start.Add(-time.Nanosecond); from.Before(floor) {
		from = floor
	}
	next := s.sched.Next(from.In(s.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

func (s *CronSchedule) MayRepeat() bool { return true }

func (s *CronSchedule) SmartMisfire() MisfireInstruction { return MisfireFireNow }

func (s *CronSchedule) SupportsMisfire(instr MisfireInstruction) bool { return instr.Valid() }

func (s *CronSchedule) String() string {
	if s.TimeZone != "" && s.TimeZone != "UTC" {
		return "cron " + s.Expression + " (" + s.TimeZone + ")"
	}
	return "cron " + s.Expression
}

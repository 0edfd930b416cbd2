package trigger

import (
	"fmt"
	"time"

	"github.com/teranos/tempo/errors"
)

// IntervalUnit is the wall-clock unit of a CalendarIntervalSchedule
type IntervalUnit string

const (
	UnitDay   IntervalUnit = "day"
	UnitWeek  IntervalUnit = "week"
	UnitMonth IntervalUnit = "month"
	UnitYear  IntervalUnit = "year"
)

// CalendarIntervalSchedule fires every N days/weeks/months/years, keeping the
// start's wall-clock time across DST changes
type CalendarIntervalSchedule struct {
	Unit     IntervalUnit `json:"unit"`
	Every    int          `json:"every"`
	TimeZone string       `json:"time_zone,omitempty"`

	loc *time.Location
}

// NewCalendarIntervalSchedule validates and returns the schedule
func NewCalendarIntervalSchedule(unit IntervalUnit, every int, loc *time.Location) (*CalendarIntervalSchedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &CalendarIntervalSchedule{Unit: unit, Every: every, TimeZone: loc.String()}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CalendarIntervalSchedule) Kind() string { return KindCalendarInterval }

func (s *CalendarIntervalSchedule) Validate() error {
	switch s.Unit {
	case UnitDay, UnitWeek, UnitMonth, UnitYear:
	default:
		return errors.NewConfigurationError("unknown calendar interval unit %q", s.Unit)
	}
	if s.Every < 1 {
		return errors.NewConfigurationError("calendar interval must be >= 1, got %d", s.Every)
	}
	loc, err := resolveLocation(s.TimeZone)
	if err != nil {
		return err
	}
	s.loc = loc
	return nil
}

// nth returns fire k
func (s *CalendarIntervalSchedule) nth(start time.Time, k int) time.Time {
	ls := start.In(s.location())
	n := k * s.Every
	switch s.Unit {
	case UnitWeek:
		return ls.AddDate(0, 0, 7*n).UTC()
	case UnitMonth:
		return ls.AddDate(0, n, 0).UTC()
	case UnitYear:
		return ls.AddDate(n, 0, 0).UTC()
	default:
		return ls.AddDate(0, 0, n).UTC()
	}
}

func (s *CalendarIntervalSchedule) approx() time.Duration {
	day := 24 * time.Hour
	switch s.Unit {
	case UnitWeek:
		return time.Duration(s.Every) * 7 * day
	case UnitMonth:
		return time.Duration(s.Every) * 28 * day
	case UnitYear:
		return time.Duration(s.Every) * 365 * day
	default:
		return time.Duration(s.Every) * day
	}
}

func (s *CalendarIntervalSchedule) location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

func (s *CalendarIntervalSchedule) Next(start, after time.Time) (time.Time, bool) {
	if after.Before(start) {
		return start, true
	}
	// Start a little below the estimate; month/year lengths vary
	k := int(after.Sub(start)/s.approx()) - 2
	if k < 1 {
		k = 1
	}
	for i := 0; i < 1000; i++ {
		if t := s.nth(start, k); t.After(after) {
			return t, true
		}
		k++
	}
	return time.Time{}, false
}

func (s *CalendarIntervalSchedule) MayRepeat() bool { return true }

func (s *CalendarIntervalSchedule) SmartMisfire() MisfireInstruction { return MisfireFireNow }

func (s *CalendarIntervalSchedule) SupportsMisfire(instr MisfireInstruction) bool {
	return instr.Valid()
}

func (s *CalendarIntervalSchedule) String() string {
	return fmt.Sprintf("every %d %s(s)", s.Every, s.Unit)
}

package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
)

// TypeWeekly is the codec name of WeeklyCalendar
const TypeWeekly = "weekly"

// WeeklyCalendar excludes whole weekdays
type WeeklyCalendar struct {
	Chain
	Zone
	ExcludedDays []time.Weekday `json:"excluded_days"`
}

// NewWeeklyCalendar excludes the given weekdays in loc
func NewWeeklyCalendar(loc *time.Location, days ...time.Weekday) (*WeeklyCalendar, error) {
	c := &WeeklyCalendar{ExcludedDays: days}
	c.setLocation(loc)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewWeekendCalendar excludes Saturday and Sunday
func NewWeekendCalendar(loc *time.Location) *WeeklyCalendar {
	c, _ := NewWeeklyCalendar(loc, time.Saturday, time.Sunday)
	return c
}

func (c *WeeklyCalendar) Type() string { return TypeWeekly }

func (c *WeeklyCalendar) Validate() error {
	seen := map[time.Weekday]bool{}
	for _, d := range c.ExcludedDays {
		if d < time.Sunday || d > time.Saturday {
			return errors.NewConfigurationError("weekly calendar: invalid weekday %d", d)
		}
		seen[d] = true
	}
	if len(seen) == 7 {
		return errors.NewConfigurationError("weekly calendar excludes every day of the week")
	}
	return c.resolve()
}

func (c *WeeklyCalendar) isExcludedDay(d time.Weekday) bool {
	for _, x := range c.ExcludedDays {
		if x == d {
			return true
		}
	}
	return false
}

func (c *WeeklyCalendar) IsTimeIncluded(t time.Time) bool {
	return !c.isExcludedDay(t.In(c.Location()).Weekday()) && c.baseIncludes(t)
}

func (c *WeeklyCalendar) NextIncludedTime(t time.Time) (time.Time, bool) {
	return c.nextChained(t, c.nextOwn)
}

func (c *WeeklyCalendar) nextOwn(t time.Time) (time.Time, bool) {
	loc := c.Location()
	for i := 0; i < 8; i++ {
		if !c.isExcludedDay(t.In(loc).Weekday()) {
			return t, true
		}
		t = nextDay(t, loc)
	}
	return time.Time{}, false
}

func (c *WeeklyCalendar) Description() string {
	if c.Desc != "" {
		return c.Desc
	}
	names := make([]string, 0, len(c.ExcludedDays))
	for _, d := range c.ExcludedDays {
		names = append(names, d.String()[:3])
	}
	return fmt.Sprintf("weekly excludes %s", strings.Join(names, ","))
}

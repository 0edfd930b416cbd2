package calendar

import (
	"fmt"
	"time"

	"github.com/teranos/tempo/errors"
)

// TypeDaily is the codec name of DailyCalendar
const TypeDaily = "daily"

// DailyCalendar excludes the same time-of-day window [Start, End) every day.
// With Invert set, only the window is included.
type DailyCalendar struct {
	Chain
	Zone
	Start  time.Duration `json:"start"` // offset from local midnight
	End    time.Duration `json:"end"`   // at most 24h
	Invert bool          `json:"invert,omitempty"`
}

// NewDailyCalendar excludes [start, end) of each day in loc
func NewDailyCalendar(start, end time.Duration, loc *time.Location) (*DailyCalendar, error) {
	c := &DailyCalendar{Start: start, End: end}
	c.setLocation(loc)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DailyCalendar) Type() string { return TypeDaily }

func (c *DailyCalendar) Validate() error {
	if c.Start < 0 || c.End > 24*time.Hour || c.Start >= c.End {
		return errors.NewConfigurationError("daily calendar window [%s, %s) must satisfy 0 <= start < end <= 24h",
			c.Start, c.End)
	}
	return c.resolve()
}

// window returns the excluded (or, inverted, included) interval for the day containing t
func (c *DailyCalendar) window(t time.Time) (time.Time, time.Time) {
	loc := c.Location()
	lt := t.In(loc)
	from := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, int(c.Start), loc)
	to := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, int(c.End), loc)
	return from, to
}

func (c *DailyCalendar) inWindow(t time.Time) bool {
	from, to := c.window(t)
	return !t.Before(from) && t.Before(to)
}

func (c *DailyCalendar) IsTimeIncluded(t time.Time) bool {
	own := !c.inWindow(t)
	if c.Invert {
		own = !own
	}
	return own && c.baseIncludes(t)
}

func (c *DailyCalendar) NextIncludedTime(t time.Time) (time.Time, bool) {
	return c.nextChained(t, c.nextOwn)
}

func (c *DailyCalendar) nextOwn(t time.Time) (time.Time, bool) {
	from, to := c.window(t)
	if !c.Invert {
		if !t.Before(from) && t.Before(to) {
			return to, true
		}
		return t, true
	}

	switch {
	case t.Before(from):
		return from, true
	case t.Before(to):
		return t, true
	default:
		nextFrom, _ := c.window(nextDay(t, c.Location()))
		return nextFrom, true
	}
}

func (c *DailyCalendar) Description() string {
	if c.Desc != "" {
		return c.Desc
	}
	verb := "excludes"
	if c.Invert {
		verb = "includes only"
	}
	return fmt.Sprintf("daily %s %s-%s %s", verb, clock(c.Start), clock(c.End), c.Location())
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

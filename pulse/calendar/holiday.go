package calendar

import (
	"fmt"
	"sort"
	"time"

	"github.com/teranos/tempo/errors"
)

// TypeHoliday is the codec name of HolidayCalendar
const TypeHoliday = "holiday"

const dateLayout = "2006-01-02"

// HolidayCalendar excludes whole calendar dates
type HolidayCalendar struct {
	Chain
	Zone
	Dates []string `json:"dates"` // YYYY-MM-DD in the calendar's zone
	set   map[string]struct{}
}

// NewHolidayCalendar builds an empty holiday calendar in loc
func NewHolidayCalendar(loc *time.Location) *HolidayCalendar {
	c := &HolidayCalendar{}
	c.setLocation(loc)
	c.index()
	return c
}

// AddExcludedDate excludes the date containing t (in the calendar's zone)
func (c *HolidayCalendar) AddExcludedDate(t time.Time) *HolidayCalendar {
	day := t.In(c.Location()).Format(dateLayout)
	if _, ok := c.set[day]; !ok {
		c.Dates = append(c.Dates, day)
		sort.Strings(c.Dates)
		c.index()
	}
	return c
}

func (c *HolidayCalendar) index() {
	c.set = make(map[string]struct{}, len(c.Dates))
	for _, d := range c.Dates {
		c.set[d] = struct{}{}
	}
}

func (c *HolidayCalendar) Type() string { return TypeHoliday }

func (c *HolidayCalendar) Validate() error {
	for _, d := range c.Dates {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return errors.NewConfigurationError("holiday calendar: invalid date %q (want YYYY-MM-DD)", d)
		}
	}
	sort.Strings(c.Dates)
	c.index()
	return c.resolve()
}

func (c *HolidayCalendar) isHoliday(t time.Time) bool {
	_, ok := c.set[t.In(c.Location()).Format(dateLayout)]
	return ok
}

func (c *HolidayCalendar) IsTimeIncluded(t time.Time) bool {
	return !c.isHoliday(t) && c.baseIncludes(t)
}

func (c *HolidayCalendar) NextIncludedTime(t time.Time) (time.Time, bool) {
	return c.nextChained(t, c.nextOwn)
}

func (c *HolidayCalendar) nextOwn(t time.Time) (time.Time, bool) {
	loc := c.Location()
	for i := 0; i <= len(c.Dates); i++ {
		if !c.isHoliday(t) {
			return t, true
		}
		t = nextDay(t, loc)
	}
	return time.Time{}, false
}

func (c *HolidayCalendar) Description() string {
	if c.Desc != "" {
		return c.Desc
	}
	return fmt.Sprintf("%d holiday(s)", len(c.Dates))
}

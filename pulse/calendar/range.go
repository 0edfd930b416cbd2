package calendar

import (
	"fmt"
	"sort"
	"time"

	"github.com/teranos/tempo/errors"
)

// TypeRange is the codec name of RangeCalendar
const TypeRange = "range"

// Range is a half-open excluded interval [Start, End)
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in [Start, End)
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// RangeCalendar excludes absolute intervals, e.g. a maintenance window
type RangeCalendar struct {
	Chain
	Ranges []Range `json:"ranges"`
}

// NewRangeCalendar builds a calendar excluding the given intervals
func NewRangeCalendar(ranges ...Range) *RangeCalendar {
	c := &RangeCalendar{Ranges: append([]Range(nil), ranges...)}
	c.normalize()
	return c
}

// Exclude adds another excluded interval
func (c *RangeCalendar) Exclude(start, end time.Time) *RangeCalendar {
	c.Ranges = append(c.Ranges, Range{Start: start, End: end})
	c.normalize()
	return c
}

func (c *RangeCalendar) normalize() {
	sort.Slice(c.Ranges, func(i, j int) bool {
		return c.Ranges[i].Start.Before(c.Ranges[j].Start)
	})
}

func (c *RangeCalendar) Type() string { return TypeRange }

func (c *RangeCalendar) Validate() error {
	for _, r := range c.Ranges {
		if !r.End.After(r.Start) {
			return errors.NewConfigurationError("range calendar interval [%s, %s) is empty",
				r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
		}
	}
	c.normalize()
	return nil
}

func (c *RangeCalendar) excludes(t time.Time) bool {
	for _, r := range c.Ranges {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

func (c *RangeCalendar) IsTimeIncluded(t time.Time) bool {
	return !c.excludes(t) && c.baseIncludes(t)
}

func (c *RangeCalendar) NextIncludedTime(t time.Time) (time.Time, bool) {
	return c.nextChained(t, c.nextOwn)
}

// nextOwn jumps to the end of every range covering t; ranges are sorted so
// overlapping or adjacent intervals are crossed in one pass.
func (c *RangeCalendar) nextOwn(t time.Time) (time.Time, bool) {
	for _, r := range c.Ranges {
		if r.Contains(t) {
			t = r.End
		}
	}
	return t, true
}

func (c *RangeCalendar) Description() string {
	if c.Desc != "" {
		return c.Desc
	}
	return fmt.Sprintf("%d excluded range(s)", len(c.Ranges))
}

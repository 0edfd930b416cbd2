// Package calendar provides named exclusion calendars: predicates over an
// instant that remove blackout periods from a trigger's fire times.
//
// Calendars are shared by name across many triggers, so implementations must
// be safe for concurrent use once constructed.
package calendar

import (
	"time"

	"github.com/teranos/tempo/errors"
)

// Calendar excludes instants from being valid fire times
type Calendar interface {
	// Type is the codec registration name ("range", "daily", ...)
	Type() string

	// IsTimeIncluded reports whether t is a permitted fire time,
	// taking the base calendar into account.
	IsTimeIncluded(t time.Time) bool

	// NextIncludedTime returns the first included instant >= t.
	// ok is false if no included instant can be found.
	NextIncludedTime(t time.Time) (next time.Time, ok bool)

	Description() string

	// Base returns the calendar this one is layered on, or nil
	Base() Calendar
	SetBase(base Calendar)
}

// maxChainSteps bounds the alternation between a calendar and its base
const maxChainSteps = 10000

// Chain carries the description and base calendar shared by all built-ins.
// Embed it to get Base/SetBase/Description.
type Chain struct {
	Desc string `json:"description,omitempty"`
	base Calendar
}

func (c *Chain) Base() Calendar        { return c.base }
func (c *Chain) SetBase(base Calendar) { c.base = base }
func (c *Chain) Description() string   { return c.Desc }

func (c *Chain) baseIncludes(t time.Time) bool {
	return c.base == nil || c.base.IsTimeIncluded(t)
}

// nextChained alternates between own and the base calendar until both agree
func (c *Chain) nextChained(t time.Time, own func(time.Time) (time.Time, bool)) (time.Time, bool) {
	for i := 0; i < maxChainSteps; i++ {
		n, ok := own(t)
		if !ok {
			return time.Time{}, false
		}
		if c.base == nil {
			return n, true
		}
		b, ok := c.base.NextIncludedTime(n)
		if !ok {
			return time.Time{}, false
		}
		if b.Equal(n) {
			return n, true
		}
		t = b
	}
	return time.Time{}, false
}

// Zone resolves the time zone a wall-clock calendar is evaluated in
type Zone struct {
	TimeZone string `json:"time_zone,omitempty"`
	loc      *time.Location
}

func (z *Zone) setLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	z.loc = loc
	z.TimeZone = loc.String()
}

func (z *Zone) resolve() error {
	if z.TimeZone == "" {
		z.loc = time.UTC
		return nil
	}
	loc, err := time.LoadLocation(z.TimeZone)
	if err != nil {
		return errors.NewConfigurationError("unknown time zone %q", z.TimeZone)
	}
	z.loc = loc
	return nil
}

// Location returns the resolved zone, UTC when unset
func (z *Zone) Location() *time.Location {
	if z.loc == nil {
		return time.UTC
	}
	return z.loc
}

// nextDay returns local midnight of the day after the one containing t
func nextDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)
}

// Validator is implemented by calendars that check their own settings
type Validator interface {
	Validate() error
}

package calendar

import (
	"time"

	"github.com/teranos/tempo/errors"
)

// ErrNoSchedulableTime means the iteration bound was reached before a fire
// time outside the calendar's exclusions was found. It is not fatal: the
// trigger is treated as having no next fire time.
var ErrNoSchedulableTime = errors.New("no schedulable time within iteration bound")

// DefaultMaxIterations bounds Evaluate when the caller passes <= 0
const DefaultMaxIterations = 1000

// NextFunc returns the schedule's first fire time strictly after the given
// instant, or nil when the schedule is exhausted (end time or repeat count).
type NextFunc func(after time.Time) *time.Time

// Evaluate advances candidate until it is a time the schedule produces and
// cal includes. A nil result with nil error means the schedule ran out.
func Evaluate(candidate *time.Time, cal Calendar, next NextFunc, maxIterations int) (*time.Time, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if cal == nil {
		return candidate, nil
	}

	for i := 0; i < maxIterations; i++ {
		if candidate == nil {
			return nil, nil
		}
		if cal.IsTimeIncluded(*candidate) {
			return candidate, nil
		}

		included, ok := cal.NextIncludedTime(*candidate)
		if !ok {
			return nil, errors.Wrapf(ErrNoSchedulableTime, "calendar %q excludes every instant after %s",
				cal.Description(), candidate.Format(time.RFC3339))
		}
		// First schedule time >= included
		candidate = next(included.Add(-time.Nanosecond))
	}

	return nil, errors.Wrapf(ErrNoSchedulableTime, "gave up after %d iterations", maxIterations)
}

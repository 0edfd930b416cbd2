package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/trigger"
)

// StoreCalendar saves a named calendar. With updateTriggers set, the next
// fire times of triggers referencing it are recomputed; triggers left with no
// fire time complete.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error {
	if name == "" {
		return errors.NewConfigurationError("calendar name is required")
	}
	raw, err := s.codec.Encode(cal)
	if err != nil {
		return err
	}

	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM calendars WHERE calendar_name = ?`, name).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to check calendar %q", name)
		}
		if n > 0 && !replace {
			return errors.NewConflictError("calendar %q already exists", name)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO calendars (calendar_name, calendar, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (calendar_name) DO UPDATE SET calendar = excluded.calendar, updated_at = excluded.updated_at`,
			name, string(raw), s.now().UnixMilli()); err != nil {
			return errors.Wrapf(err, "failed to store calendar %q", name)
		}

		if n == 0 || !updateTriggers {
			return nil
		}
		return s.rescheduleForCalendar(ctx, tx, post, name, cal)
	})
}

func (s *Store) rescheduleForCalendar(ctx context.Context, tx *sql.Tx, post *postCommit, name string, cal calendar.Calendar) error {
	sts, err := s.queryTriggers(ctx, tx, `WHERE calendar_name = ?`, name)
	if err != nil {
		return err
	}
	now := s.now()
	cutoff := s.misfire.MisfireTime(now)
	for _, st := range sts {
		after := st.StartTime.Add(-1)
		if st.PreviousFireTime != nil {
			after = *st.PreviousFireTime
		}
		next, err := st.NextFireTimeAfter(after, cal, s.opts.CalendarMaxIterations)
		if next != nil && next.Before(cutoff) {
			next, err = st.NextFireTimeAfter(now, cal, s.opts.CalendarMaxIterations)
		}
		if err != nil {
			s.log.Warnw("No schedulable time under updated calendar",
				logger.FieldTriggerKey, st.Key.String(),
				logger.FieldCalendar, name,
				logger.FieldError, err)
		}
		st.NextFireTime = next

		if next == nil && st.State != trigger.StateExecuting {
			if st.State == trigger.StateAcquired {
				if err := deleteFiredRecordsForTrigger(ctx, tx, st.Key, trigger.StateAcquired); err != nil {
					return err
				}
			}
			if _, err := s.finalizeTrigger(ctx, tx, post, st.Trigger); err != nil {
				return err
			}
			continue
		}
		if err := s.saveTrigger(ctx, tx, st); err != nil {
			return err
		}
	}
	post.add(func() { s.sig().NotifySchedulingChange(nil) })
	return nil
}

// RemoveCalendar deletes a calendar that no trigger references
func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		var refs int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM triggers WHERE calendar_name = ?`, name).Scan(&refs); err != nil {
			return errors.Wrapf(err, "failed to count references to calendar %q", name)
		}
		if refs > 0 {
			return errors.NewConflictError("calendar %q is referenced by %d trigger(s)", name, refs)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE calendar_name = ?`, name)
		if err != nil {
			return errors.Wrapf(err, "failed to delete calendar %q", name)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// RetrieveCalendar returns a stored calendar or a not-found error
func (s *Store) RetrieveCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	cal, err := s.calendarLoader(s.db).get(ctx, name)
	if err == nil && cal == nil {
		return nil, errors.NewNotFoundError("calendar %q", name)
	}
	return cal, s.readErr(err, "retrieve calendar")
}

// GetCalendarNames lists stored calendars
func (s *Store) GetCalendarNames(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT calendar_name FROM calendars ORDER BY calendar_name`)
}

package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/trigger"
)

// Clear deletes every job, trigger, calendar and firing record. History and
// cluster membership are kept.
func (s *Store) Clear(ctx context.Context) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		for _, table := range []string{"fired_triggers", "triggers", "jobs", "calendars", "paused_trigger_groups"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return errors.Wrapf(err, "failed to clear %s", table)
			}
		}
		post.add(func() { s.sig().NotifySchedulingChange(nil) })
		return nil
	})
}

// Stats counts stored records
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Triggers: map[trigger.State]int{}}
	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM jobs`, &st.Jobs},
		{`SELECT COUNT(*) FROM calendars`, &st.Calendars},
		{`SELECT COUNT(*) FROM fired_triggers`, &st.FiredRecords},
		{`SELECT COUNT(*) FROM execution_history`, &st.Executions},
		{`SELECT COUNT(*) FROM scheduler_state`, &st.Instances},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, s.readErr(errors.Wrap(err, "failed to count records"), "stats")
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT trigger_state, COUNT(*) FROM triggers GROUP BY trigger_state`)
	if err != nil {
		return nil, s.readErr(errors.Wrap(err, "failed to count triggers"), "stats")
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger count")
		}
		st.Triggers[trigger.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.readErr(err, "stats")
	}

	if st.PausedGroups, err = s.GetPausedTriggerGroups(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// SchedulerStates returns the cluster checkin rows
func (s *Store) SchedulerStates(ctx context.Context) ([]cluster.InstanceState, error) {
	states, err := schedulerStates(ctx, s.db)
	return states, s.readErr(err, "scheduler states")
}

package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// PauseTrigger pauses one trigger. A running trigger is marked and pauses
// when its execution completes.
func (s *Store) PauseTrigger(ctx context.Context, key trigger.Key) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		return s.pauseTriggerTx(ctx, tx, key.Normalize())
	})
}

func (s *Store) pauseTriggerTx(ctx context.Context, tx *sql.Tx, key trigger.Key) error {
	state, err := triggerState(ctx, tx, key)
	if err != nil {
		return err
	}
	switch state {
	case trigger.StateWaiting:
		_, err = s.setState(ctx, tx, key, trigger.StatePaused, trigger.StateWaiting)
	case trigger.StateAcquired:
		if err = deleteFiredRecordsForTrigger(ctx, tx, key, trigger.StateAcquired); err == nil {
			_, err = s.setState(ctx, tx, key, trigger.StatePaused, trigger.StateAcquired)
		}
	case trigger.StateBlocked:
		_, err = s.setState(ctx, tx, key, trigger.StatePausedBlocked, trigger.StateBlocked)
	case trigger.StateExecuting:
		_, err = tx.ExecContext(ctx, `UPDATE triggers SET pause_requested = 1 WHERE trigger_name = ? AND trigger_group = ?`,
			key.Name, key.Group)
		err = errors.Wrapf(err, "failed to request pause of %s", key)
	}
	return err
}

// PauseJob pauses every trigger of a job
func (s *Store) PauseJob(ctx context.Context, key job.Key) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		keys, err := triggerKeysForJob(ctx, tx, key.Normalize())
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := s.pauseTriggerTx(ctx, tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PauseTriggers pauses a trigger group. Triggers added to the group later
// start paused until the group is resumed.
func (s *Store) PauseTriggers(ctx context.Context, group string) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		return s.pauseGroupTx(ctx, tx, trigger.NewKey("", group).Group)
	})
}

func (s *Store) pauseGroupTx(ctx context.Context, tx *sql.Tx, group string) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO paused_trigger_groups (trigger_group) VALUES (?)`, group); err != nil {
		return errors.Wrapf(err, "failed to record paused group %s", group)
	}
	keys, err := groupTriggerKeys(ctx, tx, group)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.pauseTriggerTx(ctx, tx, k); err != nil {
			return err
		}
	}
	return nil
}

// PauseAll pauses every group, including groups created afterwards. Recovery
// runs in trigger.RecoveryGroup keep going.
func (s *Store) PauseAll(ctx context.Context) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		groups, err := triggerGroups(ctx, tx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if g == trigger.RecoveryGroup {
				continue
			}
			if err := s.pauseGroupTx(ctx, tx, g); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO paused_trigger_groups (trigger_group) VALUES (?)`, allGroupsPaused)
		return errors.Wrap(err, "failed to record pause-all")
	})
}

// ResumeTrigger resumes a paused trigger. A fire time missed while paused is
// handled by the trigger's misfire policy.
func (s *Store) ResumeTrigger(ctx context.Context, key trigger.Key) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		return s.resumeTriggerTx(ctx, tx, post, s.calendarLoader(tx), key.Normalize())
	})
}

func (s *Store) resumeTriggerTx(ctx context.Context, tx *sql.Tx, post *postCommit, cals *calendars, key trigger.Key) error {
	st, err := s.retrieveTrigger(ctx, tx, key)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}

	switch st.State {
	case trigger.StatePaused, trigger.StatePausedBlocked:
	case trigger.StateExecuting:
		if st.PauseRequested {
			st.PauseRequested = false
			return s.saveTrigger(ctx, tx, st)
		}
		return nil
	default:
		return nil
	}

	blocked := false
	d, err := retrieveJob(ctx, tx, st.JobKey)
	if err != nil {
		return err
	}
	if d.ConcurrentExecutionDisallowed {
		if blocked, err = isJobExecuting(ctx, tx, st.JobKey); err != nil {
			return err
		}
	}
	st.State = trigger.StateWaiting
	if blocked {
		st.State = trigger.StateBlocked
	}
	st.PauseRequested = false
	if err := s.saveTrigger(ctx, tx, st); err != nil {
		return err
	}

	cal, err := cals.get(ctx, st.CalendarName)
	if err != nil {
		return err
	}
	finalized, err := s.applyMisfire(ctx, tx, post, st, cal, s.now())
	if err != nil || finalized {
		return err
	}
	if st.NextFireTime != nil {
		next := *st.NextFireTime
		post.add(func() { s.sig().NotifySchedulingChange(&next) })
	}
	return nil
}

// ResumeJob resumes every trigger of a job
func (s *Store) ResumeJob(ctx context.Context, key job.Key) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		keys, err := triggerKeysForJob(ctx, tx, key.Normalize())
		if err != nil {
			return err
		}
		cals := s.calendarLoader(tx)
		for _, k := range keys {
			if err := s.resumeTriggerTx(ctx, tx, post, cals, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResumeTriggers resumes a trigger group
func (s *Store) ResumeTriggers(ctx context.Context, group string) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		return s.resumeGroupTx(ctx, tx, post, s.calendarLoader(tx), trigger.NewKey("", group).Group)
	})
}

func (s *Store) resumeGroupTx(ctx context.Context, tx *sql.Tx, post *postCommit, cals *calendars, group string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM paused_trigger_groups WHERE trigger_group = ?`, group); err != nil {
		return errors.Wrapf(err, "failed to clear paused group %s", group)
	}
	keys, err := groupTriggerKeys(ctx, tx, group)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.resumeTriggerTx(ctx, tx, post, cals, k); err != nil {
			return err
		}
	}
	return nil
}

// ResumeAll resumes every group and clears the pause-all marker
func (s *Store) ResumeAll(ctx context.Context) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		groups, err := triggerGroups(ctx, tx)
		if err != nil {
			return err
		}
		cals := s.calendarLoader(tx)
		for _, g := range groups {
			if err := s.resumeGroupTx(ctx, tx, post, cals, g); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM paused_trigger_groups`)
		return errors.Wrap(err, "failed to clear paused groups")
	})
}

// GetPausedTriggerGroups lists paused groups
func (s *Store) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT trigger_group FROM paused_trigger_groups WHERE trigger_group != ? ORDER BY trigger_group`,
		allGroupsPaused)
}

// ResetTriggerFromErrorState returns an ERROR trigger to service. Its next
// fire time is recomputed when the error left it without one.
func (s *Store) ResetTriggerFromErrorState(ctx context.Context, key trigger.Key) error {
	key = key.Normalize()
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		st, err := s.retrieveTrigger(ctx, tx, key)
		if err != nil {
			return err
		}
		if st.State != trigger.StateError {
			return nil
		}

		if st.NextFireTime == nil {
			cal, err := s.calendarLoader(tx).get(ctx, st.CalendarName)
			if err != nil {
				return err
			}
			next, err := st.NextFireTimeAfter(s.now(), cal, s.opts.CalendarMaxIterations)
			if next == nil {
				if err != nil {
					return errors.Wrapf(err, "trigger %s still has no schedulable time", key)
				}
				_, err = s.finalizeTrigger(ctx, tx, post, st.Trigger)
				return err
			}
			st.NextFireTime = next
		}

		state, err := s.initialState(ctx, tx, st.Trigger)
		if err != nil {
			return err
		}
		st.State = state
		if err := s.saveTrigger(ctx, tx, st); err != nil {
			return err
		}
		next := *st.NextFireTime
		post.add(func() { s.sig().NotifySchedulingChange(&next) })
		return nil
	})
}

func isGroupPaused(ctx context.Context, q querier, group string) (bool, error) {
	also := allGroupsPaused
	if group == trigger.RecoveryGroup {
		// only an explicit pause of the group holds recovery runs
		also = group
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM paused_trigger_groups WHERE trigger_group IN (?, ?)`,
		group, also).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check paused group %s", group)
	}
	return n > 0, nil
}

func groupTriggerKeys(ctx context.Context, q querier, group string) ([]trigger.Key, error) {
	rows, err := q.QueryContext(ctx, `SELECT trigger_name, trigger_group FROM triggers WHERE trigger_group = ? ORDER BY trigger_name`, group)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list group %s", group)
	}
	defer rows.Close()
	return scanTriggerKeys(rows)
}

func triggerGroups(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT trigger_group FROM triggers ORDER BY trigger_group`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list trigger groups")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger group")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

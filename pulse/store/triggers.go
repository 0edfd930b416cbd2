package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// allGroupsPaused marks PauseAll in paused_trigger_groups so that triggers in
// groups created afterwards also start paused
const allGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

// StoreTrigger saves a trigger for an existing job. Its first fire time is
// computed when unset and its initial state honours paused groups and running
// non-concurrent jobs. tr is updated in place.
func (s *Store) StoreTrigger(ctx context.Context, tr *trigger.Trigger, replace bool) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		return s.storeTriggerTx(ctx, tx, post, s.calendarLoader(tx), tr, replace)
	})
}

func (s *Store) storeTriggerTx(ctx context.Context, tx *sql.Tx, post *postCommit, cals *calendars, tr *trigger.Trigger, replace bool) error {
	tr.Key = tr.Key.Normalize()
	tr.JobKey = tr.JobKey.Normalize()
	if tr.Data == nil {
		tr.Data = job.DataMap{}
	}
	if err := tr.Validate(); err != nil {
		return err
	}

	exists, err := jobExists(ctx, tx, tr.JobKey)
	if err != nil {
		return err
	}
	if !exists {
		return errors.NewNotFoundError("job %s for trigger %s", tr.JobKey, tr.Key)
	}

	existingState, err := triggerState(ctx, tx, tr.Key)
	if err != nil {
		return err
	}
	if existingState != trigger.StateNone && !replace {
		return errors.NewConflictError("trigger %s already exists", tr.Key)
	}

	cal, err := cals.get(ctx, tr.CalendarName)
	if errors.IsNotFoundError(err) {
		return errors.NewConfigurationError("trigger %s references unknown calendar %q", tr.Key, tr.CalendarName)
	}
	if err != nil {
		return err
	}

	if tr.NextFireTime == nil {
		next, err := tr.ComputeFirstFireTime(cal, s.opts.CalendarMaxIterations)
		if next == nil {
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "trigger %s will never fire", tr.Key), errors.ErrConfiguration)
			}
			return errors.NewConfigurationError("trigger %s will never fire", tr.Key)
		}
	}

	state, err := s.initialState(ctx, tx, tr)
	if err != nil {
		return err
	}
	switch existingState {
	case trigger.StateExecuting:
		// the running fire completes against the replaced definition
		state = trigger.StateExecuting
	case trigger.StateAcquired:
		if err := deleteFiredRecordsForTrigger(ctx, tx, tr.Key, trigger.StateAcquired); err != nil {
			return err
		}
	}
	tr.State = state

	if err := s.upsertTrigger(ctx, tx, tr); err != nil {
		return err
	}

	next := *tr.NextFireTime
	post.add(func() { s.sig().NotifySchedulingChange(&next) })
	return nil
}

// initialState is WAITING unless the trigger's group is paused or its
// non-concurrent job is running
func (s *Store) initialState(ctx context.Context, q querier, tr *trigger.Trigger) (trigger.State, error) {
	paused, err := isGroupPaused(ctx, q, tr.Key.Group)
	if err != nil {
		return "", err
	}
	blocked := false
	d, err := retrieveJob(ctx, q, tr.JobKey)
	if err != nil {
		return "", err
	}
	if d.ConcurrentExecutionDisallowed {
		if blocked, err = isJobExecuting(ctx, q, tr.JobKey); err != nil {
			return "", err
		}
	}
	switch {
	case paused && blocked:
		return trigger.StatePausedBlocked, nil
	case paused:
		return trigger.StatePaused, nil
	case blocked:
		return trigger.StateBlocked, nil
	default:
		return trigger.StateWaiting, nil
	}
}

func (s *Store) upsertTrigger(ctx context.Context, tx *sql.Tx, tr *trigger.Trigger) error {
	kind, sched, err := trigger.EncodeSchedule(tr.Schedule)
	if err != nil {
		return err
	}
	data, err := job.EncodeData(tr.Data)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO triggers (
			trigger_name, trigger_group, job_name, job_group, description,
			next_fire_time, prev_fire_time, priority, trigger_state, schedule_kind, schedule_data,
			start_time, end_time, calendar_name, misfire_instr, times_triggered, job_data,
			pause_requested, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (trigger_name, trigger_group) DO UPDATE SET
			job_name = excluded.job_name,
			job_group = excluded.job_group,
			description = excluded.description,
			next_fire_time = excluded.next_fire_time,
			prev_fire_time = excluded.prev_fire_time,
			priority = excluded.priority,
			trigger_state = excluded.trigger_state,
			schedule_kind = excluded.schedule_kind,
			schedule_data = excluded.schedule_data,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			calendar_name = excluded.calendar_name,
			misfire_instr = excluded.misfire_instr,
			times_triggered = excluded.times_triggered,
			job_data = excluded.job_data,
			pause_requested = 0,
			updated_at = excluded.updated_at`,
		tr.Key.Name, tr.Key.Group, tr.JobKey.Name, tr.JobKey.Group, tr.Description,
		util.NullMillis(tr.NextFireTime), util.NullMillis(tr.PreviousFireTime), tr.Priority, string(tr.State),
		kind, string(sched),
		util.ToMillis(tr.StartTime), util.NullMillis(tr.EndTime), nullString(tr.CalendarName),
		int(tr.MisfireInstruction), tr.TimesTriggered, string(data),
		now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to store trigger %s", tr.Key)
	}
	return nil
}

// saveTrigger writes the mutable runtime columns of a stored trigger
func (s *Store) saveTrigger(ctx context.Context, tx *sql.Tx, st *storedTrigger) error {
	data, err := job.EncodeData(st.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE triggers SET
			next_fire_time = ?, prev_fire_time = ?, trigger_state = ?, times_triggered = ?,
			job_data = ?, pause_requested = ?, updated_at = ?
		WHERE trigger_name = ? AND trigger_group = ?`,
		util.NullMillis(st.NextFireTime), util.NullMillis(st.PreviousFireTime), string(st.State), st.TimesTriggered,
		string(data), st.PauseRequested, s.now().UnixMilli(),
		st.Key.Name, st.Key.Group,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update trigger %s", st.Key)
	}
	return nil
}

// setState moves a trigger to `to` when it is currently in one of from
// (any state when from is empty). It returns the number of rows changed.
func (s *Store) setState(ctx context.Context, tx *sql.Tx, key trigger.Key, to trigger.State, from ...trigger.State) (int64, error) {
	query := `UPDATE triggers SET trigger_state = ?, updated_at = ? WHERE trigger_name = ? AND trigger_group = ?`
	args := []any{string(to), s.now().UnixMilli(), key.Name, key.Group}
	query, args = appendStates(query, args, from)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to set trigger %s to %s", key, to)
	}
	return res.RowsAffected()
}

// setStatesForJob moves the job's triggers that are in `from` to `to`
func (s *Store) setStatesForJob(ctx context.Context, tx *sql.Tx, key job.Key, to trigger.State, from ...trigger.State) (int64, error) {
	query := `UPDATE triggers SET trigger_state = ?, updated_at = ? WHERE job_name = ? AND job_group = ?`
	args := []any{string(to), s.now().UnixMilli(), key.Name, key.Group}
	query, args = appendStates(query, args, from)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to set triggers of %s to %s", key, to)
	}
	return res.RowsAffected()
}

func appendStates(query string, args []any, states []trigger.State) (string, []any) {
	if len(states) == 0 {
		return query, args
	}
	query += ` AND trigger_state IN (?` + repeatPlaceholders(len(states)-1) + `)`
	for _, st := range states {
		args = append(args, string(st))
	}
	return query, args
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(",?", n)
}

// RemoveTrigger deletes a trigger, and its job when that job is non-durable
// and has no triggers left. False when it did not exist.
func (s *Store) RemoveTrigger(ctx context.Context, key trigger.Key) (bool, error) {
	key = key.Normalize()
	var removed bool
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		var err error
		removed, err = s.removeTriggerTx(ctx, tx, key, true)
		return err
	})
	return removed, err
}

func (s *Store) removeTriggerTx(ctx context.Context, tx *sql.Tx, key trigger.Key, removeOrphanedJob bool) (bool, error) {
	var jk job.Key
	err := tx.QueryRowContext(ctx, `SELECT job_name, job_group FROM triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group).Scan(&jk.Name, &jk.Group)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up trigger %s", key)
	}

	// A reserved but not yet fired record goes with the trigger; an executing
	// one is left for its completion to find.
	if err := deleteFiredRecordsForTrigger(ctx, tx, key, trigger.StateAcquired); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group); err != nil {
		return false, errors.Wrapf(err, "failed to delete trigger %s", key)
	}
	if removeOrphanedJob {
		if _, err := deleteOrphanedJob(ctx, tx, jk); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ReplaceTrigger removes the trigger at key and stores tr in its place for
// the same job. False when no trigger existed at key.
func (s *Store) ReplaceTrigger(ctx context.Context, key trigger.Key, tr *trigger.Trigger) (bool, error) {
	key = key.Normalize()
	var replaced bool
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		old, err := s.retrieveTrigger(ctx, tx, key)
		if errors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if tr.JobKey.Name == "" {
			tr.JobKey = old.JobKey
		}
		if tr.JobKey.Normalize() != old.JobKey {
			return errors.NewConfigurationError("replacement trigger %s must reference job %s, not %s",
				tr.Key, old.JobKey, tr.JobKey.Normalize())
		}
		if _, err := s.removeTriggerTx(ctx, tx, key, false); err != nil {
			return err
		}
		if err := s.storeTriggerTx(ctx, tx, post, s.calendarLoader(tx), tr, false); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	return replaced, err
}

// finalizeTrigger removes a trigger that has no fire times left, along with
// its orphaned non-durable job
func (s *Store) finalizeTrigger(ctx context.Context, tx *sql.Tx, post *postCommit, tr *trigger.Trigger) (jobDeleted bool, err error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM triggers WHERE trigger_name = ? AND trigger_group = ?`,
		tr.Key.Name, tr.Key.Group); err != nil {
		return false, errors.Wrapf(err, "failed to delete completed trigger %s", tr.Key)
	}
	jobDeleted, err = deleteOrphanedJob(ctx, tx, tr.JobKey)
	if err != nil {
		return false, err
	}
	tr.State = trigger.StateComplete
	tr.NextFireTime = nil
	done := tr.Clone()
	post.add(func() { s.sig().NotifyTriggerFinalized(done) })

	s.log.Debugw("Trigger complete",
		logger.FieldTriggerKey, tr.Key.String(),
		logger.FieldJobKey, tr.JobKey.String(),
		"job_deleted", jobDeleted)
	return jobDeleted, nil
}

// applyMisfire runs the misfire policy against st and persists the result.
// A trigger left without fire times is finalized, or put in ERROR when the
// calendar search gave up.
func (s *Store) applyMisfire(ctx context.Context, tx *sql.Tx, post *postCommit, st *storedTrigger, cal calendar.Calendar, now time.Time) (finalized bool, err error) {
	res := s.misfire.Apply(st.Trigger, cal, now)
	if !res.Changed() {
		return false, nil
	}

	misfired := st.Clone()
	post.add(func() { s.sig().NotifyTriggerMisfired(misfired) })

	log := s.log.With(
		logger.FieldTriggerKey, st.Key.String(),
		logger.FieldScheduledTime, res.MissedFireTime,
		"instruction", res.Instruction.String(),
		"action", res.Action.String())
	switch {
	case res.Unrecoverable:
		log.Infow("Trigger missed its only fire time", logger.FieldError, res.Err)
	case res.Err != nil:
		log.Warnw("Misfired trigger has no schedulable time", logger.FieldError, res.Err)
	default:
		log.Debugw("Misfire handled")
	}

	if st.NextFireTime != nil {
		return false, s.saveTrigger(ctx, tx, st)
	}
	if res.Err != nil && errors.Is(res.Err, calendar.ErrNoSchedulableTime) {
		st.State = trigger.StateError
		return false, s.saveTrigger(ctx, tx, st)
	}
	_, err = s.finalizeTrigger(ctx, tx, post, st.Trigger)
	return true, err
}

// RetrieveTrigger returns a stored trigger or a not-found error
func (s *Store) RetrieveTrigger(ctx context.Context, key trigger.Key) (*trigger.Trigger, error) {
	st, err := s.retrieveTrigger(ctx, s.db, key.Normalize())
	if err != nil {
		return nil, s.readErr(err, "retrieve trigger")
	}
	return st.Trigger, nil
}

func (s *Store) retrieveTrigger(ctx context.Context, q querier, key trigger.Key) (*storedTrigger, error) {
	row := q.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group)
	st, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("trigger %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to retrieve trigger %s", key)
	}
	return st, nil
}

func (s *Store) queryTriggers(ctx context.Context, q querier, where string, args ...any) ([]*storedTrigger, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+triggerColumns+` FROM triggers `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query triggers")
	}
	defer rows.Close()

	var out []*storedTrigger
	for rows.Next() {
		st, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetTriggerState returns StateNone for an unknown trigger
func (s *Store) GetTriggerState(ctx context.Context, key trigger.Key) (trigger.State, error) {
	st, err := triggerState(ctx, s.db, key.Normalize())
	return st, s.readErr(err, "trigger state")
}

func triggerState(ctx context.Context, q querier, key trigger.Key) (trigger.State, error) {
	var state string
	err := q.QueryRowContext(ctx, `SELECT trigger_state FROM triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group).Scan(&state)
	if err == sql.ErrNoRows {
		return trigger.StateNone, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read state of trigger %s", key)
	}
	return trigger.State(state), nil
}

// GetTriggersForJob returns the job's triggers ordered by key
func (s *Store) GetTriggersForJob(ctx context.Context, key job.Key) ([]*trigger.Trigger, error) {
	key = key.Normalize()
	sts, err := s.queryTriggers(ctx, s.db, `WHERE job_name = ? AND job_group = ? ORDER BY trigger_group, trigger_name`,
		key.Name, key.Group)
	if err != nil {
		return nil, s.readErr(err, "triggers for job")
	}
	return unwrap(sts), nil
}

// ListTriggers returns every trigger ordered by next fire time
func (s *Store) ListTriggers(ctx context.Context) ([]*trigger.Trigger, error) {
	sts, err := s.queryTriggers(ctx, s.db,
		`ORDER BY next_fire_time IS NULL, next_fire_time, priority DESC, trigger_group, trigger_name`)
	if err != nil {
		return nil, s.readErr(err, "list triggers")
	}
	return unwrap(sts), nil
}

func unwrap(sts []*storedTrigger) []*trigger.Trigger {
	out := make([]*trigger.Trigger, len(sts))
	for i, st := range sts {
		out[i] = st.Trigger
	}
	return out
}

// CheckTriggerExists reports whether a trigger is stored
func (s *Store) CheckTriggerExists(ctx context.Context, key trigger.Key) (bool, error) {
	st, err := s.GetTriggerState(ctx, key)
	return st != trigger.StateNone && err == nil, err
}

// GetTriggerKeys lists trigger keys, optionally restricted to one group
func (s *Store) GetTriggerKeys(ctx context.Context, group string) ([]trigger.Key, error) {
	query := `SELECT trigger_name, trigger_group FROM triggers`
	var args []any
	if group != "" {
		query += ` WHERE trigger_group = ?`
		args = append(args, group)
	}
	query += ` ORDER BY trigger_group, trigger_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.readErr(err, "list trigger keys")
	}
	defer rows.Close()
	return scanTriggerKeys(rows)
}

// GetTriggerGroupNames lists the distinct trigger groups
func (s *Store) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT trigger_group FROM triggers ORDER BY trigger_group`)
}

func triggerKeysForJob(ctx context.Context, q querier, key job.Key) ([]trigger.Key, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT trigger_name, trigger_group FROM triggers
		WHERE job_name = ? AND job_group = ? ORDER BY trigger_group, trigger_name`, key.Name, key.Group)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list triggers of %s", key)
	}
	defer rows.Close()
	return scanTriggerKeys(rows)
}

func scanTriggerKeys(rows *sql.Rows) ([]trigger.Key, error) {
	var keys []trigger.Key
	for rows.Next() {
		var k trigger.Key
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

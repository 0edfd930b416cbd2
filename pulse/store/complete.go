package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// TriggeredJobComplete records the end of an execution: the job data is
// persisted when requested, blocked sibling triggers are released, the
// trigger moves on from EXECUTING and the firing record becomes a history row.
// Completing the same fire twice is a no-op the second time.
func (s *Store) TriggeredJobComplete(ctx context.Context, c Completion) (CompletionResult, error) {
	c.TriggerKey = c.TriggerKey.Normalize()
	c.JobKey = c.JobKey.Normalize()

	var res CompletionResult
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		res = CompletionResult{FinalState: trigger.StateNone}
		log := s.log.With(
			logger.FieldTriggerKey, c.TriggerKey.String(),
			logger.FieldJobKey, c.JobKey.String(),
			logger.FieldFireInstanceID, c.FireInstanceID,
			logger.FieldOutcome, string(c.Outcome))

		rec, err := firedRecord(ctx, tx, c.FireInstanceID)
		if errors.IsNotFoundError(err) {
			// recovered by another instance, or already completed
			res.Stale = true
			log.Infow("Completion without a firing record")
			return s.insertHistory(ctx, tx, c, nil, res.FinalState)
		}
		if err != nil {
			return err
		}

		d, err := retrieveJob(ctx, tx, c.JobKey)
		if err != nil && !errors.IsNotFoundError(err) {
			return err
		}
		if d != nil {
			if d.PersistDataAfterExecution && c.Data != nil {
				if err := s.updateJobData(ctx, tx, d.Key, c.Data); err != nil {
					return err
				}
				d.Data = c.Data
			}
			if d.ConcurrentExecutionDisallowed {
				if err := s.unblockJob(ctx, tx, post, d.Key); err != nil {
					return err
				}
			}
		}

		st, err := s.retrieveTrigger(ctx, tx, c.TriggerKey)
		if err != nil && !errors.IsNotFoundError(err) {
			return err
		}
		if st != nil {
			if st.State == trigger.StateExecuting {
				if err := s.completeTrigger(ctx, tx, post, st, c.Outcome, &res); err != nil {
					return err
				}
			} else {
				res.FinalState = st.State
			}
		}

		if err := deleteFiredRecord(ctx, tx, rec.FireInstanceID); err != nil {
			return err
		}
		var data job.DataMap
		if d != nil {
			data = d.Data
		}
		c.Recovering = c.Recovering || c.TriggerKey.Group == trigger.RecoveryGroup
		if c.FiredAt.IsZero() {
			c.FiredAt = rec.FiredAt
		}
		if err := s.insertHistoryAt(ctx, tx, c, data, res.FinalState, rec); err != nil {
			return err
		}

		log.Debugw("Execution complete", logger.FieldState, string(res.FinalState), "job_deleted", res.JobDeleted)
		return nil
	})
	return res, err
}

// completeTrigger moves an EXECUTING trigger to its post-execution state
func (s *Store) completeTrigger(ctx context.Context, tx *sql.Tx, post *postCommit, st *storedTrigger, outcome job.Outcome, res *CompletionResult) error {
	switch {
	case outcome == job.OutcomeFailedFatal:
		st.State = trigger.StateError
		st.PauseRequested = false
		res.FinalState = trigger.StateError
		return s.saveTrigger(ctx, tx, st)

	case st.NextFireTime == nil:
		deleted, err := s.finalizeTrigger(ctx, tx, post, st.Trigger)
		res.FinalState = trigger.StateComplete
		res.JobDeleted = deleted
		return err
	}

	cal, err := s.calendarLoader(tx).get(ctx, st.CalendarName)
	if err != nil {
		return err
	}
	now := s.now()
	if st.NextFireTime.Before(now) && st.MisfireInstruction != trigger.MisfireIgnore {
		next, err := st.NextFireTimeAfter(now, cal, s.opts.CalendarMaxIterations)
		switch {
		case errors.Is(err, calendar.ErrNoSchedulableTime):
			st.State = trigger.StateError
			st.PauseRequested = false
			st.NextFireTime = nil
			res.FinalState = trigger.StateError
			return s.saveTrigger(ctx, tx, st)
		case err != nil:
			return err
		}
		st.NextFireTime = next
		if next == nil {
			deleted, err := s.finalizeTrigger(ctx, tx, post, st.Trigger)
			res.FinalState = trigger.StateComplete
			res.JobDeleted = deleted
			return err
		}
	}

	paused := st.PauseRequested
	if !paused {
		var err error
		if paused, err = isGroupPaused(ctx, tx, st.Key.Group); err != nil {
			return err
		}
	}
	st.PauseRequested = false
	st.State = trigger.StateWaiting
	if paused {
		st.State = trigger.StatePaused
	}
	if err := s.saveTrigger(ctx, tx, st); err != nil {
		return err
	}
	res.FinalState = st.State

	if st.State == trigger.StateWaiting {
		finalized, err := s.applyMisfire(ctx, tx, post, st, cal, now)
		if err != nil {
			return err
		}
		res.FinalState = st.State
		if finalized {
			res.FinalState = trigger.StateComplete
		}
		if st.NextFireTime != nil {
			next := *st.NextFireTime
			post.add(func() { s.sig().NotifySchedulingChange(&next) })
		}
	}
	return nil
}

// unblockJob releases the job's triggers that waited on its execution
func (s *Store) unblockJob(ctx context.Context, tx *sql.Tx, post *postCommit, key job.Key) error {
	n, err := s.setStatesForJob(ctx, tx, key, trigger.StateWaiting, trigger.StateBlocked)
	if err != nil {
		return err
	}
	if _, err := s.setStatesForJob(ctx, tx, key, trigger.StatePaused, trigger.StatePausedBlocked); err != nil {
		return err
	}
	if n > 0 {
		post.add(func() { s.sig().NotifySchedulingChange(nil) })
	}
	return nil
}

func (s *Store) updateJobData(ctx context.Context, tx *sql.Tx, key job.Key, data job.DataMap) error {
	raw, err := job.EncodeData(data)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET job_data = ?, updated_at = ? WHERE job_name = ? AND job_group = ?`,
		string(raw), s.now().UnixMilli(), key.Name, key.Group); err != nil {
		return errors.Wrapf(err, "failed to persist data of job %s", key)
	}
	return nil
}

func (s *Store) insertHistory(ctx context.Context, tx *sql.Tx, c Completion, data job.DataMap, state trigger.State) error {
	return s.insertHistoryAt(ctx, tx, c, data, state, nil)
}

// insertHistoryAt writes one execution_history row; a repeated fire
// instance id is ignored
func (s *Store) insertHistoryAt(ctx context.Context, tx *sql.Tx, c Completion, data job.DataMap, state trigger.State, rec *FiredRecord) error {
	completed := s.now()
	fired := c.FiredAt
	if fired.IsZero() {
		fired = completed
	}
	scheduled := fired
	if rec != nil {
		scheduled = rec.ScheduledAt
	}
	if data == nil {
		data = c.Data
	}
	raw, err := job.EncodeData(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO execution_history (
			fire_instance_id, instance_id, trigger_name, trigger_group, job_name, job_group,
			scheduled_at, fired_at, completed_at, duration_ms, outcome, error_message,
			trigger_state, data, recovering
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.FireInstanceID, s.opts.InstanceID, c.TriggerKey.Name, c.TriggerKey.Group, c.JobKey.Name, c.JobKey.Group,
		util.ToMillis(scheduled), util.ToMillis(fired), util.ToMillis(completed), completed.Sub(fired).Milliseconds(),
		string(c.Outcome), nullString(c.ErrorMessage), string(state), string(raw), c.Recovering,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record execution %s", c.FireInstanceID)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// AcquireNextTriggers reserves up to maxCount WAITING triggers due no later
// than noLaterThan+window, in fire order: next fire time, then higher priority,
// then key. Misfired candidates are corrected first. The batch spans at most
// window past its earliest fire time, and holds at most one trigger per
// non-concurrent job. Each reserved trigger gets an ACQUIRED firing record.
func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, window time.Duration) ([]*Acquired, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	var acquired []*Acquired
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		acquired = acquired[:0]
		horizon := noLaterThan.Add(window)

		candidates, err := s.queryTriggers(ctx, tx, `
			WHERE trigger_state = ? AND next_fire_time <= ?
			ORDER BY next_fire_time ASC, priority DESC, trigger_group ASC, trigger_name ASC
			LIMIT ?`,
			string(trigger.StateWaiting), util.ToMillis(horizon), maxCount+s.opts.MaxMisfiresPerScan)
		if err != nil {
			return err
		}

		now := s.now()
		cals := s.calendarLoader(tx)
		jobs := map[job.Key]*job.Detail{}
		inBatch := map[job.Key]bool{}
		var batchEnd time.Time

		for _, st := range candidates {
			if len(acquired) >= maxCount {
				break
			}
			log := s.log.With(logger.FieldTriggerKey, st.Key.String())

			d, ok := jobs[st.JobKey]
			if !ok {
				d, err = retrieveJob(ctx, tx, st.JobKey)
				if errors.IsNotFoundError(err) {
					log.Errorw("Trigger references a missing job", logger.FieldJobKey, st.JobKey.String())
					if _, err := s.setState(ctx, tx, st.Key, trigger.StateError); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				jobs[st.JobKey] = d
			}
			if d.ConcurrentExecutionDisallowed && inBatch[d.Key] {
				continue
			}

			cal, err := cals.get(ctx, st.CalendarName)
			if err != nil {
				return err
			}
			finalized, err := s.applyMisfire(ctx, tx, post, st, cal, now)
			if err != nil {
				return err
			}
			if finalized || st.State != trigger.StateWaiting || st.NextFireTime == nil {
				continue
			}
			next := *st.NextFireTime
			if next.After(horizon) || (!batchEnd.IsZero() && next.After(batchEnd)) {
				continue
			}

			n, err := s.setState(ctx, tx, st.Key, trigger.StateAcquired, trigger.StateWaiting)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			a := &Acquired{Trigger: st.Trigger, FireInstanceID: uuid.NewString()}
			st.State = trigger.StateAcquired
			if err := insertFiredRecord(ctx, tx, &FiredRecord{
				FireInstanceID:                a.FireInstanceID,
				InstanceID:                    s.opts.InstanceID,
				TriggerKey:                    st.Key,
				JobKey:                        st.JobKey,
				State:                         trigger.StateAcquired,
				FiredAt:                       now,
				ScheduledAt:                   next,
				Priority:                      st.Priority,
				ConcurrentExecutionDisallowed: d.ConcurrentExecutionDisallowed,
				RequestsRecovery:              d.RequestsRecovery,
			}); err != nil {
				return err
			}

			acquired = append(acquired, a)
			if d.ConcurrentExecutionDisallowed {
				inBatch[d.Key] = true
			}
			if batchEnd.IsZero() {
				batchEnd = util.MaxTime(next, now).Add(window)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(acquired) > 0 {
		s.log.Debugw("Acquired triggers", logger.FieldCount, len(acquired))
	}
	return acquired, nil
}

// ReleaseAcquiredTrigger returns an acquired trigger to WAITING and drops its firing record
func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, a *Acquired) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		if _, err := s.setState(ctx, tx, a.Trigger.Key, trigger.StateWaiting, trigger.StateAcquired); err != nil {
			return err
		}
		return deleteFiredRecord(ctx, tx, a.FireInstanceID)
	})
}

// EarliestFireTime reports the soonest next fire time among WAITING triggers,
// or nil when nothing is scheduled.
func (s *Store) EarliestFireTime(ctx context.Context) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_fire_time) FROM triggers WHERE trigger_state = ?`,
		string(trigger.StateWaiting)).Scan(&ms)
	if err != nil {
		return nil, s.readErr(errors.Wrap(err, "failed to query earliest fire time"), "earliest fire time")
	}
	return util.FromNullMillis(ms), nil
}

// TriggersFired moves acquired triggers to EXECUTING and advances them past
// the fire time, returning one bundle per trigger that should run. A trigger
// whose non-concurrent job is already running elsewhere becomes BLOCKED
// instead; one that was paused, removed or released since acquisition is
// skipped.
func (s *Store) TriggersFired(ctx context.Context, batch []*Acquired) ([]*FiredBundle, error) {
	var bundles []*FiredBundle
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		bundles = bundles[:0]
		cals := s.calendarLoader(tx)
		for _, a := range batch {
			b, err := s.triggerFired(ctx, tx, cals, a)
			if err != nil {
				return err
			}
			if b != nil {
				bundles = append(bundles, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (s *Store) triggerFired(ctx context.Context, tx *sql.Tx, cals *calendars, a *Acquired) (*FiredBundle, error) {
	key := a.Trigger.Key
	log := s.log.With(logger.FieldTriggerKey, key.String(), logger.FieldFireInstanceID, a.FireInstanceID)

	rec, err := firedRecord(ctx, tx, a.FireInstanceID)
	if errors.IsNotFoundError(err) {
		log.Debugw("Firing record gone before fire")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st, err := s.retrieveTrigger(ctx, tx, key)
	if errors.IsNotFoundError(err) || (err == nil && st.State != trigger.StateAcquired) {
		log.Debugw("Trigger no longer acquired")
		return nil, deleteFiredRecord(ctx, tx, a.FireInstanceID)
	}
	if err != nil {
		return nil, err
	}

	d, err := retrieveJob(ctx, tx, st.JobKey)
	if errors.IsNotFoundError(err) {
		log.Errorw("Trigger references a missing job", logger.FieldJobKey, st.JobKey.String())
		if _, err := s.setState(ctx, tx, key, trigger.StateError); err != nil {
			return nil, err
		}
		return nil, deleteFiredRecord(ctx, tx, a.FireInstanceID)
	}
	if err != nil {
		return nil, err
	}

	if d.ConcurrentExecutionDisallowed {
		running, err := isJobExecuting(ctx, tx, d.Key)
		if err != nil {
			return nil, err
		}
		if running {
			log.Debugw("Job already executing, trigger blocked", logger.FieldJobKey, d.Key.String())
			if _, err := s.setState(ctx, tx, key, trigger.StateBlocked, trigger.StateAcquired); err != nil {
				return nil, err
			}
			return nil, deleteFiredRecord(ctx, tx, a.FireInstanceID)
		}
	}

	cal, err := cals.get(ctx, st.CalendarName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE fired_triggers SET state = ?, fired_time = ? WHERE entry_id = ?`,
		string(trigger.StateExecuting), util.ToMillis(now), a.FireInstanceID); err != nil {
		return nil, errors.Wrapf(err, "failed to mark firing record %s executing", a.FireInstanceID)
	}

	prev := st.PreviousFireTime
	if err := st.Triggered(cal, s.opts.CalendarMaxIterations); err != nil {
		log.Warnw("No schedulable time after fire", logger.FieldError, err)
	}
	st.State = trigger.StateExecuting
	if err := s.saveTrigger(ctx, tx, st); err != nil {
		return nil, err
	}

	if d.ConcurrentExecutionDisallowed {
		if _, err := s.setStatesForJob(ctx, tx, d.Key, trigger.StateBlocked, trigger.StateWaiting); err != nil {
			return nil, err
		}
		if _, err := s.setStatesForJob(ctx, tx, d.Key, trigger.StatePausedBlocked, trigger.StatePaused); err != nil {
			return nil, err
		}
	}

	return &FiredBundle{
		FireInstanceID:    a.FireInstanceID,
		Job:               d,
		Trigger:           st.Trigger,
		Calendar:          cal,
		MergedData:        d.Data.Merge(st.Data),
		Recovering:        st.Key.Group == trigger.RecoveryGroup,
		FireTime:          now,
		ScheduledFireTime: rec.ScheduledAt,
		PrevFireTime:      prev,
		NextFireTime:      st.NextFireTime,
	}, nil
}

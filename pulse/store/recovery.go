package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// ClusterCheckin records this instance as alive and returns the peers
// that stopped checking in. Instances that own firing records but never
// checked in count as failed too.
func (s *Store) ClusterCheckin(ctx context.Context) ([]cluster.InstanceState, error) {
	var failed []cluster.InstanceState
	err := s.executeInLock(ctx, cluster.LockStateAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		states, err := schedulerStates(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now()
		failed = cluster.FailedInstances(states, s.opts.InstanceID, now, s.opts.CheckinFailThreshold)

		orphans, err := orphanedOwners(ctx, tx, states, s.opts.InstanceID)
		if err != nil {
			return err
		}
		failed = append(failed, orphans...)
		sort.Slice(failed, func(i, j int) bool { return failed[i].InstanceID < failed[j].InstanceID })

		_, err = tx.ExecContext(ctx, `
			INSERT INTO scheduler_state (instance_id, last_checkin_time, checkin_interval) VALUES (?, ?, ?)
			ON CONFLICT (instance_id) DO UPDATE SET
				last_checkin_time = excluded.last_checkin_time,
				checkin_interval = excluded.checkin_interval`,
			s.opts.InstanceID, util.ToMillis(now), s.opts.CheckinInterval.Milliseconds())
		return errors.Wrap(err, "failed to check in")
	})
	return failed, err
}

func schedulerStates(ctx context.Context, q querier) ([]cluster.InstanceState, error) {
	rows, err := q.QueryContext(ctx, `SELECT instance_id, last_checkin_time, checkin_interval FROM scheduler_state ORDER BY instance_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scheduler states")
	}
	defer rows.Close()

	var out []cluster.InstanceState
	for rows.Next() {
		var st cluster.InstanceState
		var last, interval int64
		if err := rows.Scan(&st.InstanceID, &last, &interval); err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduler state")
		}
		st.LastCheckin = util.FromMillis(last)
		st.CheckinInterval = time.Duration(interval) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

func orphanedOwners(ctx context.Context, q querier, states []cluster.InstanceState, self string) ([]cluster.InstanceState, error) {
	known := map[string]bool{self: true}
	for _, st := range states {
		known[st.InstanceID] = true
	}
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT instance_id FROM fired_triggers`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list firing record owners")
	}
	defer rows.Close()

	var out []cluster.InstanceState
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan firing record owner")
		}
		if !known[id] {
			out = append(out, cluster.InstanceState{InstanceID: id})
		}
	}
	return out, rows.Err()
}

// RecoverFailedInstances takes over the firing records of failed peers.
// A peer that checked in again since detection is left alone.
func (s *Store) RecoverFailedInstances(ctx context.Context, failed []cluster.InstanceState) (RecoveryReport, error) {
	var report RecoveryReport
	if len(failed) == 0 {
		return report, nil
	}
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		report = RecoveryReport{}
		cals := s.calendarLoader(tx)
		now := s.now()

		for _, inst := range failed {
			if inst.InstanceID == s.opts.InstanceID {
				continue
			}
			alive, err := s.checkedInSince(ctx, tx, inst.InstanceID, now)
			if err != nil {
				return err
			}
			if alive {
				continue
			}
			if err := s.recoverInstance(ctx, tx, post, cals, inst.InstanceID, &report); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_state WHERE instance_id = ?`, inst.InstanceID); err != nil {
				return errors.Wrapf(err, "failed to remove state of %s", inst.InstanceID)
			}
			n, err := cluster.ReleaseOwnedBy(ctx, tx, inst.InstanceID)
			if err != nil {
				return errors.Wrapf(err, "failed to release locks of %s", inst.InstanceID)
			}
			report.LocksReleased += n
			report.Instances = append(report.Instances, inst.InstanceID)
		}
		return nil
	})
	if err == nil && len(report.Instances) > 0 {
		s.log.Infow("Recovered failed instances",
			"instances", report.Instances,
			logger.FieldCount, report.RecordsReleased,
			"recovery_triggers", len(report.RecoveryTriggers))
	}
	return report, err
}

// checkedInSince reports whether the instance's checkin is within the fail threshold
func (s *Store) checkedInSince(ctx context.Context, tx *sql.Tx, instanceID string, now time.Time) (bool, error) {
	var last int64
	err := tx.QueryRowContext(ctx, `SELECT last_checkin_time FROM scheduler_state WHERE instance_id = ?`, instanceID).Scan(&last)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read checkin of %s", instanceID)
	}
	return now.UnixMilli()-last <= s.opts.CheckinFailThreshold.Milliseconds(), nil
}

// RecoverOwnFiredRecords cleans up firing records left by a previous run
// under this instance id; called once at startup before firing.
func (s *Store) RecoverOwnFiredRecords(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		report = RecoveryReport{}
		return s.recoverInstance(ctx, tx, post, s.calendarLoader(tx), s.opts.InstanceID, &report)
	})
	return report, err
}

// RecoverAllFiredRecords returns every firing record to service regardless of
// owner. A non-clustered scheduler owns the whole store, so records left by any
// earlier run are its own.
func (s *Store) RecoverAllFiredRecords(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		report = RecoveryReport{}
		recs, err := queryFiredRecords(ctx, tx, `ORDER BY fired_time, entry_id`)
		if err != nil {
			return err
		}
		cals := s.calendarLoader(tx)
		for _, rec := range recs {
			if err := s.recoverRecord(ctx, tx, post, cals, rec, &report); err != nil {
				return err
			}
			report.RecordsReleased++
		}
		return nil
	})
	if err == nil && report.RecordsReleased > 0 {
		s.log.Infow("Recovered firing records from a previous run", logger.FieldCount, report.RecordsReleased)
	}
	return report, err
}

func (s *Store) recoverInstance(ctx context.Context, tx *sql.Tx, post *postCommit, cals *calendars, instanceID string, report *RecoveryReport) error {
	recs, err := queryFiredRecords(ctx, tx, `WHERE instance_id = ? ORDER BY fired_time, entry_id`, instanceID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.recoverRecord(ctx, tx, post, cals, rec, report); err != nil {
			return err
		}
		report.RecordsReleased++
	}
	return nil
}

func (s *Store) recoverRecord(ctx context.Context, tx *sql.Tx, post *postCommit, cals *calendars, rec *FiredRecord, report *RecoveryReport) error {
	log := s.log.With(
		logger.FieldTriggerKey, rec.TriggerKey.String(),
		logger.FieldFireInstanceID, rec.FireInstanceID,
		"failed_instance", rec.InstanceID,
		logger.FieldState, string(rec.State))

	if err := deleteFiredRecord(ctx, tx, rec.FireInstanceID); err != nil {
		return err
	}
	if rec.ConcurrentExecutionDisallowed {
		if err := s.unblockJob(ctx, tx, post, rec.JobKey); err != nil {
			return err
		}
	}

	st, err := s.retrieveTrigger(ctx, tx, rec.TriggerKey)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}

	// the recovery trigger goes in first: finalizing a one-shot original
	// must not find a non-durable job without triggers
	var recoveryKey *trigger.Key
	if rec.State == trigger.StateExecuting && rec.RequestsRecovery {
		if recoveryKey, err = s.storeRecoveryTrigger(ctx, tx, post, cals, rec, st); err != nil {
			return err
		}
	}

	if st != nil && (st.State == trigger.StateAcquired || st.State == trigger.StateExecuting) {
		if err := s.returnToService(ctx, tx, post, cals, st); err != nil {
			return err
		}
	}

	if recoveryKey != nil {
		report.RecoveryTriggers = append(report.RecoveryTriggers, *recoveryKey)
		log.Infow("Scheduled recovery execution", "recovery_trigger", recoveryKey.String())
		return nil
	}
	log.Infow("Released firing record of failed instance")
	return nil
}

// returnToService puts a trigger orphaned mid-fire back to WAITING with its
// stored next fire time, then applies the misfire policy
func (s *Store) returnToService(ctx context.Context, tx *sql.Tx, post *postCommit, cals *calendars, st *storedTrigger) error {
	if st.NextFireTime == nil {
		_, err := s.finalizeTrigger(ctx, tx, post, st.Trigger)
		return err
	}
	state, err := s.initialState(ctx, tx, st.Trigger)
	if err != nil {
		return err
	}
	if st.PauseRequested {
		state = trigger.StatePaused
	}
	st.State = state
	st.PauseRequested = false
	if err := s.saveTrigger(ctx, tx, st); err != nil {
		return err
	}
	cal, err := cals.get(ctx, st.CalendarName)
	if err != nil {
		return err
	}
	if _, err := s.applyMisfire(ctx, tx, post, st, cal, s.now()); err != nil {
		return err
	}
	if st.NextFireTime != nil {
		next := *st.NextFireTime
		post.add(func() { s.sig().NotifySchedulingChange(&next) })
	}
	return nil
}

// storeRecoveryTrigger schedules a one-shot re-run of an interrupted execution
func (s *Store) storeRecoveryTrigger(ctx context.Context, tx *sql.Tx, post *postCommit, cals *calendars, rec *FiredRecord, orig *storedTrigger) (*trigger.Key, error) {
	exists, err := jobExists(ctx, tx, rec.JobKey)
	if err != nil || !exists {
		return nil, err
	}

	key := trigger.NewKey("recover_"+rec.InstanceID+"_"+rec.FireInstanceID, trigger.RecoveryGroup)
	rt := trigger.New(key, rec.JobKey, trigger.Once(), rec.ScheduledAt)
	rt.Priority = rec.Priority
	rt.MisfireInstruction = trigger.MisfireIgnore
	rt.Description = "recovery of " + rec.TriggerKey.String()
	if orig != nil {
		rt.Data = orig.Data.Clone()
	}
	rt.Data = rt.Data.Merge(job.DataMap{
		trigger.DataFailedTriggerName:  rec.TriggerKey.Name,
		trigger.DataFailedTriggerGroup: rec.TriggerKey.Group,
		trigger.DataFailedFiredTime:    util.ToMillis(rec.FiredAt),
		trigger.DataFailedScheduled:    util.ToMillis(rec.ScheduledAt),
	})
	if err := s.storeTriggerTx(ctx, tx, post, cals, rt, true); err != nil {
		return nil, err
	}
	return &key, nil
}

// RecoverMisfiredTriggers applies the misfire policy to at most max WAITING
// triggers that are past the misfire threshold. hasMore reports that more remain.
func (s *Store) RecoverMisfiredTriggers(ctx context.Context, max int) (count int, hasMore bool, err error) {
	if max < 1 {
		max = s.opts.MaxMisfiresPerScan
	}
	now := s.now()
	cutoff := s.misfire.MisfireTime(now)

	// unlocked check first
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM triggers WHERE trigger_state = ? AND next_fire_time < ? AND misfire_instr != ?`,
		string(trigger.StateWaiting), util.ToMillis(cutoff), int(trigger.MisfireIgnore)).Scan(&n); err != nil {
		return 0, false, s.readErr(err, "count misfired triggers")
	}
	if n == 0 {
		return 0, false, nil
	}

	err = s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		count, hasMore = 0, false
		sts, err := s.queryTriggers(ctx, tx, `
			WHERE trigger_state = ? AND next_fire_time < ? AND misfire_instr != ?
			ORDER BY next_fire_time ASC, priority DESC, trigger_group ASC, trigger_name ASC
			LIMIT ?`,
			string(trigger.StateWaiting), util.ToMillis(cutoff), int(trigger.MisfireIgnore), max+1)
		if err != nil {
			return err
		}
		if len(sts) > max {
			hasMore = true
			sts = sts[:max]
		}
		cals := s.calendarLoader(tx)
		var earliest *int64
		for _, st := range sts {
			cal, err := cals.get(ctx, st.CalendarName)
			if err != nil {
				return err
			}
			if _, err := s.applyMisfire(ctx, tx, post, st, cal, now); err != nil {
				return err
			}
			count++
			if st.NextFireTime != nil {
				ms := util.ToMillis(*st.NextFireTime)
				if earliest == nil || ms < *earliest {
					earliest = &ms
				}
			}
		}
		if earliest != nil {
			next := util.FromMillis(*earliest)
			post.add(func() { s.sig().NotifySchedulingChange(&next) })
		}
		return nil
	})
	return count, hasMore, err
}

package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/pulse/trigger"
)

const firedColumns = `entry_id, instance_id, trigger_name, trigger_group, job_name, job_group,
	state, fired_time, sched_time, priority, is_nonconcurrent, requests_recovery`

func insertFiredRecord(ctx context.Context, tx *sql.Tx, rec *FiredRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fired_triggers (
			entry_id, instance_id, trigger_name, trigger_group, job_name, job_group,
			state, fired_time, sched_time, priority, is_nonconcurrent, requests_recovery
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FireInstanceID, rec.InstanceID, rec.TriggerKey.Name, rec.TriggerKey.Group,
		rec.JobKey.Name, rec.JobKey.Group, string(rec.State),
		util.ToMillis(rec.FiredAt), util.ToMillis(rec.ScheduledAt), rec.Priority,
		rec.ConcurrentExecutionDisallowed, rec.RequestsRecovery,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert firing record for %s", rec.TriggerKey)
	}
	return nil
}

func scanFiredRecord(row rowScanner) (*FiredRecord, error) {
	var rec FiredRecord
	var state string
	var fired, sched int64
	if err := row.Scan(&rec.FireInstanceID, &rec.InstanceID, &rec.TriggerKey.Name, &rec.TriggerKey.Group,
		&rec.JobKey.Name, &rec.JobKey.Group, &state, &fired, &sched, &rec.Priority,
		&rec.ConcurrentExecutionDisallowed, &rec.RequestsRecovery); err != nil {
		return nil, err
	}
	rec.State = trigger.State(state)
	rec.FiredAt = util.FromMillis(fired)
	rec.ScheduledAt = util.FromMillis(sched)
	return &rec, nil
}

func firedRecord(ctx context.Context, q querier, fireInstanceID string) (*FiredRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+firedColumns+` FROM fired_triggers WHERE entry_id = ?`, fireInstanceID)
	rec, err := scanFiredRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("firing record %s", fireInstanceID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read firing record %s", fireInstanceID)
	}
	return rec, nil
}

func queryFiredRecords(ctx context.Context, q querier, where string, args ...any) ([]*FiredRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+firedColumns+` FROM fired_triggers `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query firing records")
	}
	defer rows.Close()

	var out []*FiredRecord
	for rows.Next() {
		rec, err := scanFiredRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan firing record")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func setFiredRecordState(ctx context.Context, tx *sql.Tx, fireInstanceID string, state trigger.State) error {
	if _, err := tx.ExecContext(ctx, `UPDATE fired_triggers SET state = ? WHERE entry_id = ?`,
		string(state), fireInstanceID); err != nil {
		return errors.Wrapf(err, "failed to update firing record %s", fireInstanceID)
	}
	return nil
}

func deleteFiredRecord(ctx context.Context, tx *sql.Tx, fireInstanceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM fired_triggers WHERE entry_id = ?`, fireInstanceID); err != nil {
		return errors.Wrapf(err, "failed to delete firing record %s", fireInstanceID)
	}
	return nil
}

// deleteFiredRecordsForTrigger removes the trigger's firing records in the given states
func deleteFiredRecordsForTrigger(ctx context.Context, tx *sql.Tx, key trigger.Key, states ...trigger.State) error {
	query := `DELETE FROM fired_triggers WHERE trigger_name = ? AND trigger_group = ?`
	args := []any{key.Name, key.Group}
	if len(states) > 0 {
		query += ` AND state IN (?` + repeatPlaceholders(len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "failed to delete firing records of %s", key)
	}
	return nil
}

// FiredRecords returns the live firing records, optionally for one instance
func (s *Store) FiredRecords(ctx context.Context, instanceID string) ([]*FiredRecord, error) {
	where, args := `ORDER BY fired_time, entry_id`, []any(nil)
	if instanceID != "" {
		where, args = `WHERE instance_id = ? ORDER BY fired_time, entry_id`, []any{instanceID}
	}
	recs, err := queryFiredRecords(ctx, s.db, where, args...)
	return recs, s.readErr(err, "list firing records")
}

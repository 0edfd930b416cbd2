package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// StoreJob saves a job. An existing job is a conflict unless replace is set.
func (s *Store) StoreJob(ctx context.Context, d *job.Detail, replace bool) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		return s.storeJobTx(ctx, tx, d, replace)
	})
}

// StoreJobAndTrigger saves a new job and its first trigger atomically
func (s *Store) StoreJobAndTrigger(ctx context.Context, d *job.Detail, tr *trigger.Trigger) error {
	return s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, post *postCommit) error {
		if err := s.storeJobTx(ctx, tx, d, false); err != nil {
			return err
		}
		return s.storeTriggerTx(ctx, tx, post, s.calendarLoader(tx), tr, false)
	})
}

func (s *Store) storeJobTx(ctx context.Context, tx *sql.Tx, d *job.Detail, replace bool) error {
	d.Key = d.Key.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}

	exists, err := jobExists(ctx, tx, d.Key)
	if err != nil {
		return err
	}
	if exists && !replace {
		return errors.NewConflictError("job %s already exists", d.Key)
	}

	data, err := job.EncodeData(d.Data)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			job_name, job_group, description, handler_name, job_data,
			is_durable, is_nonconcurrent, is_update_data, requests_recovery,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_name, job_group) DO UPDATE SET
			description = excluded.description,
			handler_name = excluded.handler_name,
			job_data = excluded.job_data,
			is_durable = excluded.is_durable,
			is_nonconcurrent = excluded.is_nonconcurrent,
			is_update_data = excluded.is_update_data,
			requests_recovery = excluded.requests_recovery,
			updated_at = excluded.updated_at`,
		d.Key.Name, d.Key.Group, d.Description, d.HandlerName, string(data),
		d.Durable, d.ConcurrentExecutionDisallowed, d.PersistDataAfterExecution, d.RequestsRecovery,
		now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to store job %s", d.Key)
	}
	return nil
}

// RemoveJob deletes a job and all of its triggers; false when it did not exist
func (s *Store) RemoveJob(ctx context.Context, key job.Key) (bool, error) {
	key = key.Normalize()
	var removed bool
	err := s.executeInLock(ctx, cluster.LockTriggerAccess, func(ctx context.Context, tx *sql.Tx, _ *postCommit) error {
		keys, err := triggerKeysForJob(ctx, tx, key)
		if err != nil {
			return err
		}
		for _, tk := range keys {
			if _, err := s.removeTriggerTx(ctx, tx, tk, false); err != nil {
				return err
			}
		}
		removed, err = deleteJob(ctx, tx, key)
		return err
	})
	return removed, err
}

// RetrieveJob returns a job or a not-found error
func (s *Store) RetrieveJob(ctx context.Context, key job.Key) (*job.Detail, error) {
	d, err := retrieveJob(ctx, s.db, key.Normalize())
	return d, s.readErr(err, "retrieve job")
}

// CheckJobExists reports whether a job is stored
func (s *Store) CheckJobExists(ctx context.Context, key job.Key) (bool, error) {
	ok, err := jobExists(ctx, s.db, key.Normalize())
	return ok, s.readErr(err, "check job")
}

// GetJobKeys lists job keys, optionally restricted to one group
func (s *Store) GetJobKeys(ctx context.Context, group string) ([]job.Key, error) {
	query := `SELECT job_name, job_group FROM jobs`
	var args []any
	if group != "" {
		query += ` WHERE job_group = ?`
		args = append(args, group)
	}
	query += ` ORDER BY job_group, job_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.readErr(err, "list jobs")
	}
	defer rows.Close()

	var keys []job.Key
	for rows.Next() {
		var k job.Key
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, errors.Wrap(err, "failed to scan job key")
		}
		keys = append(keys, k)
	}
	return keys, s.readErr(rows.Err(), "list jobs")
}

// GetJobGroupNames lists the distinct job groups
func (s *Store) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT job_group FROM jobs ORDER BY job_group`)
}

func (s *Store) distinct(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.readErr(err, "query")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan")
		}
		out = append(out, v)
	}
	return out, s.readErr(rows.Err(), "query")
}

func retrieveJob(ctx context.Context, q querier, key job.Key) (*job.Detail, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group)
	d, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to retrieve job %s", key)
	}
	return d, nil
}

func jobExists(ctx context.Context, q querier, key job.Key) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check job %s", key)
	}
	return n > 0, nil
}

func deleteJob(ctx context.Context, tx *sql.Tx, key job.Key) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_name = ? AND job_group = ?`, key.Name, key.Group)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %s", key)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// deleteOrphanedJob removes a non-durable job once it has no triggers left
func deleteOrphanedJob(ctx context.Context, tx *sql.Tx, key job.Key) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE job_name = ? AND job_group = ? AND is_durable = 0
		  AND NOT EXISTS (SELECT 1 FROM triggers t WHERE t.job_name = jobs.job_name AND t.job_group = jobs.job_group)`,
		key.Name, key.Group)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete orphaned job %s", key)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// isJobExecuting reports whether any firing record of the job is EXECUTING
func isJobExecuting(ctx context.Context, q querier, key job.Key) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fired_triggers
		WHERE job_name = ? AND job_group = ? AND state = ?`,
		key.Name, key.Group, string(trigger.StateExecuting)).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check executions of %s", key)
	}
	return n > 0, nil
}

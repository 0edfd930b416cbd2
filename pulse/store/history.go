package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

const historyColumns = `fire_instance_id, instance_id, trigger_name, trigger_group, job_name, job_group,
	scheduled_at, fired_at, completed_at, duration_ms, outcome, error_message,
	trigger_state, data, recovering`

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var r ExecutionRecord
	var scheduled, fired, completed int64
	var outcome, state, data string
	var errMsg sql.NullString
	if err := row.Scan(&r.FireInstanceID, &r.InstanceID, &r.TriggerKey.Name, &r.TriggerKey.Group,
		&r.JobKey.Name, &r.JobKey.Group, &scheduled, &fired, &completed, &r.DurationMs,
		&outcome, &errMsg, &state, &data, &r.Recovering); err != nil {
		return nil, err
	}
	m, err := job.DecodeData([]byte(data))
	if err != nil {
		return nil, errors.Wrapf(err, "execution %s", r.FireInstanceID)
	}
	r.ScheduledAt = util.FromMillis(scheduled)
	r.FiredAt = util.FromMillis(fired)
	r.CompletedAt = util.FromMillis(completed)
	r.Outcome = job.Outcome(outcome)
	r.ErrorMessage = errMsg.String
	r.TriggerState = trigger.State(state)
	r.Data = m
	return &r, nil
}

// GetExecution returns one execution record or a not-found error
func (s *Store) GetExecution(ctx context.Context, fireInstanceID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM execution_history WHERE fire_instance_id = ?`, fireInstanceID)
	r, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("execution %s", fireInstanceID)
	}
	if err != nil {
		return nil, s.readErr(errors.Wrap(err, "failed to get execution"), "get execution")
	}
	return r, nil
}

// ListExecutions returns a page of executions, newest first, with the total
// count. An empty job key lists every job; outcome filters when set.
func (s *Store) ListExecutions(ctx context.Context, jobKey job.Key, outcome job.Outcome, limit, offset int) ([]*ExecutionRecord, int, error) {
	baseQuery := ` FROM execution_history WHERE 1 = 1`
	var args []any
	if jobKey.Name != "" {
		jobKey = jobKey.Normalize()
		baseQuery += ` AND job_name = ? AND job_group = ?`
		args = append(args, jobKey.Name, jobKey.Group)
	}
	if outcome != "" {
		baseQuery += ` AND outcome = ?`
		args = append(args, string(outcome))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, s.readErr(errors.Wrap(err, "failed to count executions"), "count executions")
	}

	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + historyColumns + baseQuery + ` ORDER BY fired_at DESC, fire_instance_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, s.readErr(errors.Wrap(err, "failed to list executions"), "list executions")
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, r)
	}
	return out, total, s.readErr(rows.Err(), "list executions")
}

// CleanupOldExecutions deletes execution records completed more than
// retentionDays ago and returns how many were removed. Zero keeps everything.
func (s *Store) CleanupOldExecutions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_history WHERE completed_at < ?`, util.ToMillis(cutoff))
	if err != nil {
		return 0, s.readErr(errors.Wrap(err, "failed to cleanup old executions"), "cleanup executions")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

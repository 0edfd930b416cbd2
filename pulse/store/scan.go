package store

import (
	"context"
	"database/sql"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/util"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

const jobColumns = `job_name, job_group, description, handler_name, job_data,
	is_durable, is_nonconcurrent, is_update_data, requests_recovery`

const triggerColumns = `trigger_name, trigger_group, job_name, job_group, description,
	next_fire_time, prev_fire_time, priority, trigger_state, schedule_kind, schedule_data,
	start_time, end_time, calendar_name, misfire_instr, times_triggered, job_data, pause_requested`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Detail, error) {
	var d job.Detail
	var data string
	if err := row.Scan(&d.Key.Name, &d.Key.Group, &d.Description, &d.HandlerName, &data,
		&d.Durable, &d.ConcurrentExecutionDisallowed, &d.PersistDataAfterExecution, &d.RequestsRecovery); err != nil {
		return nil, err
	}
	m, err := job.DecodeData([]byte(data))
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", d.Key)
	}
	d.Data = m
	return &d, nil
}

// storedTrigger is a trigger row plus flags the domain type does not carry
type storedTrigger struct {
	*trigger.Trigger
	PauseRequested bool
}

func scanTrigger(row rowScanner) (*storedTrigger, error) {
	tr := &trigger.Trigger{}
	var (
		next, prev, end sql.NullInt64
		start           int64
		state, kind     string
		schedData, data string
		calName         sql.NullString
		misfireInstr    int
		pauseRequested  bool
	)
	if err := row.Scan(&tr.Key.Name, &tr.Key.Group, &tr.JobKey.Name, &tr.JobKey.Group, &tr.Description,
		&next, &prev, &tr.Priority, &state, &kind, &schedData,
		&start, &end, &calName, &misfireInstr, &tr.TimesTriggered, &data, &pauseRequested); err != nil {
		return nil, err
	}

	sched, err := trigger.DecodeSchedule(kind, []byte(schedData))
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s", tr.Key)
	}
	m, err := job.DecodeData([]byte(data))
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s", tr.Key)
	}

	tr.Schedule = sched
	tr.Data = m
	tr.State = trigger.State(state)
	tr.MisfireInstruction = trigger.MisfireInstruction(misfireInstr)
	tr.CalendarName = calName.String
	tr.StartTime = util.FromMillis(start)
	tr.EndTime = util.FromNullMillis(end)
	tr.NextFireTime = util.FromNullMillis(next)
	tr.PreviousFireTime = util.FromNullMillis(prev)
	return &storedTrigger{Trigger: tr, PauseRequested: pauseRequested}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// calendars decodes stored calendars once per transaction
type calendars struct {
	q     querier
	codec *calendar.Codec
	memo  map[string]calendar.Calendar
}

func (s *Store) calendarLoader(q querier) *calendars {
	return &calendars{q: q, codec: s.codec, memo: map[string]calendar.Calendar{}}
}

// get returns the named calendar; an empty name yields nil
func (c *calendars) get(ctx context.Context, name string) (calendar.Calendar, error) {
	if name == "" {
		return nil, nil
	}
	if cal, ok := c.memo[name]; ok {
		return cal, nil
	}
	var raw string
	err := c.q.QueryRowContext(ctx, `SELECT calendar FROM calendars WHERE calendar_name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("calendar %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load calendar %q", name)
	}
	cal, err := c.codec.Decode([]byte(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "decode calendar %q", name)
	}
	c.memo[name] = cal
	return cal, nil
}

// put replaces a memoized calendar
func (c *calendars) put(name string, cal calendar.Calendar) {
	c.memo[name] = cal
}

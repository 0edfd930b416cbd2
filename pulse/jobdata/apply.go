package jobdata

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// Scheduler is what Apply needs from *scheduler.Scheduler
type Scheduler interface {
	AddCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error
	GetCalendar(ctx context.Context, name string) (calendar.Calendar, error)
	AddJob(ctx context.Context, d *job.Detail, replace bool) error
	GetJobDetail(ctx context.Context, key job.Key) (*job.Detail, error)
	DeleteJob(ctx context.Context, key job.Key) (bool, error)
	ScheduleJob(ctx context.Context, d *job.Detail, tr *trigger.Trigger) (time.Time, error)
	ScheduleTrigger(ctx context.Context, tr *trigger.Trigger) (time.Time, error)
	RescheduleJob(ctx context.Context, key trigger.Key, tr *trigger.Trigger) (*time.Time, error)
	GetTrigger(ctx context.Context, key trigger.Key) (*trigger.Trigger, error)
	UnscheduleJob(ctx context.Context, key trigger.Key) (bool, error)
}

// ApplyOptions controls how existing records are treated
type ApplyOptions struct {
	// Overwrite replaces existing jobs, triggers and calendars; otherwise
	// they are left alone
	Overwrite bool
	Logger    *zap.SugaredLogger
}

// Result counts what Apply did
type Result struct {
	Removed   int `json:"removed"`
	Calendars int `json:"calendars"`
	Jobs      int `json:"jobs"`
	Triggers  int `json:"triggers"`
	Skipped   int `json:"skipped"`
}

// Apply stores p in s. It stops at the first error; records stored before
// that error stay stored.
func Apply(ctx context.Context, s Scheduler, p *Plan, opts ApplyOptions) (Result, error) {
	log := logger.OrNop(opts.Logger).Named("jobdata")
	var res Result

	for _, key := range p.RemoveTriggers {
		ok, err := s.UnscheduleJob(ctx, key)
		if err != nil {
			return res, errors.Wrapf(err, "remove trigger %s", key)
		}
		if ok {
			res.Removed++
		}
	}
	for _, key := range p.RemoveJobs {
		ok, err := s.DeleteJob(ctx, key)
		if err != nil {
			return res, errors.Wrapf(err, "remove job %s", key)
		}
		if ok {
			res.Removed++
		}
	}

	for _, nc := range p.Calendars {
		exists, err := found(s.GetCalendar(ctx, nc.Name))
		if err != nil {
			return res, err
		}
		if exists && !opts.Overwrite {
			log.Debugw("Calendar exists, keeping it", logger.FieldCalendar, nc.Name)
			res.Skipped++
			continue
		}
		if err := s.AddCalendar(ctx, nc.Name, nc.Calendar, exists, true); err != nil {
			return res, errors.Wrapf(err, "calendar %q", nc.Name)
		}
		res.Calendars++
	}

	scheduled := make(map[trigger.Key]bool, len(p.Triggers))
	for _, d := range p.Jobs {
		exists, err := found(s.GetJobDetail(ctx, d.Key))
		if err != nil {
			return res, err
		}
		triggers := p.TriggersFor(d.Key)

		switch {
		case exists && !opts.Overwrite:
			log.Debugw("Job exists, keeping it", logger.FieldJobKey, d.Key.String())
			res.Skipped++
		case exists:
			if err := s.AddJob(ctx, d, true); err != nil {
				return res, errors.Wrapf(err, "job %s", d.Key)
			}
			res.Jobs++
		case len(triggers) > 0:
			// a new job goes in with its first trigger so a non-durable job is never stored alone
			if _, err := s.ScheduleJob(ctx, d, triggers[0]); err != nil {
				return res, errors.Wrapf(err, "job %s", d.Key)
			}
			scheduled[triggers[0].Key] = true
			res.Jobs++
			res.Triggers++
		default:
			if err := s.AddJob(ctx, d, false); err != nil {
				return res, errors.Wrapf(err, "job %s", d.Key)
			}
			res.Jobs++
		}
	}

	for _, tr := range p.Triggers {
		if scheduled[tr.Key] {
			continue
		}
		exists, err := found(s.GetTrigger(ctx, tr.Key))
		if err != nil {
			return res, err
		}
		switch {
		case exists && !opts.Overwrite:
			log.Debugw("Trigger exists, keeping it", logger.FieldTriggerKey, tr.Key.String())
			res.Skipped++
			continue
		case exists:
			if _, err := s.RescheduleJob(ctx, tr.Key, tr); err != nil {
				return res, errors.Wrapf(err, "trigger %s", tr.Key)
			}
		default:
			if _, err := s.ScheduleTrigger(ctx, tr); err != nil {
				return res, errors.Wrapf(err, "trigger %s", tr.Key)
			}
		}
		res.Triggers++
	}

	log.Infow("Scheduling data applied",
		"removed", res.Removed,
		"calendars", res.Calendars,
		"jobs", res.Jobs,
		"triggers", res.Triggers,
		"skipped", res.Skipped)
	return res, nil
}

// ApplyFile loads, builds and applies the file at path
func ApplyFile(ctx context.Context, s Scheduler, path string, opts ApplyOptions) (Result, error) {
	f, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	p, err := f.Build(time.Now())
	if err != nil {
		return Result{}, errors.Wrapf(err, "scheduling data %s", path)
	}
	return Apply(ctx, s, p, opts)
}

// found turns a lookup into an existence check
func found[T any](_ T, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.IsNotFoundError(err):
		return false, nil
	}
	return false, err
}

package jobdata

import (
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// Plan is a File turned into scheduler values
type Plan struct {
	RemoveJobs     []job.Key
	RemoveTriggers []trigger.Key
	Calendars      []NamedCalendar
	Jobs           []*job.Detail
	Triggers       []*trigger.Trigger
}

// NamedCalendar pairs a calendar with the name it is stored under
type NamedCalendar struct {
	Name     string
	Calendar calendar.Calendar
}

// TriggersFor returns the planned triggers of key, in file order
func (p *Plan) TriggersFor(key job.Key) []*trigger.Trigger {
	var out []*trigger.Trigger
	for _, tr := range p.Triggers {
		if tr.JobKey == key.Normalize() {
			out = append(out, tr)
		}
	}
	return out
}

// Build validates f and converts it. Triggers without a start time start at now.
func (f *File) Build(now time.Time) (*Plan, error) {
	p := &Plan{}

	for _, s := range f.RemoveJobs {
		p.RemoveJobs = append(p.RemoveJobs, job.ParseKey(s))
	}
	for _, s := range f.RemoveTriggers {
		p.RemoveTriggers = append(p.RemoveTriggers, trigger.ParseKey(s))
	}

	cals, err := buildCalendars(f.Calendars)
	if err != nil {
		return nil, err
	}
	p.Calendars = cals

	seenJobs := make(map[job.Key]bool, len(f.Jobs))
	for i := range f.Jobs {
		d, err := f.Jobs[i].build()
		if err != nil {
			return nil, err
		}
		if seenJobs[d.Key] {
			return nil, errors.NewConfigurationError("job %s is defined twice", d.Key)
		}
		seenJobs[d.Key] = true
		p.Jobs = append(p.Jobs, d)
	}

	seenTriggers := make(map[trigger.Key]bool, len(f.Triggers))
	for i := range f.Triggers {
		tr, err := f.Triggers[i].build(now)
		if err != nil {
			return nil, err
		}
		if seenTriggers[tr.Key] {
			return nil, errors.NewConfigurationError("trigger %s is defined twice", tr.Key)
		}
		seenTriggers[tr.Key] = true
		p.Triggers = append(p.Triggers, tr)
	}
	return p, nil
}

func (s *JobSpec) build() (*job.Detail, error) {
	data, err := normalizeData(s.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", s.Name)
	}
	d := &job.Detail{
		Key:                           job.NewKey(s.Name, s.Group).Normalize(),
		Description:                   s.Description,
		HandlerName:                   s.Handler,
		Data:                          data,
		Durable:                       s.Durable,
		ConcurrentExecutionDisallowed: s.NonConcurrent,
		PersistDataAfterExecution:     s.PersistData,
		RequestsRecovery:              s.RequestsRecovery,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *TriggerSpec) build(now time.Time) (*trigger.Trigger, error) {
	key := trigger.NewKey(s.Name, s.Group)
	if strings.TrimSpace(s.Job) == "" {
		return nil, errors.NewConfigurationError("trigger %s: job is required", key)
	}

	loc, err := location(s.TimeZone)
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s", key)
	}
	sched, err := s.schedule(loc)
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s", key)
	}

	start := now
	if s.Start != "" {
		if start, err = parseTime(s.Start); err != nil {
			return nil, errors.Wrapf(err, "trigger %s start", key)
		}
	}

	tr := trigger.New(key, job.ParseKey(s.Job), sched, start)
	tr.Description = s.Description
	tr.CalendarName = s.Calendar
	if s.Priority != nil {
		tr.Priority = *s.Priority
	}
	if tr.MisfireInstruction, err = trigger.ParseMisfireInstruction(s.Misfire); err != nil {
		return nil, errors.Wrapf(err, "trigger %s", key)
	}
	if s.End != "" {
		end, err := parseTime(s.End)
		if err != nil {
			return nil, errors.Wrapf(err, "trigger %s end", key)
		}
		tr.EndTime = &end
	}
	if tr.Data, err = normalizeData(s.Data); err != nil {
		return nil, errors.Wrapf(err, "trigger %s", key)
	}

	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return tr, nil
}

// schedule picks the one schedule the entry describes
func (s *TriggerSpec) schedule(loc *time.Location) (trigger.Schedule, error) {
	kinds := 0
	for _, set := range []bool{s.Interval != "", s.Cron != "", s.Every > 0 || s.Unit != ""} {
		if set {
			kinds++
		}
	}
	if kinds > 1 {
		return nil, errors.NewConfigurationError("only one of interval, cron or every/unit may be set")
	}

	switch {
	case s.Cron != "":
		return trigger.NewCronSchedule(s.Cron, loc)
	case s.Every > 0 || s.Unit != "":
		return trigger.NewCalendarIntervalSchedule(trigger.IntervalUnit(strings.ToLower(s.Unit)), s.Every, loc)
	case s.Interval != "":
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return nil, errors.NewConfigurationError("invalid interval %q: %v", s.Interval, err)
		}
		if s.Repeat == nil || *s.Repeat < 0 {
			return trigger.Every(d), nil
		}
		return trigger.EveryN(d, *s.Repeat), nil
	}
	if s.Repeat != nil && *s.Repeat > 0 {
		return nil, errors.NewConfigurationError("repeat needs an interval")
	}
	return trigger.Once(), nil
}

// buildCalendars resolves base references inside the file. Bases are copied
// into each calendar that names them.
func buildCalendars(specs []CalendarSpec) ([]NamedCalendar, error) {
	byName := make(map[string]*CalendarSpec, len(specs))
	for i := range specs {
		name := specs[i].Name
		if strings.TrimSpace(name) == "" {
			return nil, errors.NewConfigurationError("calendar name is required")
		}
		if _, dup := byName[name]; dup {
			return nil, errors.NewConfigurationError("calendar %q is defined twice", name)
		}
		byName[name] = &specs[i]
	}

	var resolve func(name string, visiting map[string]bool) (calendar.Calendar, error)
	resolve = func(name string, visiting map[string]bool) (calendar.Calendar, error) {
		spec, ok := byName[name]
		if !ok {
			return nil, errors.NewConfigurationError("base calendar %q is not defined in this file", name)
		}
		if visiting[name] {
			return nil, errors.NewConfigurationError("calendar %q has a circular base", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		cal, err := spec.build()
		if err != nil {
			return nil, errors.Wrapf(err, "calendar %q", name)
		}
		if spec.Base != "" {
			base, err := resolve(spec.Base, visiting)
			if err != nil {
				return nil, err
			}
			cal.SetBase(base)
		}
		return cal, nil
	}

	out := make([]NamedCalendar, 0, len(specs))
	for _, spec := range specs {
		cal, err := resolve(spec.Name, map[string]bool{})
		if err != nil {
			return nil, err
		}
		out = append(out, NamedCalendar{Name: spec.Name, Calendar: cal})
	}
	return out, nil
}

func (s *CalendarSpec) build() (calendar.Calendar, error) {
	loc, err := location(s.TimeZone)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(s.Type) {
	case calendar.TypeWeekly:
		days := make([]time.Weekday, 0, len(s.Days))
		for _, name := range s.Days {
			d, err := parseWeekday(name)
			if err != nil {
				return nil, err
			}
			days = append(days, d)
		}
		c, err := calendar.NewWeeklyCalendar(loc, days...)
		if err != nil {
			return nil, err
		}
		c.Desc = s.Description
		return c, nil

	case calendar.TypeHoliday:
		c := calendar.NewHolidayCalendar(loc)
		for _, date := range s.Dates {
			t, err := time.ParseInLocation("2006-01-02", date, loc)
			if err != nil {
				return nil, errors.NewConfigurationError("invalid date %q (want YYYY-MM-DD)", date)
			}
			c.AddExcludedDate(t)
		}
		c.Desc = s.Description
		return c, nil

	case calendar.TypeDaily:
		start, err := parseClock(s.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(s.End)
		if err != nil {
			return nil, err
		}
		c, err := calendar.NewDailyCalendar(start, end, loc)
		if err != nil {
			return nil, err
		}
		c.Invert = s.Invert
		c.Desc = s.Description
		return c, nil

	case calendar.TypeRange:
		c := calendar.NewRangeCalendar()
		for _, r := range s.Ranges {
			start, err := parseTime(r.Start)
			if err != nil {
				return nil, err
			}
			end, err := parseTime(r.End)
			if err != nil {
				return nil, err
			}
			if !end.After(start) {
				return nil, errors.NewConfigurationError("range [%s, %s) is empty", r.Start, r.End)
			}
			c.Exclude(start, end)
		}
		c.Desc = s.Description
		return c, nil
	}
	return nil, errors.NewConfigurationError("unknown calendar type %q (want weekly, holiday, daily or range)", s.Type)
}

// normalizeData round-trips through the stored encoding so integers decoded
// from YAML or TOML arrive as int64 like everywhere else
func normalizeData(m map[string]any) (job.DataMap, error) {
	if len(m) == 0 {
		return job.DataMap{}, nil
	}
	enc, err := job.EncodeData(job.DataMap(m))
	if err != nil {
		return nil, err
	}
	return job.DecodeData(enc)
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.NewConfigurationError("unknown time zone %q", name)
	}
	return loc, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.NewConfigurationError("invalid time %q (want RFC 3339)", s)
	}
	return t, nil
}

// parseClock turns HH:MM or HH:MM:SS into an offset from midnight; "24:00" is
// the end of the day
func parseClock(s string) (time.Duration, error) {
	if s == "24:00" || s == "24:00:00" {
		return 24 * time.Hour, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, errors.NewConfigurationError("invalid time of day %q (want HH:MM or HH:MM:SS)", s)
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, errors.NewConfigurationError("unknown weekday %q", s)
}

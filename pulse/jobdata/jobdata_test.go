package jobdata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tempo/errors"
	tempotest "github.com/teranos/tempo/internal/testing"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/pulse/trigger"
)

const sampleTOML = `
remove_jobs = ["old.cleanup"]

[[calendar]]
name = "weekends"
type = "weekly"
days = ["saturday", "sun"]

[[calendar]]
name = "office-hours"
type = "daily"
start = "09:00"
end = "17:30"
invert = true
base = "weekends"

[[job]]
name = "nightly-report"
group = "reports"
handler = "noop"
durable = true
data = { recipients = 3, title = "Nightly" }

[[job]]
name = "ping"
handler = "noop"

[[trigger]]
name = "nightly"
group = "reports"
job = "reports.nightly-report"
cron = "0 0 2 * * *"
calendar = "weekends"
misfire = "skip-to-next"
priority = 8

[[trigger]]
name = "ping-every-minute"
job = "ping"
interval = "1m"
repeat = 10
start = "2030-01-01T00:00:00Z"
data = { attempt = 1 }
`

const sampleYAML = `
calendars:
  - name: freeze
    type: range
    ranges:
      - start: "2030-12-20T00:00:00Z"
        end: "2031-01-02T00:00:00Z"
  - name: holidays
    type: holiday
    time_zone: Europe/Amsterdam
    dates: ["2030-12-25", "2030-12-26"]
jobs:
  - name: sync
    handler: noop
    non_concurrent: true
    requests_recovery: true
    data:
      batch: 50
triggers:
  - name: monthly
    job: sync
    every: 1
    unit: month
    calendar: holidays
`

func TestParse_TOML(t *testing.T) {
	f, err := Parse([]byte(sampleTOML), FormatTOML)
	require.NoError(t, err)

	assert.Equal(t, []string{"old.cleanup"}, f.RemoveJobs)
	require.Len(t, f.Calendars, 2)
	require.Len(t, f.Jobs, 2)
	require.Len(t, f.Triggers, 2)
	assert.Equal(t, "weekends", f.Calendars[1].Base)
	assert.Equal(t, "reports.nightly-report", f.Triggers[0].Job)
	require.NotNil(t, f.Triggers[0].Priority)
	assert.Equal(t, 8, *f.Triggers[0].Priority)
}

func TestParse_YAML(t *testing.T) {
	f, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	require.Len(t, f.Calendars, 2)
	assert.True(t, f.Jobs[0].NonConcurrent)
	assert.Equal(t, "month", f.Triggers[0].Unit)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("[[job]]\nname = \"x\"\nhandlr = \"noop\"\n"), FormatTOML)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	_, err = Parse([]byte("jobs:\n  - name: x\n    handlr: noop\n"), FormatYAML)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestParse_EmptyYAML(t *testing.T) {
	f, err := Parse(nil, FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, f.Jobs)
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]Format{"a.toml": FormatTOML, "b.YAML": FormatYAML, "c.yml": FormatYAML} {
		got, err := FormatOf(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
	_, err := FormatOf("jobs.json")
	assert.True(t, errors.IsConfigurationError(err))
}

func TestBuild_TOML(t *testing.T) {
	f, err := Parse([]byte(sampleTOML), FormatTOML)
	require.NoError(t, err)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	p, err := f.Build(now)
	require.NoError(t, err)

	assert.Equal(t, []job.Key{job.NewKey("cleanup", "old")}, p.RemoveJobs)

	require.Len(t, p.Calendars, 2)
	office := p.Calendars[1].Calendar
	assert.Equal(t, calendar.TypeDaily, office.Type())
	require.NotNil(t, office.Base())
	assert.Equal(t, calendar.TypeWeekly, office.Base().Type())
	saturdayNoon := time.Date(2030, 1, 5, 12, 0, 0, 0, time.UTC)
	wednesdayNoon := time.Date(2030, 1, 2, 12, 0, 0, 0, time.UTC)
	wednesdayNight := time.Date(2030, 1, 2, 22, 0, 0, 0, time.UTC)
	assert.False(t, office.IsTimeIncluded(saturdayNoon))
	assert.True(t, office.IsTimeIncluded(wednesdayNoon))
	assert.False(t, office.IsTimeIncluded(wednesdayNight))

	report := p.Jobs[0]
	assert.Equal(t, job.NewKey("nightly-report", "reports"), report.Key)
	assert.True(t, report.Durable)
	n, ok := report.Data.GetInt("recipients")
	require.True(t, ok)
	assert.EqualValues(t, 3, n)

	nightly := p.TriggersFor(report.Key)
	require.Len(t, nightly, 1)
	assert.Equal(t, trigger.KindCron, nightly[0].Schedule.Kind())
	assert.Equal(t, trigger.MisfireSkipToNext, nightly[0].MisfireInstruction)
	assert.Equal(t, 8, nightly[0].Priority)
	assert.Equal(t, now, nightly[0].StartTime, "start defaults to now")

	ping := p.TriggersFor(job.NewKey("ping", ""))
	require.Len(t, ping, 1)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), ping[0].StartTime)
	assert.Equal(t, trigger.EveryN(time.Minute, 10), ping[0].Schedule)
}

func TestBuild_YAML(t *testing.T) {
	f, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	p, err := f.Build(time.Now())
	require.NoError(t, err)

	assert.Equal(t, calendar.TypeRange, p.Calendars[0].Calendar.Type())
	assert.False(t, p.Calendars[0].Calendar.IsTimeIncluded(time.Date(2030, 12, 24, 0, 0, 0, 0, time.UTC)))

	n, ok := p.Jobs[0].Data.GetInt("batch")
	require.True(t, ok, "yaml ints arrive as int64")
	assert.EqualValues(t, 50, n)
	assert.Equal(t, trigger.KindCalendarInterval, p.Triggers[0].Schedule.Kind())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		file File
	}{
		{"two schedules", File{Triggers: []TriggerSpec{{Name: "t", Job: "j", Interval: "1m", Cron: "* * * * *"}}}},
		{"bad interval", File{Triggers: []TriggerSpec{{Name: "t", Job: "j", Interval: "soon"}}}},
		{"repeat without interval", File{Triggers: []TriggerSpec{{Name: "t", Job: "j", Repeat: intPtr(3)}}}},
		{"trigger without job", File{Triggers: []TriggerSpec{{Name: "t", Interval: "1m"}}}},
		{"bad misfire", File{Triggers: []TriggerSpec{{Name: "t", Job: "j", Misfire: "whenever"}}}},
		{"bad start", File{Triggers: []TriggerSpec{{Name: "t", Job: "j", Start: "tomorrow"}}}},
		{"job without handler", File{Jobs: []JobSpec{{Name: "j"}}}},
		{"duplicate job", File{Jobs: []JobSpec{{Name: "j", Handler: "noop"}, {Name: "j", Handler: "noop"}}}},
		{"unknown calendar type", File{Calendars: []CalendarSpec{{Name: "c", Type: "lunar"}}}},
		{"unknown weekday", File{Calendars: []CalendarSpec{{Name: "c", Type: "weekly", Days: []string{"caturday"}}}}},
		{"circular base", File{Calendars: []CalendarSpec{
			{Name: "a", Type: "weekly", Days: []string{"sat"}, Base: "b"},
			{Name: "b", Type: "weekly", Days: []string{"sun"}, Base: "a"},
		}}},
		{"missing base", File{Calendars: []CalendarSpec{{Name: "a", Type: "weekly", Base: "nope"}}}},
		{"empty range", File{Calendars: []CalendarSpec{{Name: "a", Type: "range", Ranges: []RangeSpec{
			{Start: "2030-01-02T00:00:00Z", End: "2030-01-01T00:00:00Z"},
		}}}}},
		{"bad daily window", File{Calendars: []CalendarSpec{{Name: "a", Type: "daily", Start: "18:00", End: "09:00"}}}},
		{"unknown zone", File{Calendars: []CalendarSpec{{Name: "a", Type: "weekly", TimeZone: "Mars/Olympus"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.file.Build(time.Now())
			require.Error(t, err)
			assert.True(t, errors.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := parseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)

	d, err = parseClock("23:59:30")
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour+59*time.Minute+30*time.Second, d)

	d, err = parseClock("24:00")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	_, err = parseClock("noon")
	assert.Error(t, err)
}

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	cfg := scheduler.DefaultConfig()
	cfg.InstanceID = "node-a"
	cfg.MisfireScanInterval = 0
	cfg.HistoryRetentionDays = 0
	s, err := scheduler.New(cfg, scheduler.Deps{
		DB:         tempotest.CreateTestDB(t),
		Logger:     zaptest.NewLogger(t).Sugar(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	s.Registry().RegisterFunc("noop", func(context.Context, *scheduler.ExecutionContext) error { return nil })
	t.Cleanup(func() { s.Shutdown(false) })
	return s
}

func buildSample(t *testing.T, src string, format Format) *Plan {
	t.Helper()
	f, err := Parse([]byte(src), format)
	require.NoError(t, err)
	p, err := f.Build(time.Now())
	require.NoError(t, err)
	return p
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)

	res, err := Apply(ctx, s, buildSample(t, sampleTOML, FormatTOML), ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Calendars: 2, Jobs: 2, Triggers: 2}, res)

	names, err := s.GetCalendarNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"weekends", "office-hours"}, names)

	tr, err := s.GetTrigger(ctx, trigger.NewKey("nightly", "reports"))
	require.NoError(t, err)
	assert.Equal(t, "weekends", tr.CalendarName)
	state, err := s.GetTriggerState(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, state)

	ping, err := s.GetJobDetail(ctx, job.NewKey("ping", ""))
	require.NoError(t, err)
	assert.False(t, ping.Durable, "non-durable job stored with its trigger")
}

func TestApply_KeepsExistingWithoutOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)
	p := buildSample(t, sampleTOML, FormatTOML)

	_, err := Apply(ctx, s, p, ApplyOptions{})
	require.NoError(t, err)

	res, err := Apply(ctx, s, p, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 6}, res)
}

func TestApply_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)

	_, err := Apply(ctx, s, buildSample(t, sampleTOML, FormatTOML), ApplyOptions{})
	require.NoError(t, err)

	changed := buildSample(t, sampleTOML, FormatTOML)
	changed.Jobs[1].Description = "updated"
	changed.Triggers[0].Priority = 1

	res, err := Apply(ctx, s, changed, ApplyOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, Result{Calendars: 2, Jobs: 2, Triggers: 2}, res)

	ping, err := s.GetJobDetail(ctx, job.NewKey("ping", ""))
	require.NoError(t, err)
	assert.Equal(t, "updated", ping.Description)

	tr, err := s.GetTrigger(ctx, trigger.NewKey("nightly", "reports"))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Priority)
}

func TestApply_Removes(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)

	old := &job.Detail{Key: job.NewKey("cleanup", "old"), HandlerName: "noop", Durable: true}
	require.NoError(t, s.AddJob(ctx, old, false))

	res, err := Apply(ctx, s, buildSample(t, sampleTOML, FormatTOML), ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	_, err = s.GetJobDetail(ctx, old.Key)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestApply_UnknownHandler(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)

	p := buildSample(t, "[[job]]\nname = \"x\"\nhandler = \"missing\"\ndurable = true\n", FormatTOML)
	_, err := Apply(ctx, s, p, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestApplyFile_YAML(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	res, err := ApplyFile(ctx, s, path, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Calendars: 2, Jobs: 1, Triggers: 1}, res)

	d, err := s.GetJobDetail(ctx, job.NewKey("sync", ""))
	require.NoError(t, err)
	assert.True(t, d.ConcurrentExecutionDisallowed)
	assert.True(t, d.RequestsRecovery)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[job]]\nname = \"a\"\nhandler = \"noop\"\n"), 0o644))

	w, err := NewWatcher(path, 20*time.Millisecond, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *File, 4)
	w.OnReload(func(f *File) error {
		reloaded <- f
		return nil
	})
	w.Start()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("x = 1"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("[[job]]\nname = \"b\"\nhandler = \"noop\"\n"), 0o644))

	select {
	case f := <-reloaded:
		require.Len(t, f.Jobs, 1)
		assert.Equal(t, "b", f.Jobs[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w, err := NewWatcher(path, 0, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func intPtr(n int) *int { return &n }

// Package jobdata loads jobs, triggers and calendars from a scheduling-data
// file and applies them to a scheduler.
//
// Files are TOML or YAML, chosen by extension:
//
//	[[calendar]]
//	name = "weekends"
//	type = "weekly"
//	days = ["saturday", "sunday"]
//
//	[[job]]
//	name = "nightly-report"
//	group = "reports"
//	handler = "log"
//	durable = true
//	data = { message = "report time" }
//
//	[[trigger]]
//	name = "nightly"
//	group = "reports"
//	job = "reports.nightly-report"
//	cron = "0 0 2 * * *"
//	calendar = "weekends"
//
// A trigger carries exactly one schedule: interval (with optional repeat),
// cron, or every + unit.
package jobdata

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/tempo/errors"
)

// File is the decoded content of a scheduling-data file
type File struct {
	// RemoveJobs and RemoveTriggers are deleted before anything is scheduled
	RemoveJobs     []string `toml:"remove_jobs" yaml:"remove_jobs"`
	RemoveTriggers []string `toml:"remove_triggers" yaml:"remove_triggers"`

	Calendars []CalendarSpec `toml:"calendar" yaml:"calendars"`
	Jobs      []JobSpec      `toml:"job" yaml:"jobs"`
	Triggers  []TriggerSpec  `toml:"trigger" yaml:"triggers"`
}

// JobSpec describes one job
type JobSpec struct {
	Name             string         `toml:"name" yaml:"name"`
	Group            string         `toml:"group" yaml:"group"`
	Description      string         `toml:"description" yaml:"description"`
	Handler          string         `toml:"handler" yaml:"handler"`
	Durable          bool           `toml:"durable" yaml:"durable"`
	NonConcurrent    bool           `toml:"non_concurrent" yaml:"non_concurrent"`
	PersistData      bool           `toml:"persist_data" yaml:"persist_data"`
	RequestsRecovery bool           `toml:"requests_recovery" yaml:"requests_recovery"`
	Data             map[string]any `toml:"data" yaml:"data"`
}

// TriggerSpec describes one trigger. Times are RFC 3339.
type TriggerSpec struct {
	Name        string         `toml:"name" yaml:"name"`
	Group       string         `toml:"group" yaml:"group"`
	Job         string         `toml:"job" yaml:"job"` // "group.name" or "name"
	Description string         `toml:"description" yaml:"description"`
	Priority    *int           `toml:"priority" yaml:"priority"`
	Misfire     string         `toml:"misfire" yaml:"misfire"`
	Calendar    string         `toml:"calendar" yaml:"calendar"`
	Start       string         `toml:"start" yaml:"start"`
	End         string         `toml:"end" yaml:"end"`
	Data        map[string]any `toml:"data" yaml:"data"`

	// Simple schedule: Interval is a Go duration; Repeat counts extra fires,
	// -1 (the default with an interval) repeats forever
	Interval string `toml:"interval" yaml:"interval"`
	Repeat   *int   `toml:"repeat" yaml:"repeat"`

	// Cron schedule with seconds field
	Cron string `toml:"cron" yaml:"cron"`

	// Calendar-interval schedule
	Every int    `toml:"every" yaml:"every"`
	Unit  string `toml:"unit" yaml:"unit"`

	TimeZone string `toml:"time_zone" yaml:"time_zone"`
}

// CalendarSpec describes one exclusion calendar. The fields used depend on Type.
type CalendarSpec struct {
	Name        string `toml:"name" yaml:"name"`
	Type        string `toml:"type" yaml:"type"` // weekly, holiday, daily, range
	Description string `toml:"description" yaml:"description"`
	Base        string `toml:"base" yaml:"base"` // another calendar in the same file
	TimeZone    string `toml:"time_zone" yaml:"time_zone"`

	Days   []string    `toml:"days" yaml:"days"`   // weekly: excluded weekdays
	Dates  []string    `toml:"dates" yaml:"dates"` // holiday: YYYY-MM-DD
	Start  string      `toml:"start" yaml:"start"` // daily: HH:MM[:SS]
	End    string      `toml:"end" yaml:"end"`
	Invert bool        `toml:"invert" yaml:"invert"`
	Ranges []RangeSpec `toml:"ranges" yaml:"ranges"` // range: RFC 3339 bounds
}

// RangeSpec is an excluded [Start, End) interval
type RangeSpec struct {
	Start string `toml:"start" yaml:"start"`
	End   string `toml:"end" yaml:"end"`
}

// Format of a scheduling-data file
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from the file extension
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", errors.NewConfigurationError("scheduling data %s: unsupported extension (want .toml, .yaml or .yml)", path)
}

// Load reads and decodes the file at path
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scheduling data %s", path)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduling data %s", path)
	}
	return f, nil
}

// Parse decodes data in the given format
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid TOML"), errors.ErrConfiguration)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewConfigurationError("unknown key %q", undecoded[0].String())
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Mark(errors.Wrap(err, "invalid YAML"), errors.ErrConfiguration)
		}
	default:
		return nil, errors.NewConfigurationError("unsupported scheduling data format %q", format)
	}
	return &f, nil
}

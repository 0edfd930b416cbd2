// Package builtin provides the jobs every tempo binary ships with.
//
//	log   writes "message" from the merged data map at "level" (default info)
//	noop  does nothing; "sleep" holds the worker for a Go duration and
//	      "fail" = "fatal" | "recoverable" makes the execution fail
//	http  calls "url" through a client that refuses private addresses
//
// All three count their executions in the "runs" entry of the job's data map,
// which is kept when the job persists its data.
package builtin

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/httpclient"
	"github.com/teranos/tempo/pulse/scheduler"
)

const (
	LogHandler  = "log"
	NoopHandler = "noop"
)

// Register adds the built-in jobs to r
func Register(r *scheduler.Registry) {
	r.Register(LogHandler, scheduler.JobFunc(Log))
	r.Register(NoopHandler, scheduler.JobFunc(Noop))
	r.Register(HTTPHandler, NewHTTP(httpclient.New(httpclient.Options{})))
}

// Log writes a message to the execution logger
func Log(ctx context.Context, ec *scheduler.ExecutionContext) error {
	msg, _ := ec.MergedData.GetString("message")
	if msg == "" {
		msg = "Job fired"
	}
	level, _ := ec.MergedData.GetString("level")

	kv := []interface{}{
		"scheduled_at", ec.ScheduledFireTime,
		"recovering", ec.Recovering,
	}
	log := ec.Logger
	switch strings.ToLower(level) {
	case "debug":
		log.Debugw(msg, kv...)
	case "warn", "warning":
		log.Warnw(msg, kv...)
	case "error":
		log.Errorw(msg, kv...)
	case "", "info":
		log.Infow(msg, kv...)
	default:
		return scheduler.Fatal(errors.NewConfigurationError("log job: unknown level %q", level))
	}

	countRun(ec)
	return nil
}

// Noop optionally sleeps and optionally fails
func Noop(ctx context.Context, ec *scheduler.ExecutionContext) error {
	if s, ok := ec.MergedData.GetString("sleep"); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return scheduler.Fatal(errors.NewConfigurationError("noop job: invalid sleep %q", s))
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "noop job interrupted")
		case <-timer.C:
		}
	}

	countRun(ec)

	switch fail, _ := ec.MergedData.GetString("fail"); fail {
	case "":
		return nil
	case "fatal":
		return scheduler.Fatal(errors.New("noop job asked to fail fatally"))
	case "recoverable":
		return scheduler.Recoverable(errors.New("noop job asked to fail"))
	default:
		return scheduler.Fatal(errors.NewConfigurationError("noop job: unknown fail mode %q", fail))
	}
}

func countRun(ec *scheduler.ExecutionContext) {
	n, _ := ec.JobData.GetInt("runs")
	ec.JobData["runs"] = n + 1
}

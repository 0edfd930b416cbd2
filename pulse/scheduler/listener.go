package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/tempo/pulse/store"
	"github.com/teranos/tempo/pulse/trigger"
)

// Listener observes scheduler events. Callbacks run on scheduler goroutines
// and must not block; embed BaseListener to implement only some of them.
type Listener interface {
	// TriggerFired is called after a trigger moved to EXECUTING, before dispatch
	TriggerFired(ctx context.Context, b *store.FiredBundle)
	// TriggerMisfired is called after a misfire policy was applied to tr
	TriggerMisfired(tr *trigger.Trigger)
	// TriggerFinalized is called when tr reached COMPLETE and was removed
	TriggerFinalized(tr *trigger.Trigger)
	// JobWasExecuted is called when a job returns, before its completion is stored
	JobWasExecuted(ctx context.Context, ec *ExecutionContext, err error)
	// TriggerComplete is called once the store recorded the completion
	TriggerComplete(ctx context.Context, c store.Completion, res store.CompletionResult)
	// SchedulerError reports a failure in a background loop
	SchedulerError(msg string, err error)
}

// BaseListener implements Listener with no-ops
type BaseListener struct{}

func (BaseListener) TriggerFired(context.Context, *store.FiredBundle)         {}
func (BaseListener) TriggerMisfired(*trigger.Trigger)                         {}
func (BaseListener) TriggerFinalized(*trigger.Trigger)                        {}
func (BaseListener) JobWasExecuted(context.Context, *ExecutionContext, error) {}
func (BaseListener) TriggerComplete(context.Context, store.Completion, store.CompletionResult) {
}
func (BaseListener) SchedulerError(string, error) {}

// listeners fans events out to registered listeners and is the store's Signaler
type listeners struct {
	mu      sync.RWMutex
	list    []Listener
	metrics *Metrics
	wake    func(candidate *time.Time)
}

func (l *listeners) add(ln Listener) {
	l.mu.Lock()
	l.list = append(l.list, ln)
	l.mu.Unlock()
}

func (l *listeners) snapshot() []Listener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Listener(nil), l.list...)
}

func (l *listeners) NotifyTriggerMisfired(tr *trigger.Trigger) {
	l.metrics.recordMisfire()
	for _, ln := range l.snapshot() {
		ln.TriggerMisfired(tr)
	}
}

func (l *listeners) NotifySchedulingChange(candidate *time.Time) {
	if l.wake != nil {
		l.wake(candidate)
	}
}

func (l *listeners) NotifyTriggerFinalized(tr *trigger.Trigger) {
	for _, ln := range l.snapshot() {
		ln.TriggerFinalized(tr)
	}
}

func (l *listeners) triggerFired(ctx context.Context, b *store.FiredBundle) {
	for _, ln := range l.snapshot() {
		ln.TriggerFired(ctx, b)
	}
}

func (l *listeners) jobWasExecuted(ctx context.Context, ec *ExecutionContext, err error) {
	for _, ln := range l.snapshot() {
		ln.JobWasExecuted(ctx, ec, err)
	}
}

func (l *listeners) triggerComplete(ctx context.Context, c store.Completion, res store.CompletionResult) {
	for _, ln := range l.snapshot() {
		ln.TriggerComplete(ctx, c, res)
	}
}

func (l *listeners) schedulerError(msg string, err error) {
	for _, ln := range l.snapshot() {
		ln.SchedulerError(msg, err)
	}
}

var _ store.Signaler = (*listeners)(nil)

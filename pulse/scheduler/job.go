package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/store"
	"github.com/teranos/tempo/pulse/trigger"
)

// Job is the code a job detail names through its handler name.
//
// Implementations decode what they need from ExecutionContext.MergedData and
// may write to ExecutionContext.JobData, which is stored back when the job
// detail asks for its data to be persisted.
//
// Context cancellation: jobs should watch ctx.Done() and return promptly when
// the scheduler shuts down without waiting for jobs.
type Job interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// JobFunc adapts a function to Job
type JobFunc func(ctx context.Context, ec *ExecutionContext) error

// Execute calls f
func (f JobFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}

// ExecutionContext is what one execution sees
type ExecutionContext struct {
	FireInstanceID string
	InstanceID     string
	JobDetail      *job.Detail
	Trigger        *trigger.Trigger

	// JobData is a private copy of the job's data map. It is persisted after
	// execution only when the detail sets PersistDataAfterExecution.
	JobData job.DataMap
	// MergedData is the job data overlaid with the trigger data
	MergedData job.DataMap

	// Recovering is set for re-executions of work interrupted by a crashed node
	Recovering bool

	FireTime          time.Time
	ScheduledFireTime time.Time
	PrevFireTime      *time.Time
	NextFireTime      *time.Time

	Logger *zap.SugaredLogger
}

func newExecutionContext(b *store.FiredBundle, instanceID string, log *zap.SugaredLogger) *ExecutionContext {
	return &ExecutionContext{
		FireInstanceID:    b.FireInstanceID,
		InstanceID:        instanceID,
		JobDetail:         b.Job,
		Trigger:           b.Trigger,
		JobData:           b.Job.Data.Clone(),
		MergedData:        b.MergedData.Clone(),
		Recovering:        b.Recovering,
		FireTime:          b.FireTime,
		ScheduledFireTime: b.ScheduledFireTime,
		PrevFireTime:      b.PrevFireTime,
		NextFireTime:      b.NextFireTime,
		Logger:            log,
	}
}

// Registry maps handler names to jobs.
// Safe for concurrent registration and lookup.
type Registry struct {
	jobs map[string]Job
	mu   sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register adds a job under name.
// Panics if the name is already taken.
func (r *Registry) Register(name string, j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[name]; exists {
		panic(fmt.Sprintf("job already registered for handler name: %s", name))
	}
	r.jobs[name] = j
}

// RegisterFunc registers a function as a job
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, ec *ExecutionContext) error) {
	r.Register(name, JobFunc(fn))
}

// Get returns the job for name, or nil
func (r *Registry) Get(name string) Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[name]
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.jobs[name]
	return exists
}

// Names returns the registered handler names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

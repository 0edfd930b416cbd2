package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/store"
)

// Dispatcher runs fired jobs. The firing loop hands over each bundle and
// continues; done must be called exactly once per accepted bundle.
type Dispatcher interface {
	// BlockForAvailable waits until at least one worker is free and returns
	// how many are. Returns 0 once ctx is done or the dispatcher shut down.
	BlockForAvailable(ctx context.Context) int
	// Available returns the number of free workers
	Available() int
	// Dispatch starts b on a free worker
	Dispatch(ctx context.Context, b *store.FiredBundle, done func(store.Completion)) error
	// Shutdown stops accepting work. With wait it lets running jobs finish,
	// bounded by timeout (0 waits forever); otherwise running jobs are cancelled.
	// Returns false when jobs were still running at return.
	Shutdown(wait bool, timeout time.Duration) bool
}

// pulseLogger wraps zap.SugaredLogger with methods for pool lifecycle events
// - Starting → ✿ opening operations
// - Closing → ❀ closing operations
// - Pulse → general worker operations
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event at DEBUG
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Debugw(msg, keysAndValues...)
}

// Closing logs a Closing (❀) event at WARN
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Warnw(msg, keysAndValues...)
}

// Pulse logs general worker operations at INFO
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// PoolConfig configures a WorkerPool
type PoolConfig struct {
	Workers           int
	MemoryPerWorkerGB float64 // budget used for the memory pressure warning; 0 disables it
	InstanceID        string
}

// WorkerPool is the default Dispatcher: a fixed number of workers running
// jobs looked up by handler name in a Registry
type WorkerPool struct {
	cfg      PoolConfig
	workers  int
	registry *Registry
	slots    chan struct{}
	freed    chan struct{}

	ctx    context.Context // parent of every job context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active int
	closed bool

	// executed observes every finished execution; set by the scheduler
	executed func(ctx context.Context, ec *ExecutionContext, err error, outcome job.Outcome, took time.Duration)

	now    func() time.Time
	logger pulseLogger
}

// NewWorkerPool creates a pool. Register jobs on the registry before firing.
func NewWorkerPool(cfg PoolConfig, registry *Registry, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if registry == nil {
		registry = NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &WorkerPool{
		cfg:      cfg,
		workers:  cfg.Workers,
		registry: registry,
		slots:    make(chan struct{}, cfg.Workers),
		freed:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		logger:   pulseLogger{logger.OrNop(log).Named("pool")},
	}

	if warning := p.checkMemoryPressure(); warning != "" {
		p.logger.Warnw("Memory pressure warning", "warning", warning, "workers", p.workers)
	}
	return p
}

// Registry returns the registry jobs are resolved from
func (p *WorkerPool) Registry() *Registry {
	return p.registry
}

// Workers returns the configured worker count
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Active returns the number of workers executing a job
func (p *WorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Available implements Dispatcher
func (p *WorkerPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.workers - len(p.slots)
}

// BlockForAvailable implements Dispatcher
func (p *WorkerPool) BlockForAvailable(ctx context.Context) int {
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0
		}
		if n := p.Available(); n > 0 {
			return n
		}
		select {
		case <-ctx.Done():
			return 0
		case <-p.freed:
		}
	}
}

// Dispatch implements Dispatcher
func (p *WorkerPool) Dispatch(ctx context.Context, b *store.FiredBundle, done func(store.Completion)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Wrap(errors.ErrSchedulerShutdown, "worker pool is shut down")
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return errors.Wrap(errors.ErrSchedulerShutdown, "worker pool is shut down")
	}
	p.active++
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(b, done)
	return nil
}

func (p *WorkerPool) run(b *store.FiredBundle, done func(store.Completion)) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		<-p.slots
		select {
		case p.freed <- struct{}{}:
		default:
		}
	}()

	ctx := logger.WithFireInstanceID(p.ctx, b.FireInstanceID)
	log := logger.ChildLogger(logger.FromContext(ctx, p.logger.SugaredLogger),
		logger.FieldJobKey, b.Job.Key.String(),
		logger.FieldTriggerKey, b.Trigger.Key.String(),
		logger.FieldHandler, b.Job.HandlerName)
	ec := newExecutionContext(b, p.cfg.InstanceID, log)

	start := p.now()
	var err error
	if j := p.registry.Get(b.Job.HandlerName); j == nil {
		err = Fatal(errors.NewConfigurationError("no job registered for handler name %q", b.Job.HandlerName))
	} else {
		err = p.execute(ctx, j, ec)
	}
	took := p.now().Sub(start)
	outcome := OutcomeOf(err)

	if err != nil {
		ectx := ClassifyError("execute", err)
		log.Warnw("Job failed",
			logger.FieldOutcome, outcome,
			logger.FieldErrorKind, ectx.Code,
			logger.FieldDurationMS, took.Milliseconds(),
			logger.FieldError, err)
	} else {
		log.Debugw("Job succeeded", logger.FieldDurationMS, took.Milliseconds())
	}

	if p.executed != nil {
		p.executed(ctx, ec, err, outcome, took)
	}

	c := store.Completion{
		FireInstanceID: b.FireInstanceID,
		TriggerKey:     b.Trigger.Key,
		JobKey:         b.Job.Key,
		Outcome:        outcome,
		Data:           ec.JobData,
		FiredAt:        b.FireTime,
		Recovering:     b.Recovering,
	}
	if err != nil {
		c.ErrorMessage = err.Error()
	}
	done(c)
}

// execute runs j, converting a panic into a recoverable failure
func (p *WorkerPool) execute(ctx context.Context, j Job, ec *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ec.Logger.Errorw("Job panicked", "panic", r, "stack", string(debug.Stack()))
			err = errors.Mark(errors.Newf("panic: %v", r), errPanic)
		}
	}()
	return j.Execute(ctx, ec)
}

// Shutdown implements Dispatcher
// ❀ Closing: running jobs either finish or see their context cancelled
func (p *WorkerPool) Shutdown(wait bool, timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default:
	}

	if !wait {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		p.cancel()
		p.logger.Pulse("Worker pool stopped - all workers exited cleanly")
		return true
	case <-expired:
		p.cancel()
		p.logger.Closing("Worker pool stop timed out - jobs may still be running", "timeout", timeout, "active", p.Active())
		return false
	}
}

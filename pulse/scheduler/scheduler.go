// Package scheduler runs jobs from the record store: an acquisition and
// firing loop, a worker pool, completion processing, cluster checkins with
// failed-instance recovery, and a periodic misfire scan.
//
// Lifecycle:
//
//	s, err := scheduler.New(scheduler.ConfigFromAM(cfg), scheduler.Deps{DB: conn, Logger: log})
//	s.Registry().RegisterFunc("report", runReport)
//	s.Start(ctx)
//	defer s.Shutdown(true)
package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/tempo/am"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/store"
	"github.com/teranos/tempo/pulse/trigger"
)

// Deps are the collaborators of a Scheduler. Only DB (or Store) is required.
type Deps struct {
	DB         *sql.DB           // migrated database the default store runs on
	Store      store.JobStore    // overrides the default store
	Semaphore  cluster.Semaphore // overrides the semaphore picked from Config.Clustered
	Calendars  *calendar.Codec
	Registry   *Registry
	Dispatcher Dispatcher // overrides the default WorkerPool
	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer // metrics registry when Config.MetricsEnabled
	Now        func() time.Time
}

// Scheduler is one scheduler instance
type Scheduler struct {
	cfg        Config
	instanceID string

	store      store.JobStore
	pool       Dispatcher
	workerPool *WorkerPool // nil when a custom dispatcher is used
	registry   *Registry
	metrics    *Metrics
	listeners  *listeners
	wake       *wakeup
	now        func() time.Time

	log        *zap.SugaredLogger
	pulseLog   *zap.SugaredLogger
	clusterLog *zap.SugaredLogger

	inbox   chan store.Completion
	pending sync.WaitGroup // dispatched executions whose completion is not yet recorded

	mu        sync.Mutex
	started   bool
	standby   bool
	shutdown  bool
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup

	procCtx    context.Context
	procCancel context.CancelFunc
	procWG     sync.WaitGroup
}

// New creates a scheduler in standby. Configuration errors are returned here.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil && deps.DB == nil {
		return nil, errors.NewConfigurationError("scheduler needs a database or a store")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" || instanceID == am.AutoInstanceID {
		instanceID = cluster.NewInstanceID(cfg.InstanceName)
	}
	if deps.Store != nil {
		instanceID = deps.Store.InstanceID()
	}

	base := logger.OrNop(deps.Logger).Named("scheduler").With(logger.FieldInstanceID, instanceID)

	s := &Scheduler{
		cfg:        cfg,
		instanceID: instanceID,
		registry:   deps.Registry,
		wake:       newWakeup(),
		now:        deps.Now,
		log:        base,
		pulseLog:   logger.AddPulseSymbol(base),
		clusterLog: logger.AddLockSymbol(base),
		inbox:      make(chan store.Completion, cfg.Workers*2),
		standby:    true,
	}
	s.procCtx, s.procCancel = context.WithCancel(context.Background())

	if cfg.MetricsEnabled {
		s.metrics = NewMetrics(cfg.MetricsNamespace, deps.Registerer)
	}
	s.listeners = &listeners{metrics: s.metrics, wake: s.wake.notify}

	s.store = deps.Store
	if s.store == nil {
		sem := deps.Semaphore
		if sem == nil {
			if cfg.Clustered {
				sem = cluster.NewLeaseSemaphore(deps.DB, cluster.LeaseOptions{
					InstanceID:    instanceID,
					Lease:         cfg.LockLease,
					MaxWait:       cfg.LockMaxWait,
					RetryInterval: cfg.LockRetryInterval,
					Now:           deps.Now,
					Logger:        base,
				})
			} else {
				sem = cluster.NewLocalSemaphore(cfg.LockMaxWait)
			}
		}
		s.store = store.New(deps.DB, store.Options{
			InstanceID:            instanceID,
			Semaphore:             sem,
			Calendars:             deps.Calendars,
			Logger:                base,
			MisfireThreshold:      cfg.MisfireThreshold,
			MaxMisfiresPerScan:    cfg.MaxMisfiresPerScan,
			CalendarMaxIterations: cfg.CalendarMaxIterations,
			CheckinInterval:       cfg.CheckinInterval,
			CheckinFailThreshold:  cfg.CheckinFailThreshold,
			Now:                   deps.Now,
		})
	}
	s.store.SetSignaler(s.listeners)

	s.pool = deps.Dispatcher
	if s.pool == nil {
		s.workerPool = NewWorkerPool(PoolConfig{
			Workers:           cfg.Workers,
			MemoryPerWorkerGB: cfg.MemoryPerWorkerGB,
			InstanceID:        instanceID,
		}, s.registry, base)
		s.workerPool.executed = s.jobExecuted
		s.pool = s.workerPool
	}

	return s, nil
}

func (s *Scheduler) jobExecuted(ctx context.Context, ec *ExecutionContext, err error, outcome job.Outcome, took time.Duration) {
	s.metrics.recordExecution(outcome, took)
	if s.workerPool != nil {
		s.metrics.setWorkersActive(s.workerPool.Active())
	}
	s.listeners.jobWasExecuted(ctx, ec, err)
}

// InstanceID returns this instance's id
func (s *Scheduler) InstanceID() string { return s.instanceID }

// Registry returns the job registry
func (s *Scheduler) Registry() *Registry { return s.registry }

// Store returns the underlying job store
func (s *Scheduler) Store() store.JobStore { return s.store }

// AddListener registers l for scheduler events
func (s *Scheduler) AddListener(l Listener) { s.listeners.add(l) }

// Start recovers leftover work and begins firing. Calling Start on a
// scheduler in standby resumes it.
// ✿ Opening: checkin and recovery run before the first acquisition
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return errors.Wrap(errors.ErrSchedulerShutdown, "cannot start")
	}
	if s.started {
		s.standby = false
		s.wake.notify(nil)
		s.pulseLog.Infow("Scheduler resumed from standby")
		return nil
	}

	if err := s.recoverOnStart(ctx); err != nil {
		return errors.Wrap(err, "startup recovery failed")
	}

	runCtx, cancel := context.WithCancel(logger.WithInstanceID(ctx, s.instanceID))
	s.runCancel = cancel

	s.procWG.Add(1)
	go s.runCompletions()

	s.loopWG.Add(1)
	go s.runLoop(runCtx)

	if s.cfg.Clustered {
		s.loopWG.Add(1)
		go s.runClusterManager(runCtx)
	}
	if s.cfg.MisfireScanInterval > 0 {
		s.loopWG.Add(1)
		go s.runMisfireScanner(runCtx)
	}
	if s.cfg.HistoryRetentionDays > 0 && s.cfg.HistoryCleanupInterval > 0 {
		s.loopWG.Add(1)
		go s.runHistoryCleanup(runCtx)
	}

	s.started = true
	s.standby = false
	s.pulseLog.Infow("Scheduler started",
		"clustered", s.cfg.Clustered,
		"workers", s.cfg.Workers,
		logger.FieldBatchSize, s.cfg.MaxBatchSize)
	return nil
}

func (s *Scheduler) recoverOnStart(ctx context.Context) error {
	var (
		report store.RecoveryReport
		err    error
	)
	if s.cfg.Clustered {
		if err := s.checkinAndRecover(ctx); err != nil {
			return err
		}
		report, err = s.store.RecoverOwnFiredRecords(ctx)
	} else {
		report, err = s.store.RecoverAllFiredRecords(ctx)
	}
	if err != nil {
		return err
	}
	s.metrics.recordRecovered(report.RecordsReleased)
	if report.RecordsReleased > 0 {
		s.pulseLog.Infow("Recovered firing records from a previous run",
			logger.FieldCount, report.RecordsReleased,
			"recovery_triggers", len(report.RecoveryTriggers))
	}
	return s.scanMisfires(ctx)
}

// Standby stops firing without stopping running jobs; Start resumes
func (s *Scheduler) Standby() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown || s.standby {
		return
	}
	s.standby = true
	s.wake.notify(nil)
	s.pulseLog.Infow("Scheduler in standby")
}

// Shutdown stops the scheduler for good. With waitForJobs running jobs are
// allowed to finish within ShutdownTimeout; otherwise they are cancelled.
// ❀ Closing: the loop gives back acquired triggers before the pool stops
func (s *Scheduler) Shutdown(waitForJobs bool) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.standby = true
	cancel := s.runCancel
	s.mu.Unlock()

	s.wake.notify(nil)
	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()

	drained := s.pool.Shutdown(waitForJobs, s.cfg.ShutdownTimeout)
	if !waitTimeout(&s.pending, s.cfg.ShutdownTimeout) {
		drained = false
	}
	s.procCancel()
	s.procWG.Wait()

	if drained {
		s.pulseLog.Infow("Scheduler shut down")
	} else {
		s.pulseLog.Warnw("Scheduler shut down with executions still running; their firing records are left for recovery")
	}
	return nil
}

// IsStarted reports whether Start has run
func (s *Scheduler) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// InStandby reports whether firing is suspended
func (s *Scheduler) InStandby() bool {
	return s.isStandby()
}

// IsShutdown reports whether Shutdown has been called
func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Scheduler) isStandby() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standby
}

func (s *Scheduler) checkOpen() error {
	if s.IsShutdown() {
		return errors.WithStack(errors.ErrSchedulerShutdown)
	}
	return nil
}

func (s *Scheduler) loopError(kind, msg string, err error, keysAndValues ...interface{}) {
	s.metrics.recordLoopError(kind)
	kv := append([]interface{}{logger.FieldError, err, logger.FieldErrorKind, kind}, keysAndValues...)
	s.log.Warnw(msg, kv...)
	s.listeners.schedulerError(msg, err)
}

// waitTimeout waits for wg; timeout 0 waits forever
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// ScheduleJob stores d together with its first trigger and returns the first fire time
func (s *Scheduler) ScheduleJob(ctx context.Context, d *job.Detail, tr *trigger.Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if err := s.checkHandler(d); err != nil {
		return time.Time{}, err
	}
	if tr.JobKey.Name == "" {
		tr.JobKey = d.Key
	}
	if tr.JobKey.Normalize() != d.Key.Normalize() {
		return time.Time{}, errors.NewConfigurationError("trigger %s does not reference job %s", tr.Key, d.Key)
	}
	if err := s.store.StoreJobAndTrigger(ctx, d, tr); err != nil {
		return time.Time{}, err
	}
	return *tr.NextFireTime, nil
}

// ScheduleTrigger stores tr for an already stored job and returns its first fire time
func (s *Scheduler) ScheduleTrigger(ctx context.Context, tr *trigger.Trigger) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if err := s.store.StoreTrigger(ctx, tr, false); err != nil {
		return time.Time{}, err
	}
	return *tr.NextFireTime, nil
}

// AddJob stores a job without triggers; such a job must be durable. A
// non-durable job may only replace one that is already stored.
func (s *Scheduler) AddJob(ctx context.Context, d *job.Detail, replace bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !d.Durable {
		exists := false
		if replace {
			var err error
			if exists, err = s.store.CheckJobExists(ctx, d.Key); err != nil {
				return err
			}
		}
		if !exists {
			return errors.NewConfigurationError("job %s: jobs added without a trigger must be durable", d.Key)
		}
	}
	if err := s.checkHandler(d); err != nil {
		return err
	}
	return s.store.StoreJob(ctx, d, replace)
}

// checkHandler rejects jobs no worker here could run. Skipped for custom
// dispatchers, which resolve handlers themselves.
func (s *Scheduler) checkHandler(d *job.Detail) error {
	if s.workerPool == nil || d == nil || s.registry.Has(d.HandlerName) {
		return nil
	}
	return errors.NewConfigurationError("job %s: no job registered for handler name %q", d.Key, d.HandlerName)
}

// TriggerJob fires the job once, now, with data overlaid on its data map
func (s *Scheduler) TriggerJob(ctx context.Context, key job.Key, data job.DataMap) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tr := trigger.New(trigger.NewKey(uuid.NewString(), trigger.ManualGroup), key, trigger.Once(), s.now())
	if data != nil {
		tr.Data = data.Clone()
	}
	return s.store.StoreTrigger(ctx, tr, false)
}

// UnscheduleJob removes a trigger, and its job when that leaves a
// non-durable job without triggers
func (s *Scheduler) UnscheduleJob(ctx context.Context, key trigger.Key) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.store.RemoveTrigger(ctx, key)
}

// RescheduleJob replaces the trigger at key with tr. Returns nil when no
// trigger existed at key.
func (s *Scheduler) RescheduleJob(ctx context.Context, key trigger.Key, tr *trigger.Trigger) (*time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ok, err := s.store.ReplaceTrigger(ctx, key, tr)
	if err != nil || !ok {
		return nil, err
	}
	next := *tr.NextFireTime
	return &next, nil
}

// DeleteJob removes a job and all of its triggers
func (s *Scheduler) DeleteJob(ctx context.Context, key job.Key) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.store.RemoveJob(ctx, key)
}

// PauseTrigger pauses one trigger
func (s *Scheduler) PauseTrigger(ctx context.Context, key trigger.Key) error {
	return s.store.PauseTrigger(ctx, key)
}

// PauseJob pauses every trigger of a job
func (s *Scheduler) PauseJob(ctx context.Context, key job.Key) error {
	return s.store.PauseJob(ctx, key)
}

// PauseTriggerGroup pauses a group, including triggers added to it later
func (s *Scheduler) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.store.PauseTriggers(ctx, group)
}

// PauseAll pauses every group, including groups created later
func (s *Scheduler) PauseAll(ctx context.Context) error {
	return s.store.PauseAll(ctx)
}

// ResumeTrigger resumes one trigger, applying its misfire policy
func (s *Scheduler) ResumeTrigger(ctx context.Context, key trigger.Key) error {
	return s.store.ResumeTrigger(ctx, key)
}

// ResumeJob resumes every trigger of a job
func (s *Scheduler) ResumeJob(ctx context.Context, key job.Key) error {
	return s.store.ResumeJob(ctx, key)
}

// ResumeTriggerGroup resumes a paused group
func (s *Scheduler) ResumeTriggerGroup(ctx context.Context, group string) error {
	return s.store.ResumeTriggers(ctx, group)
}

// ResumeAll resumes every trigger and clears all paused groups
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.store.ResumeAll(ctx)
}

// GetPausedTriggerGroups lists paused groups
func (s *Scheduler) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.store.GetPausedTriggerGroups(ctx)
}

// ResetTriggerFromErrorState puts an ERROR trigger back into service
func (s *Scheduler) ResetTriggerFromErrorState(ctx context.Context, key trigger.Key) error {
	return s.store.ResetTriggerFromErrorState(ctx, key)
}

// AddCalendar stores a calendar, optionally recomputing the triggers that use it
func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.store.StoreCalendar(ctx, name, cal, replace, updateTriggers)
}

// DeleteCalendar removes an unreferenced calendar
func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.store.RemoveCalendar(ctx, name)
}

// GetCalendar returns a stored calendar
func (s *Scheduler) GetCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	return s.store.RetrieveCalendar(ctx, name)
}

// GetCalendarNames lists stored calendars
func (s *Scheduler) GetCalendarNames(ctx context.Context) ([]string, error) {
	return s.store.GetCalendarNames(ctx)
}

// GetJobDetail returns a stored job
func (s *Scheduler) GetJobDetail(ctx context.Context, key job.Key) (*job.Detail, error) {
	return s.store.RetrieveJob(ctx, key)
}

// GetJobKeys lists jobs, optionally within one group
func (s *Scheduler) GetJobKeys(ctx context.Context, group string) ([]job.Key, error) {
	return s.store.GetJobKeys(ctx, group)
}

// GetTrigger returns a stored trigger
func (s *Scheduler) GetTrigger(ctx context.Context, key trigger.Key) (*trigger.Trigger, error) {
	return s.store.RetrieveTrigger(ctx, key)
}

// GetTriggerState returns a trigger's state, NONE when it does not exist
func (s *Scheduler) GetTriggerState(ctx context.Context, key trigger.Key) (trigger.State, error) {
	return s.store.GetTriggerState(ctx, key)
}

// GetTriggersOfJob returns the triggers that fire a job
func (s *Scheduler) GetTriggersOfJob(ctx context.Context, key job.Key) ([]*trigger.Trigger, error) {
	return s.store.GetTriggersForJob(ctx, key)
}

// GetTriggerKeys lists triggers, optionally within one group
func (s *Scheduler) GetTriggerKeys(ctx context.Context, group string) ([]trigger.Key, error) {
	return s.store.GetTriggerKeys(ctx, group)
}

// ListExecutions pages through execution history, newest first
func (s *Scheduler) ListExecutions(ctx context.Context, key job.Key, outcome job.Outcome, limit, offset int) ([]*store.ExecutionRecord, int, error) {
	return s.store.ListExecutions(ctx, key, outcome, limit, offset)
}

// Clear deletes all jobs, triggers and calendars
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.store.Clear(ctx)
}

// Stats is a snapshot of the scheduler
type Stats struct {
	InstanceID string         `json:"instance_id"`
	Clustered  bool           `json:"clustered"`
	Started    bool           `json:"started"`
	Standby    bool           `json:"standby"`
	Shutdown   bool           `json:"shutdown"`
	Jobs       []string       `json:"registered_jobs"`
	Pool       *SystemMetrics `json:"pool,omitempty"`
	Store      *store.Stats   `json:"store"`
}

// Stats returns a snapshot of the scheduler and its store
func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := &Stats{
		InstanceID: s.instanceID,
		Clustered:  s.cfg.Clustered,
		Started:    s.started,
		Standby:    s.standby,
		Shutdown:   s.shutdown,
		Jobs:       s.registry.Names(),
		Store:      st,
	}
	s.mu.Unlock()

	if s.workerPool != nil {
		m := s.workerPool.SystemMetrics()
		out.Pool = &m
	}
	return out, nil
}

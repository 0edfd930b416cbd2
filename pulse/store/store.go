// Package store is the durable record store behind the scheduler: jobs,
// triggers, calendars, firing records and cluster checkins in SQLite.
//
// Every mutation of trigger state or firing records runs in one transaction
// while holding the TRIGGER_ACCESS cluster lock, and the lock is re-verified
// inside that transaction before commit. Plain reads take no lock.
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/misfire"
	"github.com/teranos/tempo/pulse/trigger"
)

// Signaler receives notifications after the transaction that caused them commits
type Signaler interface {
	// NotifyTriggerMisfired reports a trigger whose misfire policy was applied
	NotifyTriggerMisfired(tr *trigger.Trigger)
	// NotifySchedulingChange reports that a trigger may now be due at candidate
	// (nil when unknown), so a sleeping firing loop should re-check
	NotifySchedulingChange(candidate *time.Time)
	// NotifyTriggerFinalized reports a trigger that reached COMPLETE and was removed
	NotifyTriggerFinalized(tr *trigger.Trigger)
}

type noopSignaler struct{}

func (noopSignaler) NotifyTriggerMisfired(*trigger.Trigger)  {}
func (noopSignaler) NotifySchedulingChange(*time.Time)       {}
func (noopSignaler) NotifyTriggerFinalized(*trigger.Trigger) {}

// Options configures a Store
type Options struct {
	InstanceID string
	Semaphore  cluster.Semaphore  // defaults to an in-process semaphore
	Calendars  *calendar.Codec    // defaults to calendar.NewCodec()
	Signaler   Signaler           // may be set later with SetSignaler
	Logger     *zap.SugaredLogger // defaults to a no-op logger

	MisfireThreshold      time.Duration
	MaxMisfiresPerScan    int
	CalendarMaxIterations int

	CheckinInterval      time.Duration
	CheckinFailThreshold time.Duration

	Now func() time.Time
}

// Store persists scheduler records
type Store struct {
	db      *sql.DB
	opts    Options
	sem     cluster.Semaphore
	codec   *calendar.Codec
	misfire *misfire.Handler
	log     *zap.SugaredLogger

	sigMu    sync.RWMutex
	signaler Signaler
}

// New returns a store over an already migrated database
func New(conn *sql.DB, opts Options) *Store {
	if opts.Semaphore == nil {
		opts.Semaphore = cluster.NewLocalSemaphore(0)
	}
	if opts.Calendars == nil {
		opts.Calendars = calendar.NewCodec()
	}
	if opts.MisfireThreshold <= 0 {
		opts.MisfireThreshold = misfire.DefaultThreshold
	}
	if opts.MaxMisfiresPerScan <= 0 {
		opts.MaxMisfiresPerScan = 20
	}
	if opts.CalendarMaxIterations <= 0 {
		opts.CalendarMaxIterations = calendar.DefaultMaxIterations
	}
	if opts.CheckinInterval <= 0 {
		opts.CheckinInterval = 7500 * time.Millisecond
	}
	if opts.CheckinFailThreshold <= 0 {
		opts.CheckinFailThreshold = 2 * opts.CheckinInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var sig Signaler = noopSignaler{}
	if opts.Signaler != nil {
		sig = opts.Signaler
	}

	return &Store{
		db:       conn,
		opts:     opts,
		sem:      opts.Semaphore,
		codec:    opts.Calendars,
		misfire:  misfire.NewHandler(opts.MisfireThreshold, opts.CalendarMaxIterations),
		log:      logger.AddDBSymbol(logger.OrNop(opts.Logger)).With(logger.FieldInstanceID, opts.InstanceID),
		signaler: sig,
	}
}

// SetSignaler replaces the notification target
func (s *Store) SetSignaler(sig Signaler) {
	if sig == nil {
		sig = noopSignaler{}
	}
	s.sigMu.Lock()
	s.signaler = sig
	s.sigMu.Unlock()
}

func (s *Store) sig() Signaler {
	s.sigMu.RLock()
	defer s.sigMu.RUnlock()
	return s.signaler
}

// InstanceID returns the id this store writes into firing records
func (s *Store) InstanceID() string { return s.opts.InstanceID }

// MisfireHandler exposes the handler configured for this store
func (s *Store) MisfireHandler() *misfire.Handler { return s.misfire }

// Calendars returns the codec used for stored calendars
func (s *Store) Calendars() *calendar.Codec { return s.codec }

// DB returns the underlying handle
func (s *Store) DB() *sql.DB { return s.db }

// now is the store clock at storage precision
func (s *Store) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Millisecond)
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// postCommit collects notifications to send once the transaction commits
type postCommit struct {
	fns []func()
}

func (p *postCommit) add(fn func()) { p.fns = append(p.fns, fn) }

func (p *postCommit) run() {
	for _, fn := range p.fns {
		fn()
	}
}

type txFunc func(ctx context.Context, tx *sql.Tx, post *postCommit) error

// executeInLock runs fn in a transaction while holding lockName. The lock
// is verified inside the transaction first; any error rolls everything back.
func (s *Store) executeInLock(ctx context.Context, lockName string, fn txFunc) error {
	held, release, err := s.sem.Obtain(ctx, lockName)
	if err != nil {
		return s.classify(err, "obtain "+lockName)
	}
	defer release()

	tx, err := s.db.BeginTx(held, nil)
	if err != nil {
		return s.classify(err, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := s.sem.Verify(held, tx, lockName); err != nil {
		return s.classify(err, "verify "+lockName)
	}

	var post postCommit
	if err := fn(held, tx, &post); err != nil {
		return s.classify(err, "")
	}

	if err := tx.Commit(); err != nil {
		return s.classify(err, "commit")
	}
	committed = true
	post.run()
	return nil
}

// classify marks transient driver failures as ErrStoreUnavailable and leaves
// already classified errors alone
func (s *Store) classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.IsAny(err, errors.ErrStoreUnavailable, errors.ErrLockLost, errors.ErrLockTimeout,
		errors.ErrNotFound, errors.ErrConflict, errors.ErrConfiguration, context.Canceled, context.DeadlineExceeded) {
		return err
	}
	if db.IsTransient(err) {
		if op == "" {
			op = "store operation"
		}
		return errors.WrapStoreUnavailable(err, op)
	}
	if op != "" {
		return errors.Wrap(err, op)
	}
	return err
}

// readErr classifies an error from an unlocked read
func (s *Store) readErr(err error, op string) error {
	return s.classify(err, op)
}

package cluster

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
)

// LeaseOptions configures a LeaseSemaphore
type LeaseOptions struct {
	InstanceID    string
	Lease         time.Duration // how long an obtained lock stays valid without renewal
	MaxWait       time.Duration // bound on Obtain
	RetryInterval time.Duration // pacing between acquisition attempts
	Now           func() time.Time
	Logger        *zap.SugaredLogger
}

// LeaseSemaphore implements Semaphore with rows in scheduler_locks shared by
// every instance pointed at the same database. A lock is held by writing our
// instance id as owner with an expiry; an expired lease may be taken over,
// which is how a crashed holder's lock is reclaimed.
type LeaseSemaphore struct {
	db    *sql.DB
	opts  LeaseOptions
	locks localLocks
	log   *zap.SugaredLogger

	seeded sync.Map // lock name -> struct{}
}

// NewLeaseSemaphore returns a semaphore backed by the scheduler_locks table
func NewLeaseSemaphore(conn *sql.DB, opts LeaseOptions) *LeaseSemaphore {
	if opts.Lease <= 0 {
		opts.Lease = 15 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LeaseSemaphore{
		db:   conn,
		opts: opts,
		log:  logger.AddLockSymbol(logger.OrNop(opts.Logger)),
	}
}

func (s *LeaseSemaphore) now() time.Time { return s.opts.Now() }

func (s *LeaseSemaphore) Obtain(ctx context.Context, lockName string) (context.Context, func(), error) {
	if isHeld(ctx, lockName) {
		return ctx, noop, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.MaxWait)
	defer cancel()

	releaseLocal, err := s.locks.acquire(ctx, waitCtx, lockName)
	if err != nil {
		return nil, nil, err
	}

	limiter := rate.NewLimiter(rate.Every(s.opts.RetryInterval), 1)
	attempts := 0
	for {
		attempts++
		ok, err := s.tryAcquire(ctx, lockName)
		if err != nil && !db.IsTransient(err) {
			releaseLocal()
			return nil, nil, errors.Wrapf(err, "acquire %s", lockName)
		}
		if ok {
			break
		}
		if err := limiter.Wait(waitCtx); err != nil {
			releaseLocal()
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, errors.Mark(
				errors.Newf("%s held by another instance after %d attempts", lockName, attempts),
				errors.ErrLockTimeout)
		}
	}

	if attempts > 1 {
		s.log.Debugw("Lock obtained after contention",
			logger.FieldLockName, lockName,
			logger.FieldInstanceID, s.opts.InstanceID,
			"attempts", attempts)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.releaseRow(lockName)
			releaseLocal()
		})
	}
	return markHeld(ctx, lockName), release, nil
}

func (s *LeaseSemaphore) seed(ctx context.Context, lockName string) error {
	if _, done := s.seeded.Load(lockName); done {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO scheduler_locks (lock_name) VALUES (?)`, lockName); err != nil {
		return err
	}
	s.seeded.Store(lockName, struct{}{})
	return nil
}

// tryAcquire takes the row if it is free, already ours, or its lease expired
func (s *LeaseSemaphore) tryAcquire(ctx context.Context, lockName string) (bool, error) {
	if err := s.seed(ctx, lockName); err != nil {
		return false, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_locks
		SET owner = ?, acquired_at = ?, expires_at = ?
		WHERE lock_name = ? AND (owner IS NULL OR owner = ? OR expires_at < ?)`,
		s.opts.InstanceID, now.UnixMilli(), now.Add(s.opts.Lease).UnixMilli(),
		lockName, s.opts.InstanceID, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LeaseSemaphore) releaseRow(lockName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_locks SET owner = NULL, acquired_at = NULL, expires_at = NULL
		WHERE lock_name = ? AND owner = ?`, lockName, s.opts.InstanceID); err != nil {
		// The lease expires on its own; log and move on
		s.log.Warnw("Failed to release lock",
			logger.FieldLockName, lockName,
			logger.FieldInstanceID, s.opts.InstanceID,
			logger.FieldError, err)
	}
}

// Verify renews the lease inside tx. Zero rows means another instance took
// the lock over, so the transaction must not commit.
func (s *LeaseSemaphore) Verify(ctx context.Context, tx *sql.Tx, lockName string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE scheduler_locks SET expires_at = ?
		WHERE lock_name = ? AND owner = ?`,
		s.now().Add(s.opts.Lease).UnixMilli(), lockName, s.opts.InstanceID)
	if err != nil {
		return errors.WrapStoreUnavailable(err, "verify "+lockName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStoreUnavailable(err, "verify "+lockName)
	}
	if n == 0 {
		return errors.Mark(
			errors.Newf("instance %s no longer owns %s", s.opts.InstanceID, lockName),
			errors.ErrLockLost)
	}
	return nil
}

func (s *LeaseSemaphore) IsLockOwner(ctx context.Context, lockName string) bool {
	return isHeld(ctx, lockName)
}

// ReleaseOwnedBy clears every lock row held by instanceID; used when that
// instance is recovered as failed
func ReleaseOwnedBy(ctx context.Context, tx *sql.Tx, instanceID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE scheduler_locks SET owner = NULL, acquired_at = NULL, expires_at = NULL
		WHERE owner = ?`, instanceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LockRow is a scheduler_locks row, for diagnostics
type LockRow struct {
	Name      string
	Owner     string
	ExpiresAt *time.Time
}

// ListLocks returns the current lock rows
func ListLocks(ctx context.Context, conn *sql.DB) ([]LockRow, error) {
	rows, err := conn.QueryContext(ctx, `SELECT lock_name, owner, expires_at FROM scheduler_locks ORDER BY lock_name`)
	if err != nil {
		return nil, errors.Wrap(err, "query scheduler_locks")
	}
	defer rows.Close()

	var out []LockRow
	for rows.Next() {
		var r LockRow
		var owner sql.NullString
		var expires sql.NullInt64
		if err := rows.Scan(&r.Name, &owner, &expires); err != nil {
			return nil, errors.Wrap(err, "scan scheduler_locks")
		}
		r.Owner = owner.String
		if expires.Valid {
			t := time.UnixMilli(expires.Int64).UTC()
			r.ExpiresAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

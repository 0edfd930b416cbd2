package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/store"
)

const (
	// fireSlack is how close to the fire time the loop stops waiting
	fireSlack = 2 * time.Millisecond
	// releaseThreshold is the least remaining wait worth giving an acquired
	// batch back for an earlier candidate
	releaseThreshold = 70 * time.Millisecond

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// wakeup carries scheduling-change signals into the firing loop
type wakeup struct {
	mu        sync.Mutex
	ch        chan struct{}
	signaled  bool
	candidate time.Time // zero means unknown
}

func newWakeup() *wakeup {
	return &wakeup{ch: make(chan struct{}, 1)}
}

// notify records a candidate fire time, keeping the earliest; an unknown
// candidate wins over any known one
func (w *wakeup) notify(candidate *time.Time) {
	w.mu.Lock()
	switch {
	case !w.signaled:
		w.candidate = time.Time{}
		if candidate != nil {
			w.candidate = *candidate
		}
	case candidate == nil:
		w.candidate = time.Time{}
	case !w.candidate.IsZero() && candidate.Before(w.candidate):
		w.candidate = *candidate
	}
	w.signaled = true
	w.mu.Unlock()

	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// take returns and clears the pending signal
func (w *wakeup) take() (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	signaled, candidate := w.signaled, w.candidate
	w.signaled = false
	w.candidate = time.Time{}
	return signaled, candidate
}

func (w *wakeup) clear() {
	w.take()
	select {
	case <-w.ch:
	default:
	}
}

// earlierWithinReason reports whether candidate justifies releasing a batch
// due at first
func earlierWithinReason(first, candidate, now time.Time) bool {
	if !candidate.IsZero() && !candidate.Before(first) {
		return false
	}
	return first.Sub(now) >= releaseThreshold
}

// backoff doubles from minBackoff up to maxBackoff
type backoff struct {
	next time.Duration
}

func (b *backoff) reset() { b.next = 0 }

func (b *backoff) step() time.Duration {
	if b.next == 0 {
		b.next = minBackoff
	} else {
		b.next = min(b.next*2, maxBackoff)
	}
	return b.next
}

// runLoop is the acquisition and firing loop
func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.loopWG.Done()

	var bo backoff
	for {
		if ctx.Err() != nil {
			return
		}
		if s.isStandby() {
			s.sleep(ctx, s.cfg.IdlePollInterval)
			continue
		}

		avail := s.pool.BlockForAvailable(ctx)
		if avail == 0 {
			if ctx.Err() == nil {
				s.sleep(ctx, s.cfg.IdlePollInterval)
			}
			continue
		}

		if err := s.cycle(ctx, avail); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.IsLockLost(err) {
				// the transaction rolled back; nothing was reserved
				s.loopError("lock_lost", "Firing cycle abandoned after losing the cluster lock", err)
				continue
			}
			wait := bo.step()
			s.loopError(errorKind(err), "Firing cycle failed, backing off", err, logger.FieldBackoff, wait)
			s.pause(ctx, wait)
			continue
		}
		bo.reset()
	}
}

// cycle runs one acquire, wait, fire, dispatch pass
func (s *Scheduler) cycle(ctx context.Context, avail int) error {
	now := s.now()
	s.wake.clear()

	started := time.Now()
	batch, err := s.store.AcquireNextTriggers(ctx, now, min(avail, s.cfg.MaxBatchSize), s.cfg.LookaheadWindow)
	if err != nil {
		return errors.Wrap(err, "acquire next triggers")
	}
	s.metrics.recordAcquired(len(batch), time.Since(started))

	if len(batch) == 0 {
		deadline, err := s.idleDeadline(ctx, now)
		if err != nil {
			return err
		}
		s.idleWait(ctx, deadline)
		return nil
	}
	s.pulseLog.Debugw("Acquired triggers", logger.FieldBatchSize, len(batch))

	first := *batch[0].Trigger.NextFireTime
	if !s.waitForFireTime(ctx, first) {
		s.releaseBatch(batch)
		return nil
	}

	bundles, err := s.store.TriggersFired(ctx, batch)
	if err != nil {
		s.releaseBatch(batch)
		return errors.Wrap(err, "mark triggers fired")
	}
	s.metrics.recordFired(len(bundles), len(batch)-len(bundles))

	for _, b := range bundles {
		s.listeners.triggerFired(ctx, b)
		s.pulseLog.Debugw("Trigger fired",
			logger.FieldTriggerKey, b.Trigger.Key.String(),
			logger.FieldJobKey, b.Job.Key.String(),
			logger.FieldFireInstanceID, b.FireInstanceID,
			logger.FieldScheduledTime, b.ScheduledFireTime)

		s.pending.Add(1)
		if err := s.pool.Dispatch(ctx, b, s.complete); err != nil {
			s.log.Errorw("Failed to dispatch fired trigger",
				logger.FieldFireInstanceID, b.FireInstanceID,
				logger.FieldError, err)
			s.complete(store.Completion{
				FireInstanceID: b.FireInstanceID,
				TriggerKey:     b.Trigger.Key,
				JobKey:         b.Job.Key,
				Outcome:        OutcomeOf(Recoverable(err)),
				ErrorMessage:   "not dispatched: " + err.Error(),
				FiredAt:        b.FireTime,
				Recovering:     b.Recovering,
			})
		}
	}
	return nil
}

// waitForFireTime sleeps until first is due. Returns false when the batch
// should be given back: shutdown, standby, or an earlier candidate.
func (s *Scheduler) waitForFireTime(ctx context.Context, first time.Time) bool {
	for {
		d := first.Sub(s.now())
		if d <= fireSlack {
			return true
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		case <-s.wake.ch:
			timer.Stop()
			if s.isStandby() {
				return false
			}
			if signaled, candidate := s.wake.take(); signaled && earlierWithinReason(first, candidate, s.now()) {
				s.pulseLog.Debugw("Releasing batch for an earlier trigger", logger.FieldNextFireTime, candidate)
				return false
			}
		}
	}
}

// idleDeadline is the earlier of the next known fire time and the idle bound.
// A fire time at or before now was not acquirable this cycle and is ignored.
func (s *Scheduler) idleDeadline(ctx context.Context, now time.Time) (time.Time, error) {
	deadline := now.Add(s.cfg.IdlePollInterval)
	next, err := s.store.EarliestFireTime(ctx)
	if err != nil {
		return deadline, errors.Wrap(err, "query earliest fire time")
	}
	if next != nil && next.After(now) && next.Before(deadline) {
		deadline = *next
	}
	return deadline, nil
}

// idleWait sleeps until deadline or a scheduling change
func (s *Scheduler) idleWait(ctx context.Context, deadline time.Time) {
	d := deadline.Sub(s.now())
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.wake.ch:
	}
}

// sleep waits for d, a wakeup, or ctx
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.wake.ch:
	}
}

// releaseBatch returns acquired triggers to WAITING. Uses its own context so
// a cancelled loop still gives its reservations back.
func (s *Scheduler) releaseBatch(batch []*store.Acquired) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockMaxWait+5*time.Second)
	defer cancel()
	for _, a := range batch {
		if err := s.store.ReleaseAcquiredTrigger(ctx, a); err != nil {
			s.log.Warnw("Failed to release acquired trigger",
				logger.FieldTriggerKey, a.Trigger.Key.String(),
				logger.FieldError, err)
		}
	}
}

// pause waits for d or ctx, ignoring scheduling changes
func (s *Scheduler) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func errorKind(err error) string {
	switch {
	case errors.IsStoreUnavailable(err):
		return "store_unavailable"
	case errors.IsLockLost(err):
		return "lock_lost"
	case errors.Is(err, errors.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "unknown"
	}
}

package scheduler

import (
	"context"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/store"
)

// complete is the done callback handed to the dispatcher. Completions queue
// in the inbox; once the processor has stopped they are dropped and their
// firing records are left for recovery.
func (s *Scheduler) complete(c store.Completion) {
	select {
	case s.inbox <- c:
	case <-s.procCtx.Done():
		s.log.Warnw("Completion dropped after shutdown, firing record left for recovery",
			logger.FieldFireInstanceID, c.FireInstanceID,
			logger.FieldTriggerKey, c.TriggerKey.String())
		s.pending.Done()
	}
}

// runCompletions records finished executions in the store
func (s *Scheduler) runCompletions() {
	defer s.procWG.Done()
	for {
		select {
		case c := <-s.inbox:
			s.recordCompletion(s.procCtx, c)
			s.pending.Done()
		case <-s.procCtx.Done():
			return
		}
	}
}

// recordCompletion stores c, retrying while the store is unavailable or the
// lock could not be held
func (s *Scheduler) recordCompletion(ctx context.Context, c store.Completion) {
	log := s.log.With(
		logger.FieldFireInstanceID, c.FireInstanceID,
		logger.FieldTriggerKey, c.TriggerKey.String(),
		logger.FieldJobKey, c.JobKey.String())

	var bo backoff
	for {
		res, err := s.store.TriggeredJobComplete(ctx, c)
		if err == nil {
			if res.Stale {
				log.Infow("Completion arrived for a firing record that no longer exists")
			}
			log.Debugw("Completion recorded",
				logger.FieldOutcome, c.Outcome,
				logger.FieldState, res.FinalState)
			s.listeners.triggerComplete(ctx, c, res)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !retryable(err) {
			s.loopError(errorKind(err), "Failed to record completion", err, logger.FieldFireInstanceID, c.FireInstanceID)
			return
		}
		wait := bo.step()
		s.loopError(errorKind(err), "Completion not recorded, retrying", err,
			logger.FieldFireInstanceID, c.FireInstanceID,
			logger.FieldBackoff, wait)
		s.pause(ctx, wait)
	}
}

func retryable(err error) bool {
	return errors.IsStoreUnavailable(err) || errors.IsLockLost(err) || errors.Is(err, errors.ErrLockTimeout)
}

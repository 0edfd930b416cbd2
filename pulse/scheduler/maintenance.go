package scheduler

import (
	"context"
	"time"

	"github.com/teranos/tempo/logger"
)

// runClusterManager checks in every CheckinInterval and recovers the work of
// instances that stopped checking in
func (s *Scheduler) runClusterManager(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.CheckinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkinAndRecover(ctx); err != nil && ctx.Err() == nil {
				s.loopError(errorKind(err), "Cluster checkin failed", err)
			}
		}
	}
}

// checkinAndRecover is one checkin pass
func (s *Scheduler) checkinAndRecover(ctx context.Context) error {
	failed, err := s.store.ClusterCheckin(ctx)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}

	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.InstanceID)
	}
	s.clusterLog.Infow("Detected failed instances", "instances", ids)

	report, err := s.store.RecoverFailedInstances(ctx, failed)
	if err != nil {
		return err
	}
	s.metrics.recordRecovered(report.RecordsReleased)
	return nil
}

// runMisfireScanner applies misfire policies to WAITING triggers that nobody
// acquired in time, e.g. while every worker was busy
func (s *Scheduler) runMisfireScanner(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.MisfireScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.scanMisfires(ctx); err != nil && ctx.Err() == nil {
				s.loopError(errorKind(err), "Misfire scan failed", err)
			}
		}
	}
}

// scanMisfires drains misfired triggers in bounded chunks
func (s *Scheduler) scanMisfires(ctx context.Context) error {
	total := 0
	for {
		n, more, err := s.store.RecoverMisfiredTriggers(ctx, s.cfg.MaxMisfiresPerScan)
		if err != nil {
			return err
		}
		total += n
		if !more || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.pulseLog.Infow("Handled misfired triggers", logger.FieldCount, total)
	}
	return nil
}

// runHistoryCleanup prunes execution history past the retention period
func (s *Scheduler) runHistoryCleanup(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.HistoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.CleanupOldExecutions(ctx, s.cfg.HistoryRetentionDays)
			if err != nil {
				if ctx.Err() == nil {
					s.loopError(errorKind(err), "Execution history cleanup failed", err)
				}
				continue
			}
			if n > 0 {
				s.log.Infow("Pruned execution history", logger.FieldCount, n, "retention_days", s.cfg.HistoryRetentionDays)
			}
		}
	}
}

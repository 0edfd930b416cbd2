package store

import (
	"context"
	"time"

	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/cluster"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// JobStore is the persistence the scheduler runs against
type JobStore interface {
	InstanceID() string
	SetSignaler(sig Signaler)

	StoreJob(ctx context.Context, d *job.Detail, replace bool) error
	StoreJobAndTrigger(ctx context.Context, d *job.Detail, tr *trigger.Trigger) error
	RemoveJob(ctx context.Context, key job.Key) (bool, error)
	RetrieveJob(ctx context.Context, key job.Key) (*job.Detail, error)
	CheckJobExists(ctx context.Context, key job.Key) (bool, error)
	GetJobKeys(ctx context.Context, group string) ([]job.Key, error)

	StoreTrigger(ctx context.Context, tr *trigger.Trigger, replace bool) error
	RemoveTrigger(ctx context.Context, key trigger.Key) (bool, error)
	ReplaceTrigger(ctx context.Context, key trigger.Key, tr *trigger.Trigger) (bool, error)
	RetrieveTrigger(ctx context.Context, key trigger.Key) (*trigger.Trigger, error)
	GetTriggerState(ctx context.Context, key trigger.Key) (trigger.State, error)
	GetTriggersForJob(ctx context.Context, key job.Key) ([]*trigger.Trigger, error)
	ListTriggers(ctx context.Context) ([]*trigger.Trigger, error)
	CheckTriggerExists(ctx context.Context, key trigger.Key) (bool, error)
	GetTriggerKeys(ctx context.Context, group string) ([]trigger.Key, error)

	StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error
	RemoveCalendar(ctx context.Context, name string) (bool, error)
	RetrieveCalendar(ctx context.Context, name string) (calendar.Calendar, error)
	GetCalendarNames(ctx context.Context) ([]string, error)

	PauseTrigger(ctx context.Context, key trigger.Key) error
	PauseJob(ctx context.Context, key job.Key) error
	PauseTriggers(ctx context.Context, group string) error
	PauseAll(ctx context.Context) error
	ResumeTrigger(ctx context.Context, key trigger.Key) error
	ResumeJob(ctx context.Context, key job.Key) error
	ResumeTriggers(ctx context.Context, group string) error
	ResumeAll(ctx context.Context) error
	GetPausedTriggerGroups(ctx context.Context) ([]string, error)
	ResetTriggerFromErrorState(ctx context.Context, key trigger.Key) error

	// AcquireNextTriggers is the single atomic acquire operation
	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, window time.Duration) ([]*Acquired, error)
	ReleaseAcquiredTrigger(ctx context.Context, a *Acquired) error
	EarliestFireTime(ctx context.Context) (*time.Time, error)
	TriggersFired(ctx context.Context, batch []*Acquired) ([]*FiredBundle, error)
	TriggeredJobComplete(ctx context.Context, c Completion) (CompletionResult, error)

	ClusterCheckin(ctx context.Context) ([]cluster.InstanceState, error)
	RecoverFailedInstances(ctx context.Context, failed []cluster.InstanceState) (RecoveryReport, error)
	RecoverOwnFiredRecords(ctx context.Context) (RecoveryReport, error)
	RecoverAllFiredRecords(ctx context.Context) (RecoveryReport, error)
	RecoverMisfiredTriggers(ctx context.Context, max int) (int, bool, error)

	GetExecution(ctx context.Context, fireInstanceID string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, jobKey job.Key, outcome job.Outcome, limit, offset int) ([]*ExecutionRecord, int, error)
	CleanupOldExecutions(ctx context.Context, retentionDays int) (int, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
}

var _ JobStore = (*Store)(nil)

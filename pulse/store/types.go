package store

import (
	"time"

	"github.com/teranos/tempo/pulse/calendar"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/trigger"
)

// Acquired is a trigger reserved by AcquireNextTriggers
type Acquired struct {
	Trigger        *trigger.Trigger
	FireInstanceID string
}

// FiredBundle is everything an execution needs, produced by TriggersFired
type FiredBundle struct {
	FireInstanceID string
	Job            *job.Detail
	Trigger        *trigger.Trigger // state after advancing past this fire
	Calendar       calendar.Calendar

	// MergedData is the job data overlaid with the trigger data
	MergedData job.DataMap
	Recovering bool

	FireTime          time.Time // actual fire time
	ScheduledFireTime time.Time
	PrevFireTime      *time.Time
	NextFireTime      *time.Time
}

// Completion reports the end of one execution
type Completion struct {
	FireInstanceID string
	TriggerKey     trigger.Key
	JobKey         job.Key
	Outcome        job.Outcome
	// Data is the job data after execution, persisted when the job asks for it
	Data         job.DataMap
	ErrorMessage string
	FiredAt      time.Time
	Recovering   bool
}

// CompletionResult is what TriggeredJobComplete did
type CompletionResult struct {
	FinalState trigger.State
	JobDeleted bool
	// Stale is set when no firing record existed, e.g. after recovery by another node
	Stale bool
}

// FiredRecord is a fired_triggers row
type FiredRecord struct {
	FireInstanceID                string
	InstanceID                    string
	TriggerKey                    trigger.Key
	JobKey                        job.Key
	State                         trigger.State // ACQUIRED or EXECUTING
	FiredAt                       time.Time
	ScheduledAt                   time.Time
	Priority                      int
	ConcurrentExecutionDisallowed bool
	RequestsRecovery              bool
}

// ExecutionRecord is one finished execution
type ExecutionRecord struct {
	FireInstanceID string        `json:"fire_instance_id"`
	InstanceID     string        `json:"instance_id"`
	TriggerKey     trigger.Key   `json:"trigger"`
	JobKey         job.Key       `json:"job"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	FiredAt        time.Time     `json:"fired_at"`
	CompletedAt    time.Time     `json:"completed_at"`
	DurationMs     int64         `json:"duration_ms"`
	Outcome        job.Outcome   `json:"outcome"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	TriggerState   trigger.State `json:"trigger_state"`
	Data           job.DataMap   `json:"data,omitempty"`
	Recovering     bool          `json:"recovering"`
}

// RecoveryReport summarizes RecoverFailedInstances
type RecoveryReport struct {
	Instances        []string
	RecordsReleased  int
	RecoveryTriggers []trigger.Key
	LocksReleased    int64
}

// Stats is a snapshot of record counts
type Stats struct {
	Jobs         int
	Calendars    int
	Triggers     map[trigger.State]int
	FiredRecords int
	Executions   int
	Instances    int
	PausedGroups []string
}

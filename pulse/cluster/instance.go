package cluster

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceState is one cluster member's checkin row
type InstanceState struct {
	InstanceID      string
	LastCheckin     time.Time
	CheckinInterval time.Duration
}

// FailedInstances returns the members other than self whose last checkin is
// older than threshold
func FailedInstances(states []InstanceState, self string, now time.Time, threshold time.Duration) []InstanceState {
	var failed []InstanceState
	for _, s := range states {
		if s.InstanceID == self {
			continue
		}
		if now.Sub(s.LastCheckin) > threshold {
			failed = append(failed, s)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].InstanceID < failed[j].InstanceID })
	return failed
}

// NewInstanceID returns a unique id "<name>-<host>-<uuid prefix>"
func NewInstanceID(name string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	parts := []string{host, strings.SplitN(uuid.NewString(), "-", 2)[0]}
	if name != "" {
		parts = append([]string{name}, parts...)
	}
	return strings.Join(parts, "-")
}

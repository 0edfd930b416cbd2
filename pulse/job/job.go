// Package job holds the stored description of a job: its identity, the
// handler that runs it and the data map handed to each execution.
package job

import (
	"fmt"
	"strings"

	"github.com/teranos/tempo/errors"
)

// DefaultGroup is used when a key is given without a group
const DefaultGroup = "DEFAULT"

// Key identifies a job; name + group is unique
type Key struct {
	Name  string `json:"name" yaml:"name" toml:"name"`
	Group string `json:"group,omitempty" yaml:"group,omitempty" toml:"group,omitempty"`
}

// NewKey builds a key, defaulting the group
func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

// Normalize fills in the default group
func (k Key) Normalize() Key {
	return NewKey(k.Name, k.Group)
}

func (k Key) String() string {
	return k.Normalize().Group + "." + k.Name
}

// ParseKey accepts "group.name" or a bare "name"
func ParseKey(s string) Key {
	if i := strings.Index(s, "."); i > 0 {
		return NewKey(s[i+1:], s[:i])
	}
	return NewKey(s, "")
}

// Detail is a job as stored
type Detail struct {
	Key         Key
	Description string
	HandlerName string // registered handler that executes this job
	Data        DataMap

	// Durable jobs survive having no triggers
	Durable bool
	// ConcurrentExecutionDisallowed keeps at most one execution of this job in flight cluster-wide
	ConcurrentExecutionDisallowed bool
	// PersistDataAfterExecution writes the execution's data map back on completion
	PersistDataAfterExecution bool
	// RequestsRecovery re-runs an execution interrupted by a node crash
	RequestsRecovery bool
}

// Validate rejects details that can never be stored
func (d *Detail) Validate() error {
	if strings.TrimSpace(d.Key.Name) == "" {
		return errors.NewConfigurationError("job name is required")
	}
	if strings.TrimSpace(d.HandlerName) == "" {
		return errors.NewConfigurationError("job %s: handler name is required", d.Key)
	}
	return nil
}

// Clone returns a deep copy
func (d *Detail) Clone() *Detail {
	c := *d
	c.Data = d.Data.Clone()
	return &c
}

func (d *Detail) String() string {
	return fmt.Sprintf("Job{%s handler=%s durable=%t nonconcurrent=%t}",
		d.Key, d.HandlerName, d.Durable, d.ConcurrentExecutionDisallowed)
}

// Outcome is reported by the execution pool when a job finishes
type Outcome string

const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeFailedRecoverable Outcome = "failed-recoverable"
	OutcomeFailedFatal       Outcome = "failed-fatal"
)

// Failed reports whether the outcome is either failure kind
func (o Outcome) Failed() bool {
	return o == OutcomeFailedRecoverable || o == OutcomeFailedFatal
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailedRecoverable, OutcomeFailedFatal:
		return true
	}
	return false
}

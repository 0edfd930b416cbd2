package trigger

import (
	"strings"

	"github.com/teranos/tempo/errors"
)

// MisfireInstruction selects what happens when a fire time is missed by more
// than the misfire threshold
type MisfireInstruction int

const (
	// MisfireSmart picks a policy suited to the schedule type
	MisfireSmart MisfireInstruction = 0
	// MisfireIgnore fires every missed time as soon as possible; never treated as a misfire
	MisfireIgnore MisfireInstruction = -1
	// MisfireFireNow fires once immediately, then resumes the schedule
	MisfireFireNow MisfireInstruction = 1
	// MisfireSkipToNext drops missed fires and waits for the next time after now
	MisfireSkipToNext MisfireInstruction = 2
	// MisfireDoNothing completes one-shot triggers without firing; recurring ones skip
	MisfireDoNothing MisfireInstruction = 3
)

var misfireNames = map[MisfireInstruction]string{
	MisfireSmart:      "smart",
	MisfireIgnore:     "ignore",
	MisfireFireNow:    "fire-now",
	MisfireSkipToNext: "skip-to-next",
	MisfireDoNothing:  "do-nothing",
}

func (m MisfireInstruction) String() string {
	if name, ok := misfireNames[m]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether m is a known instruction
func (m MisfireInstruction) Valid() bool {
	_, ok := misfireNames[m]
	return ok
}

// ParseMisfireInstruction accepts the names printed by String (case-insensitive,
// underscores allowed); empty means smart.
func ParseMisfireInstruction(s string) (MisfireInstruction, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if norm == "" {
		return MisfireSmart, nil
	}
	for m, name := range misfireNames {
		if name == norm {
			return m, nil
		}
	}
	return MisfireSmart, errors.NewConfigurationError("unknown misfire instruction %q", s)
}

func (m MisfireInstruction) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MisfireInstruction) UnmarshalText(text []byte) error {
	v, err := ParseMisfireInstruction(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

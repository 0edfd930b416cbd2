package trigger

// State is a trigger's lifecycle state
type State string

const (
	StateWaiting       State = "WAITING"
	StateAcquired      State = "ACQUIRED"
	StateExecuting     State = "EXECUTING"
	StateBlocked       State = "BLOCKED"
	StatePaused        State = "PAUSED"
	StatePausedBlocked State = "PAUSED_BLOCKED" // paused while its job was running; resumes to BLOCKED
	StateComplete      State = "COMPLETE"
	StateError         State = "ERROR"
	StateNone          State = "NONE" // not stored
)

// transitions lists every legal move. Pause may be requested from any live
// state; for EXECUTING it is deferred until completion.
var transitions = map[State][]State{
	StateWaiting:       {StateAcquired, StatePaused, StateBlocked, StateComplete, StateError},
	StateAcquired:      {StateExecuting, StateBlocked, StateWaiting, StatePaused, StateComplete},
	StateExecuting:     {StateWaiting, StatePaused, StateBlocked, StatePausedBlocked, StateComplete, StateError},
	StateBlocked:       {StateWaiting, StatePausedBlocked, StateComplete},
	StatePaused:        {StateWaiting, StateBlocked, StatePausedBlocked},
	StatePausedBlocked: {StateBlocked, StatePaused},
	StateError:         {StateWaiting, StatePaused},
	StateComplete:      {StateNone},
}

// CanTransition reports whether from -> to is a legal lifecycle move
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HasFiringRecord reports whether a trigger in state s owns a live firing record
func (s State) HasFiringRecord() bool {
	return s == StateAcquired || s == StateExecuting
}

// IsPaused covers both paused variants
func (s State) IsPaused() bool {
	return s == StatePaused || s == StatePausedBlocked
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateAcquired, StateExecuting, StateBlocked, StatePaused,
		StatePausedBlocked, StateComplete, StateError, StateNone:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

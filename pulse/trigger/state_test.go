package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateWaiting, StateAcquired, true},
		{StateAcquired, StateExecuting, true},
		{StateAcquired, StateBlocked, true},
		{StateAcquired, StateWaiting, true},
		{StateExecuting, StateComplete, true},
		{StateExecuting, StateError, true},
		{StateBlocked, StateWaiting, true},
		{StatePaused, StateWaiting, true},
		{StatePausedBlocked, StateBlocked, true},
		{StateError, StateWaiting, true},
		{StateWaiting, StateExecuting, false},
		{StateComplete, StateWaiting, false},
		{StatePaused, StateAcquired, false},
		{StateBlocked, StateAcquired, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, StateAcquired.HasFiringRecord())
	assert.True(t, StateExecuting.HasFiringRecord())
	assert.False(t, StateWaiting.HasFiringRecord())
	assert.False(t, StateBlocked.HasFiringRecord())
	assert.True(t, StatePausedBlocked.IsPaused())
	assert.False(t, State("LIMBO").Valid())
}

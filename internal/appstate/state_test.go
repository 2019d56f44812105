package appstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSharedStateModeSwitch(t *testing.T) {
	state := NewSharedState()

	assert.Equal(t, OptimizationDisabled, state.Mode())
	assert.False(t, state.IsEnabled())

	state.SetMode(OptimizationEnabled)
	assert.Equal(t, OptimizationEnabled, state.Mode())
	assert.True(t, state.IsEnabled())

	state.SetMode(OptimizationDisabled)
	assert.False(t, state.IsEnabled())
}

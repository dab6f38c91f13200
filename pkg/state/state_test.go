package state_test

import (
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
	"github.com/stretchr/testify/assert"
)

func TestStreamState(t *testing.T) {
	s := state.NewSharedState()
	assert.Equal(t, state.Disabled, s.GetStream("DP-1"))
	assert.False(t, s.AllIn(state.Active))

	assert.Error(t, s.SetStream("", state.Active))
	assert.NoError(t, s.SetStream("DP-1", state.Active))
	assert.NoError(t, s.SetStream("DP-2", state.Enabling))
	assert.Equal(t, []string{"DP-1", "DP-2"}, s.Displays())
	assert.False(t, s.AllIn(state.Active))

	assert.NoError(t, s.SetStream("DP-2", state.Active))
	assert.True(t, s.AllIn(state.Active))

	s.DeleteStream("DP-2")
	assert.Equal(t, []string{"DP-1"}, s.Displays())
}

func TestTransitional(t *testing.T) {
	tests := []struct {
		st   state.StreamState
		want bool
	}{
		{state.Disabled, false},
		{state.Enabling, true},
		{state.Active, false},
		{state.Retraining, true},
		{state.PowerSave, false},
		{state.Disabling, true},
	}
	for _, tc := range tests {
		t.Run(tc.st.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.st.Transitional())
		})
	}
}

func TestPSR(t *testing.T) {
	s := state.NewSharedState()
	assert.False(t, s.IsPSRActive("DP-1"))
	assert.NoError(t, s.SetPSRActive("DP-1", true))
	assert.True(t, s.IsPSRActive("DP-1"))
	_ = s.SetStream("DP-1", state.Active)
	s.DeleteStream("DP-1")
	assert.False(t, s.IsPSRActive("DP-1"))
}

package sandbox

import (
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionAllowedSuccessors(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		current types.SandboxStatus
		target  types.SandboxStatus
		wantErr bool
	}{
		{"requested to creating", types.SandboxRequested, types.SandboxCreating, false},
		{"creating to cloning", types.SandboxCreating, types.SandboxCloning, false},
		{"cloning fallback to creating", types.SandboxCloning, types.SandboxCreating, false},
		{"ready to active", types.SandboxReady, types.SandboxActive, false},
		{"active to ready", types.SandboxActive, types.SandboxReady, false},
		{"stopping to destroying", types.SandboxStopping, types.SandboxDestroying, false},
		{"destroying to destroyed", types.SandboxDestroying, types.SandboxDestroyed, false},
		{"unhealthy to destroying", types.SandboxUnhealthy, types.SandboxDestroying, false},
		{"requested to ready rejected", types.SandboxRequested, types.SandboxReady, true},
		{"destroyed to anything rejected", types.SandboxDestroyed, types.SandboxCreating, true},
		{"destroying to ready rejected", types.SandboxDestroying, types.SandboxReady, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Transition(tt.current, tt.target, "test", false, now)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, result.Accepted)
				return
			}
			require.NoError(t, err)
			assert.True(t, result.Accepted)
			assert.Equal(t, tt.target, result.Event.Status)
		})
	}
}

func TestTransitionHostCallbackMonotonicity(t *testing.T) {
	now := time.Now()

	// installing -> cloning from a host callback is a stale regression.
	result, err := Transition(types.SandboxInstalling, types.SandboxCloning, "host_event", true, now)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.True(t, result.Ignored)

	// starting -> ready from a host callback advances normally.
	result, err = Transition(types.SandboxStarting, types.SandboxReady, "host_event", true, now)
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	// creating -> unhealthy from a host callback is always allowed.
	result, err = Transition(types.SandboxCreating, types.SandboxUnhealthy, "create_failed", true, now)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
}

func TestTransitionDuplicateCallbackIsIdempotent(t *testing.T) {
	now := time.Now()

	result, err := Transition(types.SandboxInstalling, types.SandboxInstalling, "dup", true, now)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.True(t, result.Ignored)
}

func TestTransitionIgnoresCallbacksAfterStopping(t *testing.T) {
	now := time.Now()

	for _, terminal := range []types.SandboxStatus{types.SandboxStopping, types.SandboxDestroying, types.SandboxDestroyed} {
		result, err := Transition(terminal, types.SandboxReady, "late_callback", true, now)
		require.NoError(t, err)
		assert.False(t, result.Accepted)
		assert.True(t, result.Ignored)
	}
}

func TestApplyAppendsHistoryAndSetsDestroyedAt(t *testing.T) {
	now := time.Now()
	sb := &types.Sandbox{Status: types.SandboxDestroying}

	result, err := Transition(sb.Status, types.SandboxDestroyed, "host_destroy_complete", true, now)
	require.NoError(t, err)
	require.True(t, result.Accepted)

	Apply(sb, result)

	assert.Equal(t, types.SandboxDestroyed, sb.Status)
	assert.Equal(t, now, sb.StatusChangedAt)
	require.Len(t, sb.History, 1)
	assert.Equal(t, types.SandboxDestroyed, sb.History[0].Status)
	assert.Equal(t, now, sb.DestroyedAt)
}

func TestApplyIsNoOpWhenNotAccepted(t *testing.T) {
	sb := &types.Sandbox{Status: types.SandboxReady}
	Apply(sb, Result{Accepted: false})
	assert.Equal(t, types.SandboxReady, sb.Status)
	assert.Empty(t, sb.History)
}

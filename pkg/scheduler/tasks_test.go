package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestHeartbeatActionActiveSandbox(t *testing.T) {
	cfg := DefaultConfig()

	target, reason, ok := heartbeatAction(types.SandboxActive, 30*time.Second, cfg)
	assert.False(t, ok, "fresh heartbeat should not trigger any action")

	target, reason, ok = heartbeatAction(types.SandboxActive, cfg.HeartbeatWarning+time.Second, cfg)
	assert.True(t, ok)
	assert.Equal(t, types.SandboxReady, target)
	assert.Equal(t, "heartbeat_warning", reason)

	target, reason, ok = heartbeatAction(types.SandboxActive, cfg.HeartbeatStop+time.Second, cfg)
	assert.True(t, ok)
	assert.Equal(t, types.SandboxStopping, target)
	assert.Equal(t, "no_heartbeat_timeout", reason)
}

func TestHeartbeatActionReadySandbox(t *testing.T) {
	cfg := DefaultConfig()

	_, _, ok := heartbeatAction(types.SandboxReady, cfg.HeartbeatWarning+time.Second, cfg)
	assert.False(t, ok, "ready sandboxes only stop on heartbeat_stop, not heartbeat_warning")

	target, reason, ok := heartbeatAction(types.SandboxReady, cfg.HeartbeatStop+time.Second, cfg)
	assert.True(t, ok)
	assert.Equal(t, types.SandboxStopping, target)
	assert.Equal(t, "no_heartbeat_timeout", reason)
}

func TestHeartbeatActionIgnoresOtherStatuses(t *testing.T) {
	cfg := DefaultConfig()
	_, _, ok := heartbeatAction(types.SandboxCreating, 24*time.Hour, cfg)
	assert.False(t, ok)
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.HeartbeatWarning)
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatStop)
	assert.Equal(t, 15*time.Minute, cfg.InstallingTimeout)
	assert.Equal(t, 24*time.Hour, cfg.DestroyedRetention)
}

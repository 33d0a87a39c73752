package callback

import (
	"testing"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestStatusToSandboxStateCoversWireVocabulary(t *testing.T) {
	for _, status := range []string{"cloning", "installing", "starting", "ready", "failed"} {
		_, ok := statusToSandboxState[status]
		assert.Truef(t, ok, "missing mapping for wire status %q", status)
	}
	_, ok := statusToSandboxState["bogus"]
	assert.False(t, ok)
}

func TestStatusToSandboxStateFailedMapsToUnhealthy(t *testing.T) {
	assert.Equal(t, types.SandboxUnhealthy, statusToSandboxState["failed"])
}

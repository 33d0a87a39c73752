package sandboxsetup

import (
	"testing"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendBranchFallbackRecordsSubstitution(t *testing.T) {
	c := &Coordinator{}
	sb := &types.Sandbox{Status: types.SandboxCloning}

	c.appendBranchFallback(sb, "feature/missing", "main")

	require.Len(t, sb.History, 1)
	assert.Equal(t, types.SandboxCloning, sb.History[0].Status)
	assert.Equal(t, "branch_fallback:feature/missing->main", sb.History[0].Reason)
	assert.False(t, sb.History[0].Timestamp.IsZero())
}

func TestAppendBranchFallbackAppendsRatherThanReplaces(t *testing.T) {
	c := &Coordinator{}
	sb := &types.Sandbox{
		Status: types.SandboxCreating,
		History: []types.StatusEvent{
			{Status: types.SandboxRequested, Reason: "user_request"},
		},
	}

	c.appendBranchFallback(sb, "develop", "main")

	require.Len(t, sb.History, 2)
	assert.Equal(t, "user_request", sb.History[0].Reason)
	assert.Equal(t, "branch_fallback:develop->main", sb.History[1].Reason)
}

package sourcehost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRepoIDParsesOwnerAndName(t *testing.T) {
	owner, repo, err := splitRepoID("cuemby/sandboxd")
	require.NoError(t, err)
	assert.Equal(t, "cuemby", owner)
	assert.Equal(t, "sandboxd", repo)
}

func TestSplitRepoIDRejectsMissingSlash(t *testing.T) {
	_, _, err := splitRepoID("not-a-slug")
	assert.Error(t, err)
}

func TestSplitRepoIDRejectsEmptyParts(t *testing.T) {
	_, _, err := splitRepoID("/sandboxd")
	assert.Error(t, err)

	_, _, err = splitRepoID("cuemby/")
	assert.Error(t, err)
}

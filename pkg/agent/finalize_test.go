package agent

import (
	"strings"
	"testing"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestCommitSummaryFromTakesFirstLineAndSanitizes(t *testing.T) {
	summary := "Fix off-by-one in the scheduler\n\nCommands:\n✓ go test ./...\n"
	assert.Equal(t, "Fix off-by-one in the scheduler", commitSummaryFrom(summary))
}

func TestCommitSummaryFromFallsBackWhenEmpty(t *testing.T) {
	assert.Equal(t, "agent: apply changes", commitSummaryFrom("   \n\nmore text"))
}

func TestCommitSummaryFromCapsLength(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := commitSummaryFrom(long)
	assert.LessOrEqual(t, len(got), maxCommitSummaryLen)
}

func TestBuildSummaryIncludesCommandsAndChangedFiles(t *testing.T) {
	state := &turnState{
		explanations: []string{"Renamed the helper function."},
		commands: []*types.BashCommand{
			{Command: "go build ./...", ExitCode: 0, Output: "ok"},
			{Command: "go vet ./...", ExitCode: 1, Output: "failed"},
		},
	}
	changes := []*types.FileChange{
		{Path: "pkg/foo/foo.go"},
	}

	got := buildSummary(state, changes)

	assert.Contains(t, got, "Renamed the helper function.")
	assert.Contains(t, got, "✓ go build ./...")
	assert.Contains(t, got, "✗ go vet ./...")
	assert.Contains(t, got, "pkg/foo/foo.go")
}

func TestBuildSummaryNotesStopped(t *testing.T) {
	state := &turnState{stopped: true}
	got := buildSummary(state, nil)
	assert.Contains(t, got, "stopped by user request")
}

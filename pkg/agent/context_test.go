package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectContextFilesPrioritizesRootManifests(t *testing.T) {
	tree := []string{
		"src/deep/nested/module/leaf.go",
		"go.mod",
		"internal/foo/bar.go",
		"README.md",
		"cmd/main.go",
	}

	got := selectContextFiles(tree)

	assert.Contains(t, got, "go.mod")
	assert.Contains(t, got, "README.md")
	assert.True(t, len(got) <= maxContextFiles)
}

func TestSelectContextFilesCapsAtMax(t *testing.T) {
	var tree []string
	for i := 0; i < 50; i++ {
		tree = append(tree, "file"+string(rune('a'+i%26))+".txt")
	}

	got := selectContextFiles(tree)
	assert.Len(t, got, maxContextFiles)
}

func TestSelectContextFilesPrefersShallowerPaths(t *testing.T) {
	tree := []string{
		"a/b/c/d/deep.go",
		"shallow.go",
		"a/mid.go",
	}

	got := selectContextFiles(tree)
	assert.Equal(t, []string{"shallow.go", "a/mid.go", "a/b/c/d/deep.go"}, got)
}

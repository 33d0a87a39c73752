package blocks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllBlockKindsInSequence(t *testing.T) {
	raw := `some preamble noise
<explanation>
Renaming the helper and fixing the off-by-one.
</explanation>
<file path="pkg/foo/foo.go">
package foo

func Foo() {}
</file>
<edit path="pkg/foo/bar.go">
<<<<<<< SEARCH
func old() int {
	return 1
}
=======
func old() int {
	return 2
}
>>>>>>> REPLACE
</edit>
<bash>
go test ./...
</bash>
trailing noise`

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, got, 4)

	explanation, ok := got[0].(ExplanationBlock)
	require.True(t, ok)
	assert.Contains(t, explanation.Text, "Renaming the helper")

	file, ok := got[1].(FileBlock)
	require.True(t, ok)
	assert.Equal(t, "pkg/foo/foo.go", file.Path)
	assert.Contains(t, file.Content, "func Foo() {}")

	edit, ok := got[2].(EditBlock)
	require.True(t, ok)
	assert.Equal(t, "pkg/foo/bar.go", edit.Path)
	require.Len(t, edit.Hunks, 1)
	assert.Contains(t, edit.Hunks[0].Search, "return 1")
	assert.Contains(t, edit.Hunks[0].Replace, "return 2")

	bash, ok := got[3].(BashBlock)
	require.True(t, ok)
	assert.Equal(t, "go test ./...", bash.Command)
}

func TestParseEditBlockWithMultipleHunks(t *testing.T) {
	raw := `<edit path="a.go">
<<<<<<< SEARCH
a := 1
=======
a := 2
>>>>>>> REPLACE
<<<<<<< SEARCH
b := 1
=======
b := 2
>>>>>>> REPLACE
</edit>`

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)

	edit := got[0].(EditBlock)
	require.Len(t, edit.Hunks, 2)
	assert.Equal(t, "a := 1", edit.Hunks[0].Search)
	assert.Equal(t, "a := 2", edit.Hunks[0].Replace)
	assert.Equal(t, "b := 1", edit.Hunks[1].Search)
	assert.Equal(t, "b := 2", edit.Hunks[1].Replace)
}

func TestParseEditBlockUnterminatedSearchReturnsError(t *testing.T) {
	raw := `<edit path="a.go">
<<<<<<< SEARCH
a := 1
</edit>`

	_, err := Parse(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated SEARCH")
}

func TestParseEditBlockUnterminatedReplaceReturnsError(t *testing.T) {
	raw := `<edit path="a.go">
<<<<<<< SEARCH
a := 1
=======
a := 2
</edit>`

	_, err := Parse(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated REPLACE")
}

func TestParsePathAttributeExtraction(t *testing.T) {
	raw := `<file path="nested/dir/name with spaces.txt">
hello
</file>`

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "nested/dir/name with spaces.txt", got[0].(FileBlock).Path)
}

func TestParseDiscardsNoiseOutsideTags(t *testing.T) {
	raw := `random chatter <not-a-block>ignored</not-a-block> more chatter
<bash>echo hi</bash>
trailing`

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "echo hi", got[0].(BashBlock).Command)
}

func TestParseFileContentWithEmbeddedMarkersIsCapturedVerbatim(t *testing.T) {
	raw := `<file path="conflict.txt">
<<<<<<< SEARCH
this looks like a hunk marker but it's just file content
=======
>>>>>>> REPLACE
</file>`

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)

	file := got[0].(FileBlock)
	assert.Contains(t, file.Content, "<<<<<<< SEARCH")
	assert.Contains(t, file.Content, ">>>>>>> REPLACE")
}

package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateOutputLeavesShortStringsUntouched(t *testing.T) {
	assert.Equal(t, "hello", truncateOutput("hello", 100))
}

func TestTruncateOutputCenterElidesLongStrings(t *testing.T) {
	s := strings.Repeat("a", 5000) + strings.Repeat("b", 5000)
	got := truncateOutput(s, 1000)

	assert.True(t, len(got) < len(s))
	assert.True(t, strings.HasPrefix(got, "aaaa"))
	assert.True(t, strings.HasSuffix(got, "bbbb"))
	assert.Contains(t, got, "elided")
}

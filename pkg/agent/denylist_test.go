package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckDenyListBlocksKnownBuiltins(t *testing.T) {
	cases := []string{
		`dd if=/dev/zero of=file.bin bs=1M count=1`,
		`sed -i 's/foo/bar/' file.go`,
		`awk '{print $1}' file.txt`,
		`tee output.txt < input.txt`,
		`echo "hello" > greeting.txt`,
		`printf "x" >> file.txt`,
		`cat > newfile.txt <<EOF`,
	}
	for _, c := range cases {
		denied, reason := checkDenyList(c)
		assert.True(t, denied, "expected %q to be denied", c)
		assert.NotEmpty(t, reason)
	}
}

func TestCheckDenyListAllowsOrdinaryReads(t *testing.T) {
	cases := []string{
		`cat file.go`,
		`echo hello`,
		`go test ./...`,
		`sed 's/foo/bar/' file.go`,
		`ls -la | grep foo`,
	}
	for _, c := range cases {
		denied, _ := checkDenyList(c)
		assert.False(t, denied, "expected %q to be allowed", c)
	}
}

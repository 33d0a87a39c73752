package agent

import "regexp"

// deniedPatterns match in-place file-write shell builtins the agent loop
// never executes directly: they bypass the edit/diff tracking that
// <edit>/<file> blocks provide, so a command reaching for one of these is
// refused and fed back to the model instead of running.
var deniedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bdd\s+`),
	regexp.MustCompile(`\bsed\s+-i\b`),
	regexp.MustCompile(`\bawk\b`),
	regexp.MustCompile(`\btee\b`),
	regexp.MustCompile(`\b(printf|echo|cat)\b[^|;&\n]*>`),
}

const deniedRefusal = "command refused: in-place file writes must go through <file> or <edit> blocks, not shell redirection"

// checkDenyList reports whether cmd is blocked, and if so why.
func checkDenyList(cmd string) (denied bool, reason string) {
	for _, p := range deniedPatterns {
		if p.MatchString(cmd) {
			return true, deniedRefusal
		}
	}
	return false, ""
}

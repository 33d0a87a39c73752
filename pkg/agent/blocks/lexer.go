package blocks

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// blockLexer tokenizes raw model output into tag boundaries plus raw
// content runs. Each block type pushes into its own state so its content
// (including embedded `<<<<<<< SEARCH`/`=======`/`>>>>>>> REPLACE` markers,
// which would otherwise collide with ordinary tag syntax) is captured
// verbatim up to its closing tag rather than re-tokenized.
var blockLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{"ExplanationOpen", `<explanation>`, lexer.Push("Explanation")},
		{"FileOpen", `<file\s+path="[^"]*">`, lexer.Push("File")},
		{"EditOpen", `<edit\s+path="[^"]*">`, lexer.Push("Edit")},
		{"BashOpen", `<bash>`, lexer.Push("Bash")},
		{"Noise", `[^<]+|.`, nil},
	},
	"Explanation": {
		{"Content", `(?s).*?</explanation>`, lexer.Pop()},
	},
	"File": {
		{"Content", `(?s).*?</file>`, lexer.Pop()},
	},
	"Edit": {
		{"Content", `(?s).*?</edit>`, lexer.Pop()},
	},
	"Bash": {
		{"Content", `(?s).*?</bash>`, lexer.Pop()},
	},
})

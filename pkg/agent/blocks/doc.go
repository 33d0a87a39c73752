/*
Package blocks parses one model turn's raw text output into the
structured block kinds the agent loop acts on.

# Block kinds

  - <explanation>...</explanation>: prose shown to the user, never executed
  - <file path="...">...</file>: a full replacement of the named file
  - <edit path="...">...</edit>: one or more SEARCH/REPLACE hunks applied
    as exact-substring matches against the file's current known content
  - <bash>...</bash>: a shell command to run in the sandbox

# Parsing strategy

A stateful lexer (alecthomas/participle/v2) tokenizes tag boundaries and
pushes into a per-block-kind state that captures everything up to the
matching closing tag verbatim. This matters because an <edit> block's own
content legitimately contains `<<<<<<< SEARCH` / `=======` / `>>>>>>>
REPLACE` markers, which a naive single-pass regex would confuse with
surrounding block syntax. Text outside any recognized tag is discarded.

Hunk splitting within an <edit> block's content is not grammar-driven:
the markers are fixed literal delimiters with no nesting, so Parse hands
that content to a small line-oriented state machine instead of a second
lexer mode.

# Usage

	parsed, err := blocks.Parse(modelOutput)
	if err != nil {
		return err
	}
	for _, b := range parsed {
		switch block := b.(type) {
		case blocks.FileBlock:
			apply(block.Path, block.Content)
		case blocks.EditBlock:
			for _, h := range block.Hunks {
				applyHunk(block.Path, h)
			}
		case blocks.BashBlock:
			run(block.Command)
		case blocks.ExplanationBlock:
			display(block.Text)
		}
	}
*/
package blocks

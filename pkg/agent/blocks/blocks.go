package blocks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// Block is one parsed unit of model output, in the order it appeared.
type Block interface {
	isBlock()
}

// ExplanationBlock is prose meant for display, not execution.
type ExplanationBlock struct {
	Text string
}

func (ExplanationBlock) isBlock() {}

// FileBlock is a complete replacement of the file at Path.
type FileBlock struct {
	Path    string
	Content string
}

func (FileBlock) isBlock() {}

// Hunk is one search/replace pair within an EditBlock, applied as an
// exact-substring match against the file's current known content.
type Hunk struct {
	Search  string
	Replace string
}

// EditBlock applies one or more Hunks to the file at Path.
type EditBlock struct {
	Path  string
	Hunks []Hunk
}

func (EditBlock) isBlock() {}

// BashBlock is a shell command to execute in the sandbox.
type BashBlock struct {
	Command string
}

func (BashBlock) isBlock() {}

type document struct {
	Blocks []*blockNode `parser:"( @@ | Noise )*"`
}

type blockNode struct {
	Explanation *explanationNode `parser:"  @@"`
	File        *fileNode        `parser:"| @@"`
	Edit        *editNode        `parser:"| @@"`
	Bash        *bashNode        `parser:"| @@"`
}

type explanationNode struct {
	Open    string `parser:"@ExplanationOpen"`
	Content string `parser:"@Content"`
}

type fileNode struct {
	Open    string `parser:"@FileOpen"`
	Content string `parser:"@Content"`
}

type editNode struct {
	Open    string `parser:"@EditOpen"`
	Content string `parser:"@Content"`
}

type bashNode struct {
	Open    string `parser:"@BashOpen"`
	Content string `parser:"@Content"`
}

var parser = participle.MustBuild[document](
	participle.Lexer(blockLexer),
)

var pathAttr = regexp.MustCompile(`path="([^"]*)"`)

func extractPath(openTag string) string {
	m := pathAttr.FindStringSubmatch(openTag)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Parse tokenizes and parses raw model output into an ordered sequence of
// Blocks. Text outside any recognized tag is discarded — only
// <explanation>, <file>, <edit> and <bash> blocks carry meaning to the
// agent loop.
func Parse(raw string) ([]Block, error) {
	doc, err := parser.ParseString("", raw)
	if err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}

	out := make([]Block, 0, len(doc.Blocks))
	for _, b := range doc.Blocks {
		switch {
		case b.Explanation != nil:
			out = append(out, ExplanationBlock{
				Text: strings.TrimSuffix(b.Explanation.Content, "</explanation>"),
			})
		case b.File != nil:
			out = append(out, FileBlock{
				Path:    extractPath(b.File.Open),
				Content: strings.TrimSuffix(b.File.Content, "</file>"),
			})
		case b.Edit != nil:
			path := extractPath(b.Edit.Open)
			hunks, err := parseHunks(strings.TrimSuffix(b.Edit.Content, "</edit>"))
			if err != nil {
				return nil, fmt.Errorf("parse edit hunks for %s: %w", path, err)
			}
			out = append(out, EditBlock{Path: path, Hunks: hunks})
		case b.Bash != nil:
			out = append(out, BashBlock{
				Command: strings.TrimSpace(strings.TrimSuffix(b.Bash.Content, "</bash>")),
			})
		}
	}
	return out, nil
}

const (
	searchMarker  = "<<<<<<< SEARCH"
	dividerMarker = "======="
	replaceMarker = ">>>>>>> REPLACE"
)

// parseHunks splits an <edit> block's content into its SEARCH/REPLACE
// pairs. Plain line-oriented scanning is used here rather than grammar
// rules: the markers are fixed literal delimiters with no nesting, so a
// small state machine is clearer than a second lexer mode.
func parseHunks(content string) ([]Hunk, error) {
	lines := strings.Split(content, "\n")
	var hunks []Hunk

	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) != searchMarker {
			i++
			continue
		}
		i++

		var search []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != dividerMarker {
			search = append(search, lines[i])
			i++
		}
		if i >= len(lines) {
			return nil, fmt.Errorf("unterminated SEARCH block, missing %q", dividerMarker)
		}
		i++

		var replace []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != replaceMarker {
			replace = append(replace, lines[i])
			i++
		}
		if i >= len(lines) {
			return nil, fmt.Errorf("unterminated REPLACE block, missing %q", replaceMarker)
		}
		i++

		hunks = append(hunks, Hunk{
			Search:  strings.Join(search, "\n"),
			Replace: strings.Join(replace, "\n"),
		})
	}
	return hunks, nil
}

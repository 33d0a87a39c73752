package agent

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/hostgw"
)

// Context assembly limits (step 1 of the per-iteration algorithm).
const (
	maxContextFiles     = 15
	maxContextBytes     = 50 * 1024
	maxTreeListTimeout  = 10 * time.Second
	maxFileReadTimeout  = 5 * time.Second
	maxFileTreeEntries  = 2000
	maxSingleFileSizeKB = 256 // skip pathologically large files from both tree and context selection
)

// skipDirs are pruned from the file tree entirely; they carry no signal
// for a model deciding what to read or edit.
var skipDirs = []string{
	".git", "node_modules", "vendor", "dist", "build", ".next",
	"target", "__pycache__", ".venv", ".cache",
}

// rootPriorityNames are biased toward first when filling the context-file
// budget: project manifests and entrypoints a model almost always needs.
var rootPriorityNames = []string{
	"package.json", "go.mod", "Cargo.toml", "pyproject.toml", "requirements.txt",
	"Makefile", "README.md", "tsconfig.json", "main.go", "index.js", "index.ts",
	"main.py", "app.py",
}

// fileTree lists the sandbox's working tree, skipping noise directories and
// anything over maxSingleFileSizeKB.
func fileTree(ctx context.Context, host *hostgw.Client, sandboxID string) ([]string, error) {
	var prune strings.Builder
	for i, d := range skipDirs {
		if i > 0 {
			prune.WriteString(" -o ")
		}
		prune.WriteString(fmt.Sprintf("-path './%s' -o -path '*/%s'", d, d))
	}
	cmd := fmt.Sprintf(`find . \( %s \) -prune -o -type f -size -%dk -print`, prune.String(), maxSingleFileSizeKB)

	res, err := host.Exec(ctx, sandboxID, cmd, maxTreeListTimeout)
	if err != nil {
		return nil, fmt.Errorf("list file tree: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimPrefix(strings.TrimSpace(l), "./")
		if l == "" {
			continue
		}
		out = append(out, l)
		if len(out) >= maxFileTreeEntries {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

// selectContextFiles picks up to maxContextFiles paths from tree, biased
// toward project-root manifests and entrypoints, filling the remaining
// budget with the shallowest remaining paths (proxy for "most central").
func selectContextFiles(tree []string) []string {
	priority := make(map[string]bool, len(rootPriorityNames))
	for _, n := range rootPriorityNames {
		priority[n] = true
	}

	var picked []string
	var rest []string
	for _, p := range tree {
		if priority[path.Base(p)] {
			picked = append(picked, p)
		} else {
			rest = append(rest, p)
		}
	}

	sort.Slice(rest, func(i, j int) bool {
		di, dj := strings.Count(rest[i], "/"), strings.Count(rest[j], "/")
		if di != dj {
			return di < dj
		}
		return rest[i] < rest[j]
	})

	for _, p := range rest {
		if len(picked) >= maxContextFiles {
			break
		}
		picked = append(picked, p)
	}
	if len(picked) > maxContextFiles {
		picked = picked[:maxContextFiles]
	}
	return picked
}

// readContextFiles reads paths from the sandbox via the exec gateway,
// stopping once the cumulative byte budget is exhausted. A file that fails
// to read is skipped, not fatal.
func readContextFiles(ctx context.Context, host *hostgw.Client, sandboxID string, paths []string) map[string]string {
	contents := make(map[string]string, len(paths))
	budget := maxContextBytes
	for _, p := range paths {
		if budget <= 0 {
			break
		}
		res, err := host.Exec(ctx, sandboxID, "cat "+shellQuote(p), maxFileReadTimeout)
		if err != nil || res.ExitCode != 0 {
			continue
		}
		content := res.Stdout
		if len(content) > budget {
			content = content[:budget]
		}
		contents[p] = content
		budget -= len(content)
	}
	return contents
}

// readAgentsFile reads AGENTS.md from the sandbox root, if present.
func readAgentsFile(ctx context.Context, host *hostgw.Client, sandboxID string) string {
	res, err := host.Exec(ctx, sandboxID, "cat AGENTS.md 2>/dev/null", maxFileReadTimeout)
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return res.Stdout
}

// buildSystemPrompt assembles the system prompt per the per-iteration
// algorithm's step 1: file tree, a bounded selection of context files, and
// project-specific instructions from AGENTS.md.
func buildSystemPrompt(ctx context.Context, host *hostgw.Client, sandboxID string, overlays map[string]string) (string, error) {
	tree, err := fileTree(ctx, host, sandboxID)
	if err != nil {
		return "", err
	}

	selected := selectContextFiles(tree)
	contents := readContextFiles(ctx, host, sandboxID, selected)

	// Step 2: prior session edits overlay the on-disk snapshot so the
	// model always sees its own most recent edits, never stale disk.
	for path, content := range overlays {
		contents[path] = content
	}

	agentsDoc := readAgentsFile(ctx, host, sandboxID)

	var b strings.Builder
	b.WriteString("You are an autonomous coding agent operating inside an ephemeral development sandbox.\n\n")

	if agentsDoc != "" {
		b.WriteString("# Project instructions (AGENTS.md)\n\n")
		b.WriteString(agentsDoc)
		b.WriteString("\n\n")
	}

	b.WriteString("# Repository file tree\n\n")
	for _, p := range tree {
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("\n# Context files\n\n")
	for _, p := range selected {
		content, ok := contents[p]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", p, content)
	}

	b.WriteString(responseFormatInstructions)
	return b.String(), nil
}

const responseFormatInstructions = `# Response format

Respond using these block tags only:

  <explanation>...</explanation>        prose summary of what you are doing
  <file path="...">...</file>           complete replacement of a file
  <edit path="...">                     one or more search/replace hunks
  <<<<<<< SEARCH
  ...exact existing content...
  =======
  ...new content...
  >>>>>>> REPLACE
  </edit>
  <bash>...</bash>                      a shell command to run

Use <edit> for targeted changes and <file> only when replacing a file
wholesale. Each <bash> block runs one command against the sandbox.
`

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

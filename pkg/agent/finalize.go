package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/google/uuid"
)

const maxCommitSummaryLen = 72

// finalize implements the finalization step: record deduplicated file
// changes, write the user-facing summary onto the message, and if a
// working branch and a committer are configured, anything changed and the
// turn was not stopped, hand off to the committer.
func (l *Loop) finalize(ctx context.Context, session *types.Session, msg *types.Message, state *turnState) {
	changes := l.recordFileChanges(msg.ID, state)

	msg.Text = buildSummary(state, changes)
	msg.Finalized = true
	msg.Stopped = state.stopped
	if err := l.manager.UpdateMessage(msg); err != nil {
		log.Errorf("finalize message", err)
	}

	l.manager.PublishEvent(&types.Event{
		Type:      events.EventAgentFinalized,
		Timestamp: time.Now().UTC(),
		SessionID: session.ID,
		Message:   fmt.Sprintf("%d file(s) changed, %d command(s) run", len(changes), len(state.commands)),
	})

	if state.stopped || len(changes) == 0 || session.WorkingBranch == "" || l.committer == nil {
		return
	}

	summary := commitSummaryFrom(msg.Text)
	if err := l.committer.CommitAndOpenPR(ctx, session, changes, summary); err != nil {
		log.Errorf("auto-commit and open pull request", err)
	}
}

// recordFileChanges deduplicates per-path edits (last write wins, which the
// overlay map already guarantees) and durably records one FileChange per
// touched path.
func (l *Loop) recordFileChanges(messageID string, state *turnState) []*types.FileChange {
	changes := make([]*types.FileChange, 0, len(state.touchedOrder))
	for _, path := range state.touchedOrder {
		content, ok := state.overlay[path]
		if !ok {
			continue
		}
		fc := &types.FileChange{
			ID:              uuid.NewString(),
			MessageID:       messageID,
			Path:            path,
			Content:         content,
			OriginalContent: state.baseline[path],
			CreatedAt:       time.Now().UTC(),
		}
		if err := l.manager.CreateFileChange(fc); err != nil {
			log.Errorf("record file change", err)
			continue
		}
		changes = append(changes, fc)
	}
	return changes
}

// buildSummary composes the user-facing message text: the first
// explanation, a compact per-command status block, then any subsequent
// explanations.
func buildSummary(state *turnState, changes []*types.FileChange) string {
	var b strings.Builder

	if len(state.explanations) > 0 {
		b.WriteString(state.explanations[0])
		b.WriteString("\n\n")
	}

	if len(state.commands) > 0 {
		b.WriteString("Commands:\n")
		for _, c := range state.commands {
			status := "✓"
			if c.DeniedReason != "" || c.ExitCode != 0 {
				status = "✗"
			}
			tail := lastLines(c.Output, 3)
			b.WriteString(fmt.Sprintf("%s %s\n", status, c.Command))
			if c.DeniedReason != "" {
				b.WriteString("  " + c.DeniedReason + "\n")
			} else if tail != "" {
				b.WriteString(indent(tail, "  "))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	if len(changes) > 0 {
		b.WriteString(fmt.Sprintf("Changed %d file(s):\n", len(changes)))
		for _, c := range changes {
			b.WriteString("  " + c.Path + "\n")
		}
		b.WriteString("\n")
	}

	for _, e := range state.explanations[min(1, len(state.explanations)):] {
		b.WriteString(e)
		b.WriteString("\n\n")
	}

	if state.stopped {
		b.WriteString("(stopped by user request)\n")
	}

	return strings.TrimSpace(b.String())
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// commitSummaryFrom derives a sanitized one-line commit message from the
// summary's first line: trimmed, collapsed whitespace, capped length.
func commitSummaryFrom(summary string) string {
	firstLine := summary
	if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
		firstLine = summary[:idx]
	}
	firstLine = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, firstLine)
	firstLine = strings.Join(strings.Fields(firstLine), " ")
	if firstLine == "" {
		firstLine = "agent: apply changes"
	}
	if len(firstLine) > maxCommitSummaryLen {
		firstLine = strings.TrimSpace(firstLine[:maxCommitSummaryLen])
	}
	return firstLine
}

package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/agent/blocks"
	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/hostgw"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/google/uuid"
)

// Config tunes the per-iteration and streaming behavior of Loop.
type Config struct {
	MaxIterations       int
	ConversationWindow  int // number of trailing messages read as context
	FlushInterval       time.Duration
	FlushMinChars       int
	StopCheckInterval   time.Duration
	OutputTruncateBytes int
	ExecTimeout         time.Duration
}

// DefaultConfig returns the per-iteration tuning used in production.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       5,
		ConversationWindow:  10,
		FlushInterval:       300 * time.Millisecond,
		FlushMinChars:       50,
		StopCheckInterval:   2 * time.Second,
		OutputTruncateBytes: 8 * 1024,
		ExecTimeout:         2 * time.Minute,
	}
}

// Committer opens (or reuses) a pull request for a session's working
// branch after an agent turn finalizes with file changes. pkg/sourcehost
// implements this against the configured source host; Loop itself has no
// dependency on any specific provider.
type Committer interface {
	CommitAndOpenPR(ctx context.Context, session *types.Session, changes []*types.FileChange, summary string) error
}

// Loop drives one user turn end-to-end: stream, parse, apply, execute,
// repeat until the model stops producing bash commands or the iteration
// cap is reached.
type Loop struct {
	manager   *controlplane.Manager
	host      *hostgw.Client
	stream    Stream
	committer Committer
	cfg       Config
}

// New builds a Loop. committer may be nil, in which case finalize never
// auto-commits or opens a pull request.
func New(mgr *controlplane.Manager, host *hostgw.Client, stream Stream, committer Committer, cfg Config) *Loop {
	return &Loop{manager: mgr, host: host, stream: stream, committer: committer, cfg: cfg}
}

// turnState accumulates the edits and command results produced across all
// iterations of a single Run call, for finalization.
type turnState struct {
	overlay      map[string]string // path -> latest known content this turn
	baseline     map[string]string // path -> content as first observed this turn
	touchedOrder []string          // paths in first-touched order

	explanations []string
	commands     []*types.BashCommand
	stopped      bool
}

// Run drives one user turn for sessionID's most recently active sandbox.
// userMessage is the new user turn to append before iterating.
func (l *Loop) Run(ctx context.Context, sessionID, userMessage string) (*types.Message, error) {
	store := l.manager.Store()

	session, err := store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.SandboxID == "" {
		return nil, fmt.Errorf("session %s has no active sandbox", sessionID)
	}
	sandbox, err := store.GetSandbox(session.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("load sandbox: %w", err)
	}

	userMsg := &types.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		Text:      userMessage,
		Finalized: true,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.manager.CreateMessage(userMsg); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	history, err := store.ListMessagesBySession(sessionID, l.cfg.ConversationWindow)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}
	conversation := toChatMessages(history)

	state := &turnState{
		overlay:  make(map[string]string),
		baseline: make(map[string]string),
	}
	l.seedOverlayFromHistory(sessionID, state)

	assistantMsg := &types.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      types.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.manager.CreateMessage(assistantMsg); err != nil {
		return nil, fmt.Errorf("record assistant message: %w", err)
	}

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		timer := metrics.NewTimer()
		hadBash, stopped, err := l.runIteration(ctx, session, sandbox, &conversation, assistantMsg, state)
		timer.ObserveDuration(metrics.AgentIterationDuration)

		if err != nil {
			metrics.AgentIterationsTotal.WithLabelValues("error").Inc()
			log.Errorf("agent iteration failed", err)
			state.explanations = append(state.explanations, fmt.Sprintf("iteration failed: %v", err))
			break
		}
		if stopped {
			metrics.AgentIterationsTotal.WithLabelValues("stopped").Inc()
			state.stopped = true
			break
		}
		metrics.AgentIterationsTotal.WithLabelValues("ok").Inc()
		if !hadBash {
			break
		}
	}

	l.finalize(ctx, session, assistantMsg, state)
	return assistantMsg, nil
}

// seedOverlayFromHistory carries the most recent finalized file changes in
// this session's history forward as the starting overlay, so the model
// never sees content it itself already rewrote in an earlier turn.
func (l *Loop) seedOverlayFromHistory(sessionID string, state *turnState) {
	store := l.manager.Store()
	messages, err := store.ListMessagesBySession(sessionID, 0)
	if err != nil {
		return
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	for _, m := range messages {
		if !m.Finalized {
			continue
		}
		changes, err := store.ListFileChangesByMessage(m.ID)
		if err != nil {
			continue
		}
		for _, fc := range changes {
			state.overlay[fc.Path] = fc.Content
		}
	}
}

// runIteration performs one model round-trip plus block application. It
// returns whether the response contained bash commands (loop continues)
// and whether a stop was observed mid-stream.
func (l *Loop) runIteration(ctx context.Context, session *types.Session, sandbox *types.Sandbox, conversation *[]ChatMessage, msg *types.Message, state *turnState) (hadBash bool, stopped bool, err error) {
	systemPrompt, err := buildSystemPrompt(ctx, l.host, sandbox.HostSandboxID, state.overlay)
	if err != nil {
		return false, false, fmt.Errorf("build system prompt: %w", err)
	}

	messages := make([]ChatMessage, 0, len(*conversation)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	messages = append(messages, *conversation...)

	text, stopped, err := l.streamResponse(ctx, session, msg, messages)
	if err != nil {
		return false, false, err
	}
	if stopped {
		return false, true, nil
	}

	parsed, err := blocks.Parse(text)
	if err != nil {
		// A malformed response is not fatal: fold it into the summary and
		// stop this turn rather than aborting the whole session.
		state.explanations = append(state.explanations, fmt.Sprintf("could not parse model response: %v", err))
		return false, false, nil
	}

	var commandResults []string
	for _, b := range parsed {
		switch block := b.(type) {
		case blocks.ExplanationBlock:
			state.explanations = append(state.explanations, strings.TrimSpace(block.Text))

		case blocks.FileBlock:
			l.touchFile(ctx, sandbox.HostSandboxID, state, block.Path)
			state.overlay[block.Path] = block.Content

		case blocks.EditBlock:
			l.touchFile(ctx, sandbox.HostSandboxID, state, block.Path)
			current := state.overlay[block.Path]
			for _, h := range block.Hunks {
				if !strings.Contains(current, h.Search) {
					log.Warn(fmt.Sprintf("edit hunk did not match for %s, skipping", block.Path))
					continue
				}
				current = strings.Replace(current, h.Search, h.Replace, 1)
			}
			state.overlay[block.Path] = current

		case blocks.BashBlock:
			hadBash = true
			result := l.runBashCommand(ctx, sandbox.HostSandboxID, session.ID, msg.ID, block.Command, state)
			commandResults = append(commandResults, result)
		}
	}

	*conversation = append(*conversation,
		ChatMessage{Role: "assistant", Content: text},
	)
	if hadBash {
		*conversation = append(*conversation,
			ChatMessage{Role: "user", Content: "[bash output]\n" + strings.Join(commandResults, "\n")},
		)
	}

	return hadBash, false, nil
}

// touchFile records the pre-turn baseline for path the first time it is
// referenced this turn, reading it from the sandbox if not already cached
// in the overlay from an earlier finalized turn.
func (l *Loop) touchFile(ctx context.Context, hostSandboxID string, state *turnState, path string) {
	if _, seen := state.baseline[path]; seen {
		return
	}
	if existing, ok := state.overlay[path]; ok {
		state.baseline[path] = existing
		state.touchedOrder = append(state.touchedOrder, path)
		return
	}

	res, err := l.host.Exec(ctx, hostSandboxID, "cat "+shellQuote(path)+" 2>/dev/null", maxFileReadTimeout)
	baseline := ""
	if err == nil && res.ExitCode == 0 {
		baseline = res.Stdout
	}
	state.baseline[path] = baseline
	state.touchedOrder = append(state.touchedOrder, path)
}

// runBashCommand enforces the deny list, executes the command via the host
// gateway if allowed, and records a BashCommand either way. It returns the
// text folded back into the conversation as the command's output.
func (l *Loop) runBashCommand(ctx context.Context, hostSandboxID, sessionID, messageID, command string, state *turnState) string {
	if denied, reason := checkDenyList(command); denied {
		metrics.AgentBashDeniedTotal.Inc()
		bc := &types.BashCommand{
			ID:           uuid.NewString(),
			MessageID:    messageID,
			Command:      command,
			ExitCode:     1,
			DeniedReason: reason,
			CreatedAt:    time.Now().UTC(),
		}
		if err := l.manager.CreateBashCommand(bc); err != nil {
			log.Errorf("record denied bash command", err)
		}
		state.commands = append(state.commands, bc)
		l.manager.PublishEvent(&types.Event{
			Type:      events.EventAgentCommandDenied,
			Timestamp: time.Now().UTC(),
			SessionID: sessionID,
			Message:   reason,
		})
		return fmt.Sprintf("$ %s\n%s (exit 1)", command, reason)
	}

	res, err := l.host.Exec(ctx, hostSandboxID, command, l.cfg.ExecTimeout)
	bc := &types.BashCommand{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Command:   command,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		bc.ExitCode = -1
		bc.Output = truncateOutput(err.Error(), l.cfg.OutputTruncateBytes)
	} else {
		bc.ExitCode = res.ExitCode
		bc.Output = truncateOutput(res.Output, l.cfg.OutputTruncateBytes)
	}
	if cerr := l.manager.CreateBashCommand(bc); cerr != nil {
		log.Errorf("record bash command", cerr)
	}
	state.commands = append(state.commands, bc)

	return fmt.Sprintf("$ %s\n%s (exit %d)", command, bc.Output, bc.ExitCode)
}

// streamResponse drives one model call, flushing partial text to the
// message store and watching for a mid-stream stop request.
func (l *Loop) streamResponse(ctx context.Context, session *types.Session, msg *types.Message, messages []ChatMessage) (text string, stopped bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := l.stream.StreamChat(streamCtx, messages)
	if err != nil {
		return "", false, fmt.Errorf("start model stream: %w", err)
	}

	var accumulator strings.Builder
	lastFlushLen := 0

	flushTicker := time.NewTicker(l.cfg.FlushInterval)
	defer flushTicker.Stop()
	stopTicker := time.NewTicker(l.cfg.StopCheckInterval)
	defer stopTicker.Stop()

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				text = accumulator.String()
				msg.Text = text
				_ = l.manager.UpdateMessage(msg)
				return text, false, nil
			}
			if c.Err != nil {
				return "", false, fmt.Errorf("model stream: %w", c.Err)
			}
			accumulator.WriteString(c.Delta)
			if c.Done {
				text = accumulator.String()
				msg.Text = text
				_ = l.manager.UpdateMessage(msg)
				return text, false, nil
			}

		case <-flushTicker.C:
			if accumulator.Len()-lastFlushLen >= l.cfg.FlushMinChars {
				msg.Text = accumulator.String()
				if err := l.manager.UpdateMessage(msg); err != nil {
					log.Errorf("flush streamed message", err)
				}
				lastFlushLen = accumulator.Len()
			}

		case <-stopTicker.C:
			fresh, err := l.manager.Store().GetSession(session.ID)
			if err == nil && fresh.StopRequested {
				cancel()
				msg.Text = accumulator.String()
				msg.Stopped = true
				_ = l.manager.UpdateMessage(msg)
				return "", true, nil
			}
		}
	}
}

func toChatMessages(history []*types.Message) []ChatMessage {
	sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "assistant"
		}
		out = append(out, ChatMessage{Role: role, Content: m.Text})
	}
	return out
}

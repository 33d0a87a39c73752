package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/hostgw"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/google/uuid"
)

// Driver is the contract both Loop and CLIDriver satisfy: drive one user
// turn for a session to completion and return the finalized message.
type Driver interface {
	Run(ctx context.Context, sessionID, userMessage string) (*types.Message, error)
}

// CLIDriverConfig tunes CLIDriver's polling behavior.
type CLIDriverConfig struct {
	BinaryPath          string // CLI binary available inside the sandbox image
	ProgressFile        string // JSONL progress file path, relative to the sandbox workdir
	PollInterval        time.Duration
	StartTimeout        time.Duration
	ExecTimeout         time.Duration
	OutputTruncateBytes int
}

// DefaultCLIDriverConfig returns sensible polling defaults.
func DefaultCLIDriverConfig() CLIDriverConfig {
	return CLIDriverConfig{
		BinaryPath:          "agent-cli",
		ProgressFile:        ".agent-progress.jsonl",
		PollInterval:        1 * time.Second,
		StartTimeout:        10 * time.Second,
		ExecTimeout:         10 * time.Second,
		OutputTruncateBytes: 8 * 1024,
	}
}

// CLIDriver runs a CLI language-model binary inside the sandbox rather
// than streaming from this process. Its contract to the rest of the
// system (Driver) is identical to Loop: same inputs, same finalized
// Message shape, same FileChange/BashCommand audit trail.
type CLIDriver struct {
	manager   *controlplane.Manager
	host      *hostgw.Client
	committer Committer
	cfg       CLIDriverConfig
}

// NewCLIDriver builds a CLIDriver.
func NewCLIDriver(mgr *controlplane.Manager, host *hostgw.Client, committer Committer, cfg CLIDriverConfig) *CLIDriver {
	return &CLIDriver{manager: mgr, host: host, committer: committer, cfg: cfg}
}

// progressEvent is one JSONL line the CLI binary appends to report
// incremental state.
type progressEvent struct {
	Type string `json:"type"` // "explanation" | "done" | "error"
	Text string `json:"text"`
}

// Run spawns the CLI binary in the background, polls its progress file
// until it signals completion (or the session requests a stop), then
// derives the changed-file set from git diff.
func (d *CLIDriver) Run(ctx context.Context, sessionID, userMessage string) (*types.Message, error) {
	store := d.manager.Store()

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
	hostSandboxID := sandbox.HostSandboxID

	userMsg := &types.Message{
		ID: uuid.NewString(), SessionID: sessionID, Role: types.RoleUser,
		Text: userMessage, Finalized: true, CreatedAt: time.Now().UTC(),
	}
	if err := d.manager.CreateMessage(userMsg); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	assistantMsg := &types.Message{
		ID: uuid.NewString(), SessionID: sessionID, Role: types.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.manager.CreateMessage(assistantMsg); err != nil {
		return nil, fmt.Errorf("record assistant message: %w", err)
	}

	pid, err := d.start(ctx, hostSandboxID, userMessage)
	if err != nil {
		return nil, fmt.Errorf("start CLI agent: %w", err)
	}

	state := &turnState{overlay: make(map[string]string), baseline: make(map[string]string)}
	if err := d.poll(ctx, session, hostSandboxID, pid, assistantMsg, state); err != nil {
		state.explanations = append(state.explanations, fmt.Sprintf("CLI agent run failed: %v", err))
	}

	changes, err := d.collectDiff(ctx, hostSandboxID, assistantMsg.ID, state)
	if err != nil {
		log.Errorf("collect CLI agent diff", err)
	}

	d.finalizeFromCLI(ctx, session, assistantMsg, state, changes)
	return assistantMsg, nil
}

// start launches the CLI binary in the background and returns its pid.
func (d *CLIDriver) start(ctx context.Context, hostSandboxID, userMessage string) (string, error) {
	cmd := fmt.Sprintf(
		"rm -f %s; nohup %s --prompt %s --progress-file %s > /tmp/agent-cli.log 2>&1 & echo $!",
		shellQuote(d.cfg.ProgressFile), d.cfg.BinaryPath, shellQuote(userMessage), shellQuote(d.cfg.ProgressFile),
	)
	res, err := d.host.Exec(ctx, hostSandboxID, cmd, d.cfg.StartTimeout)
	if err != nil {
		return "", err
	}
	pid := strings.TrimSpace(res.Stdout)
	if _, convErr := strconv.Atoi(pid); convErr != nil {
		return "", fmt.Errorf("unexpected pid output %q", pid)
	}
	return pid, nil
}

// poll tails the progress file until the CLI process signals completion,
// exits on its own, or the session requests a stop (forwarded as SIGTERM).
func (d *CLIDriver) poll(ctx context.Context, session *types.Session, hostSandboxID, pid string, msg *types.Message, state *turnState) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var offset int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			progress, newOffset, err := d.readProgress(ctx, hostSandboxID, offset)
			if err != nil {
				return err
			}
			offset = newOffset
			for _, ev := range progress {
				switch ev.Type {
				case "explanation":
					state.explanations = append(state.explanations, ev.Text)
					msg.Text = strings.Join(state.explanations, "\n\n")
					_ = d.manager.UpdateMessage(msg)
				case "done":
					return nil
				case "error":
					return fmt.Errorf("CLI agent reported error: %s", ev.Text)
				}
			}

			fresh, err := d.manager.Store().GetSession(session.ID)
			if err == nil && fresh.StopRequested {
				d.forwardStop(ctx, hostSandboxID, pid)
				state.stopped = true
				return nil
			}

			running, err := d.processRunning(ctx, hostSandboxID, pid)
			if err == nil && !running {
				return nil
			}
		}
	}
}

func (d *CLIDriver) readProgress(ctx context.Context, hostSandboxID string, offset int) ([]progressEvent, int, error) {
	res, err := d.host.Exec(ctx, hostSandboxID, "cat "+shellQuote(d.cfg.ProgressFile)+" 2>/dev/null", d.cfg.ExecTimeout)
	if err != nil || res.ExitCode != 0 {
		return nil, offset, nil // file not created yet, not an error
	}
	lines := strings.Split(res.Stdout, "\n")
	if offset >= len(lines) {
		return nil, offset, nil
	}
	var out []progressEvent
	for _, l := range lines[offset:] {
		if strings.TrimSpace(l) == "" {
			continue
		}
		var ev progressEvent
		if err := json.Unmarshal([]byte(l), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, len(lines), nil
}

func (d *CLIDriver) processRunning(ctx context.Context, hostSandboxID, pid string) (bool, error) {
	res, err := d.host.Exec(ctx, hostSandboxID, "kill -0 "+pid+" 2>/dev/null && echo alive || echo dead", d.cfg.ExecTimeout)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "alive", nil
}

func (d *CLIDriver) forwardStop(ctx context.Context, hostSandboxID, pid string) {
	if _, err := d.host.Exec(ctx, hostSandboxID, "kill -TERM "+pid+" 2>/dev/null", d.cfg.ExecTimeout); err != nil {
		log.Errorf("forward stop signal to CLI agent", err)
	}
}

// collectDiff reads git's changed-file list and, for each path, the
// current content plus the pre-change content from HEAD.
func (d *CLIDriver) collectDiff(ctx context.Context, hostSandboxID, messageID string, state *turnState) ([]*types.FileChange, error) {
	res, err := d.host.Exec(ctx, hostSandboxID, "git diff --name-only HEAD", d.cfg.ExecTimeout)
	if err != nil {
		return nil, err
	}
	paths := strings.Split(strings.TrimSpace(res.Stdout), "\n")

	var changes []*types.FileChange
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		current, err := d.host.Exec(ctx, hostSandboxID, "cat "+shellQuote(p)+" 2>/dev/null", d.cfg.ExecTimeout)
		if err != nil {
			continue
		}
		original, err := d.host.Exec(ctx, hostSandboxID, "git show HEAD:"+shellQuote(p)+" 2>/dev/null", d.cfg.ExecTimeout)
		originalContent := ""
		if err == nil && original.ExitCode == 0 {
			originalContent = original.Stdout
		}

		fc := &types.FileChange{
			ID: uuid.NewString(), MessageID: messageID, Path: p,
			Content: current.Stdout, OriginalContent: originalContent,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.manager.CreateFileChange(fc); err != nil {
			log.Errorf("record CLI agent file change", err)
			continue
		}
		changes = append(changes, fc)
		state.overlay[p] = current.Stdout
		state.touchedOrder = append(state.touchedOrder, p)
	}
	return changes, nil
}

func (d *CLIDriver) finalizeFromCLI(ctx context.Context, session *types.Session, msg *types.Message, state *turnState, changes []*types.FileChange) {
	msg.Text = buildSummary(state, changes)
	msg.Finalized = true
	msg.Stopped = state.stopped
	if err := d.manager.UpdateMessage(msg); err != nil {
		log.Errorf("finalize CLI agent message", err)
	}

	d.manager.PublishEvent(&types.Event{
		Type:      events.EventAgentFinalized,
		Timestamp: time.Now().UTC(),
		SessionID: session.ID,
		Message:   fmt.Sprintf("%d file(s) changed (cli driver)", len(changes)),
	})

	if state.stopped || len(changes) == 0 || session.WorkingBranch == "" || d.committer == nil {
		return
	}
	summary := commitSummaryFrom(msg.Text)
	if err := d.committer.CommitAndOpenPR(ctx, session, changes, summary); err != nil {
		log.Errorf("auto-commit and open pull request (cli driver)", err)
	}
}

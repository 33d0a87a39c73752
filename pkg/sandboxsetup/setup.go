// Package sandboxsetup drives a sandbox through the host daemon's setup
// call: resolving the branch it should clone (falling back to the repo's
// default branch when the requested one doesn't exist), minting a clone
// token for the sandbox's owner, and handling the host's "never heard of
// this sandbox" case by recreating it once before giving up. It is the
// missing link between a sandbox record reaching cloning/creating and the
// host daemon actually starting the clone/install/start sequence.
package sandboxsetup

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/hostgw"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/rs/zerolog"
)

// BranchResolver resolves the branch a sandbox should clone and mints a
// clone token for its owner. Implemented by pkg/sourcehost.Resolver.
type BranchResolver interface {
	Resolve(ctx context.Context, ownerID, repoID, targetBranch string) (effectiveBranch, defaultBranch string, fellBack bool, token string, err error)
}

// Config configures a Coordinator.
type Config struct {
	// CallbackBaseURL is the externally-reachable address the host daemon
	// posts sandbox-status callbacks back to.
	CallbackBaseURL string
}

// Coordinator owns the request-a-sandbox path's back half: branch
// resolution, token retrieval, and the host Setup call, including its
// narrow retry-once-on-404 rule.
type Coordinator struct {
	manager  *controlplane.Manager
	host     *hostgw.Client
	resolver BranchResolver
	cfg      Config
	logger   zerolog.Logger
}

// New builds a Coordinator.
func New(mgr *controlplane.Manager, host *hostgw.Client, resolver BranchResolver, cfg Config) *Coordinator {
	return &Coordinator{
		manager:  mgr,
		host:     host,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("sandboxsetup"),
	}
}

// Run resolves sb's branch and calls the host's setup endpoint against
// sb.HostSandboxID, which must already be populated. On success sb ends in
// cloning. A 404 from the host (it lost the placement, e.g. a reaped pool
// entry) gets one fresh host-create-and-retry per the gateway's
// missing-resource rule; any other failure, or a second failure after the
// retry, marks sb unhealthy.
func (c *Coordinator) Run(ctx context.Context, sb *types.Sandbox) error {
	effective, defaultBranch, fellBack, token, err := c.resolver.Resolve(ctx, sb.OwnerID, sb.RepoID, sb.TargetBranch)
	if err != nil {
		return c.fail(sb, "branch_resolve_failed", err)
	}

	if fellBack {
		c.appendBranchFallback(sb, sb.TargetBranch, effective)
	}
	sb.EffectiveBranch = effective
	sb.BranchFellBack = fellBack

	req := hostgw.SetupRequest{
		RepoSlug:       sb.RepoID,
		TargetBranch:   effective,
		DefaultBranch:  defaultBranch,
		SourceToken:    token,
		CallbackURL:    c.cfg.CallbackBaseURL + "/sandbox-status",
		CallbackSecret: sb.APISecret,
	}

	if err := c.host.Setup(ctx, sb.HostSandboxID, req); err != nil {
		if hgErr, ok := err.(*hostgw.Error); ok && hgErr.Class == hostgw.ErrClassNotFound {
			return c.retryAfterLostPlacement(ctx, sb, req)
		}
		return c.fail(sb, "host_setup_failed", err)
	}
	return c.advance(sb, "host_setup_started")
}

// retryAfterLostPlacement recreates sb's host sandbox and retries setup
// once. A cloning record takes the state table's rare "cloning -> creating"
// fallback transition first, so the retry is visible in the audit history
// the same way a cold-start create would be.
func (c *Coordinator) retryAfterLostPlacement(ctx context.Context, sb *types.Sandbox, req hostgw.SetupRequest) error {
	c.logger.Warn().Str("sandbox_id", sb.ID).Msg("host has no record of sandbox at setup, recreating")

	if sb.Status == types.SandboxCloning {
		if err := c.transition(sb, types.SandboxCreating, "host_setup_not_found_fallback"); err != nil {
			return c.fail(sb, "host_setup_failed", err)
		}
	}

	out, err := c.host.CreateSandbox(ctx, hostgw.CreateSandboxRequest{Name: sb.Name})
	if err != nil {
		return c.fail(sb, "host_recreate_failed", err)
	}
	sb.HostSandboxID = out.SandboxID
	sb.HostPort = out.Port
	sb.PreviewURL = out.PreviewURL
	sb.ExecURL = out.ExecURL
	sb.LogURL = out.LogURL
	sb.TerminalURL = out.TerminalURL
	if err := c.persist(sb); err != nil {
		return c.fail(sb, "host_recreate_failed", err)
	}

	if err := c.host.Setup(ctx, sb.HostSandboxID, req); err != nil {
		return c.fail(sb, "host_setup_failed", err)
	}
	return c.advance(sb, "host_setup_retried")
}

func (c *Coordinator) advance(sb *types.Sandbox, reason string) error {
	return c.transition(sb, types.SandboxCloning, reason)
}

// transition mirrors pkg/scheduler's internal transition helper: every
// setup-driven move is internally originated, never a host callback.
func (c *Coordinator) transition(sb *types.Sandbox, target types.SandboxStatus, reason string) error {
	result, err := sandbox.Transition(sb.Status, target, reason, false, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.Ignored {
		return c.persist(sb)
	}

	from := sb.Status
	sandbox.Apply(sb, result)
	if err := c.persist(sb); err != nil {
		return err
	}

	metrics.SandboxTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	c.manager.PublishEvent(&types.Event{
		Type:      events.EventSandboxTransitioned,
		SandboxID: sb.ID,
		SessionID: sb.SessionID,
		Message:   reason,
	})
	return nil
}

func (c *Coordinator) persist(sb *types.Sandbox) error {
	if err := c.manager.UpdateSandbox(sb); err != nil {
		return fmt.Errorf("commit sandbox %s: %w", sb.ID, err)
	}
	return nil
}

func (c *Coordinator) fail(sb *types.Sandbox, reason string, cause error) error {
	sb.LastError = cause.Error()
	if err := c.transition(sb, types.SandboxUnhealthy, reason); err != nil {
		c.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to mark sandbox unhealthy after setup failure")
	}
	return cause
}

// appendBranchFallback records the branch substitution as its own audit
// entry. It doesn't change sb.Status, so it bypasses the state machine the
// way LastError and other descriptive fields do.
func (c *Coordinator) appendBranchFallback(sb *types.Sandbox, requested, effective string) {
	sb.History = append(sb.History, types.StatusEvent{
		Status:    sb.Status,
		Timestamp: time.Now().UTC(),
		Reason:    fmt.Sprintf("branch_fallback:%s->%s", requested, effective),
	})
}

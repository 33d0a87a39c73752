package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/health"
	"github.com/cuemby/sandboxd/pkg/hostgw"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/rs/zerolog"
)

// setupCoordinator drives a sandbox that just got a host placement through
// branch resolution and the host's setup call. Implemented by
// pkg/sandboxsetup.Coordinator.
type setupCoordinator interface {
	Run(ctx context.Context, sb *types.Sandbox) error
}

// Config holds the tunable timeouts and batch sizes the tasks below read.
// Defaults match the spec's suggested values; a backend with slower cold
// starts can widen them.
type Config struct {
	BatchSize int

	CreatingTimeout   time.Duration
	CloningTimeout    time.Duration
	InstallingTimeout time.Duration
	StartingTimeout   time.Duration

	HeartbeatWarning time.Duration
	HeartbeatStop    time.Duration

	DestroyedRetention time.Duration
}

// DefaultConfig returns the spec's suggested timeouts.
func DefaultConfig() Config {
	return Config{
		BatchSize:          10,
		CreatingTimeout:    5 * time.Minute,
		CloningTimeout:     10 * time.Minute,
		InstallingTimeout:  15 * time.Minute,
		StartingTimeout:    2 * time.Minute,
		HeartbeatWarning:   60 * time.Second,
		HeartbeatStop:      5 * time.Minute,
		DestroyedRetention: 24 * time.Hour,
	}
}

// Scheduler holds the dependencies every task needs: the durable command
// log (for transitions), the host gateway (for create/destroy), and the
// read-local store (for the status-index scans the tasks key off of).
type Scheduler struct {
	manager    *controlplane.Manager
	host       *hostgw.Client
	setup      setupCoordinator
	hostHealth *health.HTTPChecker
	cfg        Config
	logger     zerolog.Logger
}

// New builds a Runner with all seven periodic tasks wired to their cadence.
// setup drives the host Setup call for sandboxes that just received a host
// placement (see processRequested).
func New(mgr *controlplane.Manager, host *hostgw.Client, setup setupCoordinator, cfg Config) *Runner {
	s := &Scheduler{
		manager:    mgr,
		host:       host,
		setup:      setup,
		hostHealth: health.NewHTTPChecker(host.BaseURL() + "/healthz"),
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
	}

	return NewRunner([]Task{
		{Name: "process-requested", Interval: 5 * time.Second, Fn: s.processRequested},
		{Name: "check-heartbeats", Interval: 30 * time.Second, Fn: s.checkHeartbeats},
		{Name: "check-timeouts", Interval: 15 * time.Second, Fn: s.checkTimeouts},
		{Name: "process-stopping", Interval: 10 * time.Second, Fn: s.processStopping},
		{Name: "process-unhealthy", Interval: 30 * time.Second, Fn: s.processUnhealthy},
		{Name: "reconcile", Interval: 60 * time.Second, Fn: s.reconcile},
		{Name: "cleanup-old", Interval: time.Hour, Fn: s.cleanupOld},
	})
}

// transition evaluates and, if accepted, commits a sandbox transition,
// publishing the resulting event. hostOriginated is always false here: every
// scheduler-driven transition is internally driven, not a host callback.
func (s *Scheduler) transition(sb *types.Sandbox, target types.SandboxStatus, reason string) error {
	result, err := sandbox.Transition(sb.Status, target, reason, false, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.Ignored {
		return nil
	}

	from := sb.Status
	sandbox.Apply(sb, result)
	if err := s.manager.UpdateSandbox(sb); err != nil {
		return fmt.Errorf("commit transition %s -> %s: %w", from, target, err)
	}

	metrics.SandboxTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	s.manager.PublishEvent(&types.Event{
		Type:      events.EventSandboxTransitioned,
		SandboxID: sb.ID,
		SessionID: sb.SessionID,
		Message:   reason,
	})
	return nil
}

// processRequested picks up to a batch of requested sandboxes, transitions
// them to creating, and calls the host to create each one in turn.
func (s *Scheduler) processRequested(ctx context.Context) error {
	pending, err := s.manager.Store().ListSandboxesByStatus(types.SandboxRequested)
	if err != nil {
		return fmt.Errorf("list requested sandboxes: %w", err)
	}
	if len(pending) > s.cfg.BatchSize {
		pending = pending[:s.cfg.BatchSize]
	}

	for _, sb := range pending {
		if err := s.transition(sb, types.SandboxCreating, "scheduler_pickup"); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to transition requested sandbox to creating")
			continue
		}

		out, err := s.host.CreateSandbox(ctx, hostgw.CreateSandboxRequest{Name: sb.Name})
		if err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("host create failed")
			if tErr := s.transition(sb, types.SandboxUnhealthy, "host_create_failed"); tErr != nil {
				s.logger.Error().Err(tErr).Str("sandbox_id", sb.ID).Msg("failed to mark sandbox unhealthy after create failure")
			}
			continue
		}

		sb.HostSandboxID = out.SandboxID
		sb.HostPort = out.Port
		sb.PreviewURL = out.PreviewURL
		sb.ExecURL = out.ExecURL
		sb.LogURL = out.LogURL
		sb.TerminalURL = out.TerminalURL
		if err := s.manager.UpdateSandbox(sb); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to persist host placement")
			continue
		}

		if err := s.setup.Run(ctx, sb); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("host setup failed")
		}
	}
	return nil
}

// heartbeatAction decides what, if anything, check-heartbeats should do
// with a sandbox in status whose last heartbeat is age old. It is a pure
// function so the boundary timing (age exactly at a threshold) is testable
// without a store or host gateway.
func heartbeatAction(status types.SandboxStatus, age time.Duration, cfg Config) (target types.SandboxStatus, reason string, ok bool) {
	switch status {
	case types.SandboxActive:
		switch {
		case age > cfg.HeartbeatStop:
			return types.SandboxStopping, "no_heartbeat_timeout", true
		case age > cfg.HeartbeatWarning:
			return types.SandboxReady, "heartbeat_warning", true
		}
	case types.SandboxReady:
		if age > cfg.HeartbeatStop {
			return types.SandboxStopping, "no_heartbeat_timeout", true
		}
	}
	return "", "", false
}

// checkHeartbeats demotes active/ready sandboxes whose heartbeat has gone
// stale, eventually driving them to stopping.
func (s *Scheduler) checkHeartbeats(ctx context.Context) error {
	now := time.Now().UTC()

	for _, status := range []types.SandboxStatus{types.SandboxActive, types.SandboxReady} {
		sandboxes, err := s.manager.Store().ListSandboxesByStatus(status)
		if err != nil {
			return fmt.Errorf("list %s sandboxes: %w", status, err)
		}
		for _, sb := range sandboxes {
			target, reason, ok := heartbeatAction(sb.Status, now.Sub(sb.LastHeartbeat), s.cfg)
			if !ok {
				continue
			}
			if err := s.transition(sb, target, reason); err != nil {
				s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to apply heartbeat transition")
			}
		}
	}
	return nil
}

// checkTimeouts scans each transitional state for sandboxes that have been
// stuck longer than that state's timeout and marks them unhealthy.
func (s *Scheduler) checkTimeouts(ctx context.Context) error {
	now := time.Now().UTC()

	stateTimeouts := []struct {
		status  types.SandboxStatus
		timeout time.Duration
		reason  string
	}{
		{types.SandboxCreating, s.cfg.CreatingTimeout, "creating_timeout"},
		{types.SandboxCloning, s.cfg.CloningTimeout, "cloning_timeout"},
		{types.SandboxInstalling, s.cfg.InstallingTimeout, "installing_timeout"},
		{types.SandboxStarting, s.cfg.StartingTimeout, "starting_timeout"},
	}

	for _, st := range stateTimeouts {
		cutoff := now.Add(-st.timeout)
		stale, err := s.manager.Store().ListSandboxesByStatusBefore(st.status, cutoff, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list stale %s sandboxes: %w", st.status, err)
		}
		for _, sb := range stale {
			if err := s.transition(sb, types.SandboxUnhealthy, st.reason); err != nil {
				s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to mark timed-out sandbox unhealthy")
			}
		}
	}
	return nil
}

// processStopping drives stopping sandboxes to destroying and calls the
// host to destroy each one (see destroyHostSide).
func (s *Scheduler) processStopping(ctx context.Context) error {
	stopping, err := s.manager.Store().ListSandboxesByStatus(types.SandboxStopping)
	if err != nil {
		return fmt.Errorf("list stopping sandboxes: %w", err)
	}
	if len(stopping) > s.cfg.BatchSize {
		stopping = stopping[:s.cfg.BatchSize]
	}

	for _, sb := range stopping {
		if err := s.transition(sb, types.SandboxDestroying, "scheduler_stop"); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to transition stopping sandbox to destroying")
			continue
		}
		s.destroyHostSide(ctx, sb)
	}
	return nil
}

// processUnhealthy drives unhealthy sandboxes to destroying and calls the
// host to destroy each one (see destroyHostSide).
func (s *Scheduler) processUnhealthy(ctx context.Context) error {
	unhealthy, err := s.manager.Store().ListSandboxesByStatus(types.SandboxUnhealthy)
	if err != nil {
		return fmt.Errorf("list unhealthy sandboxes: %w", err)
	}
	if len(unhealthy) > s.cfg.BatchSize {
		unhealthy = unhealthy[:s.cfg.BatchSize]
	}

	for _, sb := range unhealthy {
		if err := s.transition(sb, types.SandboxDestroying, "scheduler_reap"); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to transition unhealthy sandbox to destroying")
			continue
		}
		s.destroyHostSide(ctx, sb)
	}
	return nil
}

// destroyHostSide calls the host gateway to tear down sb and, on success,
// completes the destroyed transition. A failed destroy call is logged but
// left for the next process-stopping/process-unhealthy tick to retry —
// the destroy call is idempotent (404 counts as success on the host side).
func (s *Scheduler) destroyHostSide(ctx context.Context, sb *types.Sandbox) {
	if sb.HostSandboxID == "" {
		_ = s.transition(sb, types.SandboxDestroyed, "no_host_sandbox")
		return
	}
	if err := s.host.Destroy(ctx, sb.HostSandboxID); err != nil {
		s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("host destroy failed, will retry next tick")
		return
	}
	if err := s.transition(sb, types.SandboxDestroyed, "host_destroy_complete"); err != nil {
		s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to mark sandbox destroyed")
		return
	}
	s.manager.PublishEvent(&types.Event{
		Type:      events.EventSandboxDestroyed,
		SandboxID: sb.ID,
		SessionID: sb.SessionID,
	})
}

// reconcile cross-checks our records against the host daemon's live
// enumeration: records (sandboxes and ready pool entries alike) referencing
// a host id the host no longer has go unhealthy or get dropped, and host
// sandboxes we have no record of at all are orphans and get deleted.
//
// It first asks the host daemon's own liveness endpoint whether it's up:
// a host daemon outage would otherwise look identical to every sandbox
// vanishing at once, and this task would mark the entire fleet unhealthy
// and start tearing down ready pool entries for no reason.
func (s *Scheduler) reconcile(ctx context.Context) error {
	if res := s.hostHealth.Check(ctx); !res.Healthy {
		s.logger.Warn().Str("detail", res.Message).Msg("host daemon unreachable, skipping this reconcile pass")
		return nil
	}

	hostSandboxes, err := s.host.List(ctx)
	if err != nil {
		return fmt.Errorf("list host sandboxes: %w", err)
	}
	onHost := make(map[string]bool, len(hostSandboxes))
	for _, hs := range hostSandboxes {
		onHost[hs.SandboxID] = true
	}

	tracked := make(map[string]bool, len(hostSandboxes))
	all, err := s.manager.Store().ListSandboxes()
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}
	for _, sb := range all {
		if sb.HostSandboxID == "" {
			continue
		}
		tracked[sb.HostSandboxID] = true

		switch sb.Status {
		case types.SandboxDestroyed, types.SandboxDestroying, types.SandboxUnhealthy, types.SandboxStopping:
			continue
		}
		if !onHost[sb.HostSandboxID] {
			s.logger.Warn().Str("sandbox_id", sb.ID).Str("host_sandbox_id", sb.HostSandboxID).
				Msg("sandbox's host id is not present on the host, marking unhealthy")
			if err := s.transition(sb, types.SandboxUnhealthy, "host_sandbox_missing"); err != nil {
				s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to mark orphaned record unhealthy")
			}
		}
	}

	readyPool, err := s.manager.Store().ListPoolEntriesByStatus(types.PoolReady)
	if err != nil {
		return fmt.Errorf("list ready pool entries: %w", err)
	}
	for _, entry := range readyPool {
		if entry.HostSandboxID == "" {
			continue
		}
		tracked[entry.HostSandboxID] = true
		if !onHost[entry.HostSandboxID] {
			s.logger.Warn().Str("pool_entry_id", entry.ID).Str("host_sandbox_id", entry.HostSandboxID).
				Msg("ready pool entry's host sandbox is not present on the host, deleting stale entry")
			if err := s.manager.DeletePoolEntry(entry.ID); err != nil {
				s.logger.Error().Err(err).Str("pool_entry_id", entry.ID).Msg("failed to delete orphaned pool entry")
			}
		}
	}

	for hostID := range onHost {
		if tracked[hostID] {
			continue
		}
		s.logger.Warn().Str("host_sandbox_id", hostID).Msg("host sandbox has no tracking record, deleting orphan")
		if err := s.host.Destroy(ctx, hostID); err != nil {
			s.logger.Error().Err(err).Str("host_sandbox_id", hostID).Msg("failed to delete orphan host sandbox")
		}
	}
	return nil
}

// cleanupOld deletes destroyed records past the retention window.
func (s *Scheduler) cleanupOld(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.DestroyedRetention)
	old, err := s.manager.Store().ListSandboxesByStatusBefore(types.SandboxDestroyed, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list old destroyed sandboxes: %w", err)
	}
	for _, sb := range old {
		if err := s.manager.DeleteSandbox(sb.ID); err != nil {
			s.logger.Error().Err(err).Str("sandbox_id", sb.ID).Msg("failed to delete old destroyed sandbox")
		}
	}
	return nil
}

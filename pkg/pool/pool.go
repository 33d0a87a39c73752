// Package pool maintains pre-warmed sandboxes — a generic pool and, for
// recently active repositories, a per-repo pool built from the repo's
// image — so that a user's first request completes in sub-second time
// instead of waiting through the full creating/cloning/installing/starting
// sequence. Each per-repo entry records the name of a dependency-cache
// volume, but the host create request carries only the entry's name and
// image, so no volume is attached to the host sandbox.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/hostgw"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes pool target sizes and creation concurrency, per the spec's
// suggested defaults.
type Config struct {
	GenericTarget     int
	GenericMin        int
	GenericMaxCreating int

	RepoTarget      int
	HotRepoWindow   time.Duration
	MaxCreating     int // global creation budget shared across both pools

	StaleAssignedAfter time.Duration
}

// DefaultConfig returns the spec's suggested pool sizing.
func DefaultConfig() Config {
	return Config{
		GenericTarget:      3,
		GenericMin:         1,
		GenericMaxCreating: 2,
		RepoTarget:         1,
		HotRepoWindow:      7 * 24 * time.Hour,
		MaxCreating:        2,
		StaleAssignedAfter: 5 * time.Minute,
	}
}

// Manager maintains pool entries at their configured target sizes and
// assigns them to incoming requests.
type Manager struct {
	manager *controlplane.Manager
	host    *hostgw.Client
	cfg     Config
	logger  zerolog.Logger
}

// New creates a pool Manager.
func New(mgr *controlplane.Manager, host *hostgw.Client, cfg Config) *Manager {
	return &Manager{
		manager: mgr,
		host:    host,
		cfg:     cfg,
		logger:  log.WithComponent("pool"),
	}
}

func poolKey(kind types.PoolKind, repoID string) string {
	if kind == types.PoolKindRepoAffine {
		return "repo-affine:" + repoID
	}
	return "generic"
}

// Replenish runs one replenishment cycle: tops up the generic pool to its
// target size, then tops up each hot repo's pool, aborting quietly once the
// global creation budget is exhausted. It is meant to be called
// periodically (e.g. every 30s) by the scheduler's Runner.
func (m *Manager) Replenish(ctx context.Context) error {
	budget := m.cfg.MaxCreating

	created, err := m.replenishGeneric(ctx, budget)
	if err != nil {
		return fmt.Errorf("replenish generic pool: %w", err)
	}
	budget -= created
	if budget <= 0 {
		metrics.PoolReplenishSkippedTotal.Inc()
		return nil
	}

	hotRepos, err := m.hotRepoImages()
	if err != nil {
		return fmt.Errorf("list hot repo images: %w", err)
	}
	for _, img := range hotRepos {
		if budget <= 0 {
			metrics.PoolReplenishSkippedTotal.Inc()
			break
		}
		n, err := m.replenishRepo(ctx, img, budget)
		if err != nil {
			m.logger.Error().Err(err).Str("repo_id", img.RepoID).Msg("failed to replenish repo-affine pool")
			continue
		}
		budget -= n
	}
	return nil
}

// hotRepoImages returns ready repo images used within the configured
// hot-repo window, one pool target per repo.
func (m *Manager) hotRepoImages() ([]*types.RepoImage, error) {
	images, err := m.manager.Store().ListRepoImages()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-m.cfg.HotRepoWindow)
	var hot []*types.RepoImage
	for _, img := range images {
		if img.Status == types.ImageReady && img.LastUsedAt.After(cutoff) {
			hot = append(hot, img)
		}
	}
	return hot, nil
}

// replenishGeneric tops up the generic pool toward its target size, bounded
// by the smaller of the generic-specific max-creating and the remaining
// global budget. Returns the number of entries scheduled.
func (m *Manager) replenishGeneric(ctx context.Context, globalBudget int) (int, error) {
	ready, err := m.manager.Store().ListPoolEntriesByStatus(types.PoolReady)
	if err != nil {
		return 0, err
	}
	creating, err := m.manager.Store().ListPoolEntriesByStatus(types.PoolCreating)
	if err != nil {
		return 0, err
	}

	genericReady := countByKind(ready, types.PoolKindGeneric, "")
	genericCreating := countByKind(creating, types.PoolKindGeneric, "")

	if genericReady+genericCreating >= m.cfg.GenericTarget {
		return 0, nil
	}
	if genericCreating >= m.cfg.GenericMaxCreating {
		return 0, nil
	}

	toCreate := m.cfg.GenericTarget - genericReady - genericCreating
	if toCreate > m.cfg.GenericMaxCreating-genericCreating {
		toCreate = m.cfg.GenericMaxCreating - genericCreating
	}
	if toCreate > globalBudget {
		toCreate = globalBudget
	}
	if toCreate <= 0 {
		return 0, nil
	}

	for i := 0; i < toCreate; i++ {
		if err := m.createPoolEntry(ctx, types.PoolKindGeneric, "", "", ""); err != nil {
			m.logger.Error().Err(err).Msg("failed to create generic pool entry")
			return i, err
		}
	}
	return toCreate, nil
}

// replenishRepo tops up one repo's pool toward its target (always 1, per
// the spec), bounded by the remaining budget. Returns 1 if an entry was
// scheduled, 0 otherwise.
func (m *Manager) replenishRepo(ctx context.Context, img *types.RepoImage, budget int) (int, error) {
	ready, err := m.manager.Store().ListPoolEntriesByStatusAndRepo(types.PoolReady, img.RepoID)
	if err != nil {
		return 0, err
	}
	creating, err := m.manager.Store().ListPoolEntriesByStatusAndRepo(types.PoolCreating, img.RepoID)
	if err != nil {
		return 0, err
	}
	if len(ready)+len(creating) >= m.cfg.RepoTarget {
		return 0, nil
	}
	if budget <= 0 {
		return 0, nil
	}

	volume := "repo-" + img.RepoID + "-deps"
	if err := m.createPoolEntry(ctx, types.PoolKindRepoAffine, img.RepoID, img.Tag, volume); err != nil {
		return 0, err
	}
	return 1, nil
}

func countByKind(entries []*types.PoolEntry, kind types.PoolKind, repoID string) int {
	n := 0
	for _, e := range entries {
		if e.Kind != kind {
			continue
		}
		if kind == types.PoolKindRepoAffine && e.RepoID != repoID {
			continue
		}
		n++
	}
	return n
}

// createPoolEntry writes a new creating pool entry and kicks off the host
// create call. A host failure deletes the new entry again and returns the
// error.
func (m *Manager) createPoolEntry(ctx context.Context, kind types.PoolKind, repoID, image, volume string) error {
	secret, err := controlplane.GenerateAPISecret()
	if err != nil {
		return fmt.Errorf("generate pool entry secret: %w", err)
	}

	entry := &types.PoolEntry{
		ID:        uuid.New().String(),
		Kind:      kind,
		RepoID:    repoID,
		Image:     image,
		Volume:    volume,
		APISecret: secret,
		Status:    types.PoolCreating,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.manager.CreatePoolEntry(entry); err != nil {
		return fmt.Errorf("commit new pool entry: %w", err)
	}

	out, err := m.host.CreateSandbox(ctx, hostgw.CreateSandboxRequest{Name: entry.ID, Image: image})
	if err != nil {
		m.logger.Error().Err(err).Str("pool_entry_id", entry.ID).Msg("host create failed for pool entry")
		if derr := m.manager.DeletePoolEntry(entry.ID); derr != nil {
			m.logger.Error().Err(derr).Str("pool_entry_id", entry.ID).Msg("failed to remove failed pool entry")
		}
		return err
	}

	entry.HostSandboxID = out.SandboxID
	entry.HostPort = out.Port
	entry.Status = types.PoolReady
	if err := m.manager.UpdatePoolEntry(entry); err != nil {
		return fmt.Errorf("commit ready pool entry: %w", err)
	}

	m.manager.PublishEvent(&types.Event{
		Type: events.EventPoolReplenished,
		Data: map[string]string{"pool_entry_id": entry.ID, "kind": string(kind)},
	})
	return nil
}

// Assign picks a pool entry for a new session's request: a ready repo-affine
// entry for repoID if one exists, else the oldest ready generic entry
// (FIFO), atomically marking it assigned and returning it so the caller can
// copy its placement into a new sandbox record started in "cloning". Returns
// nil, nil if no pool entry is available — the caller falls back to
// creating a fresh sandbox from scratch.
func (m *Manager) Assign(repoID string) (*types.PoolEntry, error) {
	if repoID != "" {
		repoReady, err := m.manager.Store().ListPoolEntriesByStatusAndRepo(types.PoolReady, repoID)
		if err != nil {
			return nil, fmt.Errorf("list ready repo-affine entries: %w", err)
		}
		if entry := oldest(repoReady); entry != nil {
			return m.markAssigned(entry)
		}
	}

	genericReady, err := m.manager.Store().ListPoolEntriesByStatus(types.PoolReady)
	if err != nil {
		return nil, fmt.Errorf("list ready generic entries: %w", err)
	}
	var generic []*types.PoolEntry
	for _, e := range genericReady {
		if e.Kind == types.PoolKindGeneric {
			generic = append(generic, e)
		}
	}
	entry := oldest(generic)
	if entry == nil {
		return nil, nil
	}
	return m.markAssigned(entry)
}

func oldest(entries []*types.PoolEntry) *types.PoolEntry {
	var best *types.PoolEntry
	for _, e := range entries {
		if best == nil || e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	return best
}

func (m *Manager) markAssigned(entry *types.PoolEntry) (*types.PoolEntry, error) {
	entry.Status = types.PoolAssigned
	entry.AssignedAt = time.Now().UTC()
	if err := m.manager.UpdatePoolEntry(entry); err != nil {
		return nil, fmt.Errorf("commit assigned pool entry: %w", err)
	}
	metrics.PoolAssignmentsTotal.WithLabelValues(poolKey(entry.Kind, entry.RepoID)).Inc()
	m.manager.PublishEvent(&types.Event{
		Type: events.EventPoolAssigned,
		Data: map[string]string{"pool_entry_id": entry.ID},
	})
	return entry, nil
}

// GC reaps stale-assigned pool entries: an assigned entry older than
// StaleAssignedAfter is considered leaked (the corresponding sandbox record
// has taken full ownership of the host sandbox), so only the pool row is
// deleted, not the host sandbox itself. Entries whose host create fails are
// removed by createPoolEntry, not here.
func (m *Manager) GC(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleAssignedAfter)
	assigned, err := m.manager.Store().ListPoolEntriesByStatus(types.PoolAssigned)
	if err != nil {
		return fmt.Errorf("list assigned pool entries: %w", err)
	}
	for _, e := range assigned {
		if e.AssignedAt.Before(cutoff) {
			if err := m.manager.DeletePoolEntry(e.ID); err != nil {
				m.logger.Error().Err(err).Str("pool_entry_id", e.ID).Msg("failed to GC stale-assigned pool entry")
			}
		}
	}
	return nil
}

// Stats is a point-in-time count of pool entries by status, for the admin
// API's pool occupancy view.
type Stats struct {
	Creating int
	Ready    int
	Assigned int
	Total    int
}

// Stats summarizes all pool entries currently tracked.
func (m *Manager) Stats() (Stats, error) {
	entries, err := m.manager.Store().ListPoolEntries()
	if err != nil {
		return Stats{}, fmt.Errorf("list pool entries: %w", err)
	}
	var s Stats
	for _, e := range entries {
		s.Total++
		switch e.Status {
		case types.PoolCreating:
			s.Creating++
		case types.PoolReady:
			s.Ready++
		case types.PoolAssigned:
			s.Assigned++
		}
	}
	return s, nil
}

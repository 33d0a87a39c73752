package controlplane

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/metrics"
	"github.com/cuemby/sandboxd/pkg/security"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager owns the durable command log and is the single point through
// which every sandbox, pool, session and agent-loop mutation is committed.
// It wraps a Raft group over the FSM: a single voter is sufficient for one
// control plane process, but the same Apply/FSM path supports multi-manager
// HA without further changes if a deployment later adds voters.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft           *raft.Raft
	fsm            *FSM
	store          storage.Store
	secretsManager *security.SecretsManager
	eventBroker    *events.Broker
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance backed by a BoltDB store and
// wires the OAuth-token encryption key and the event broker that sandbox
// lifecycle, pool and agent loop events are published to.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewFSM(store)

	controlPlaneKey := security.DeriveKeyFromControlPlaneID(cfg.NodeID)
	secretsManager, err := security.NewSecretsManager(controlPlaneKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}

	if err := security.SetClusterEncryptionKey(controlPlaneKey); err != nil {
		return nil, fmt.Errorf("failed to set control plane encryption key: %w", err)
	}

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:         cfg.NodeID,
		bindAddr:       cfg.BindAddr,
		dataDir:        cfg.DataDir,
		fsm:            fsm,
		store:          store,
		secretsManager: secretsManager,
		eventBroker:    eventBroker,
	}

	return m, nil
}

// Bootstrap initializes a new single-node Raft group.
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned for a single LAN/edge process rather than the library's
	// WAN-conservative defaults: faster leader detection and commits
	// matter more here than tolerating high inter-node latency.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStorePath := filepath.Join(m.dataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStorePath := filepath.Join(m.dataDir, "raft-stable.db")
	stableStore, err := raftboltdb.NewBoltStore(stableStorePath)
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap raft group: %w", err)
	}

	return nil
}

// AddVoter adds an additional manager process to the Raft group.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a manager process from the Raft group.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the members of the Raft group.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns Raft statistics, also reflected into Prometheus via
// RefreshMetrics.
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())

	if configFuture := m.raft.GetConfiguration(); configFuture.Error() == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}

	return stats
}

// RefreshMetrics updates the RaftLeader and RaftAppliedIndex gauges. The
// MetricsCollector calls this on each of its 15s collections.
func (m *Manager) RefreshMetrics() {
	if m.raft == nil {
		return
	}
	if m.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftAppliedIndex.Set(float64(m.raft.AppliedIndex()))
}

// EventBroker returns the manager's event broker.
func (m *Manager) EventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event to all subscribers.
func (m *Manager) PublishEvent(event *types.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// Secrets returns the OAuth-token secrets manager.
func (m *Manager) Secrets() *security.SecretsManager {
	return m.secretsManager
}

// Store returns the underlying store for read paths that do not need to go
// through Raft (list/get operations are read-local; only mutations commit
// through Apply).
func (m *Manager) Store() storage.Store {
	return m.store
}

// NodeID returns this manager's Raft node identifier.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Apply submits a command to the Raft group and blocks until it is
// committed and applied to the FSM.
func (m *Manager) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) applyOp(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: op, Data: data})
}

// CreateSandbox commits a new sandbox record.
func (m *Manager) CreateSandbox(sandbox *types.Sandbox) error {
	return m.applyOp(OpCreateSandbox, sandbox)
}

// UpdateSandbox commits a mutated sandbox record.
func (m *Manager) UpdateSandbox(sandbox *types.Sandbox) error {
	return m.applyOp(OpUpdateSandbox, sandbox)
}

// DeleteSandbox commits the removal of a sandbox record.
func (m *Manager) DeleteSandbox(id string) error {
	return m.applyOp(OpDeleteSandbox, id)
}

// CreatePoolEntry commits a new pool entry.
func (m *Manager) CreatePoolEntry(entry *types.PoolEntry) error {
	return m.applyOp(OpCreatePoolEntry, entry)
}

// UpdatePoolEntry commits a mutated pool entry.
func (m *Manager) UpdatePoolEntry(entry *types.PoolEntry) error {
	return m.applyOp(OpUpdatePoolEntry, entry)
}

// DeletePoolEntry commits the removal of a pool entry.
func (m *Manager) DeletePoolEntry(id string) error {
	return m.applyOp(OpDeletePoolEntry, id)
}

// CreateSession commits a new agent loop session.
func (m *Manager) CreateSession(session *types.Session) error {
	return m.applyOp(OpCreateSession, session)
}

// UpdateSession commits a mutated session.
func (m *Manager) UpdateSession(session *types.Session) error {
	return m.applyOp(OpUpdateSession, session)
}

// CreateMessage commits a new agent loop message.
func (m *Manager) CreateMessage(message *types.Message) error {
	return m.applyOp(OpCreateMessage, message)
}

// UpdateMessage commits a mutated agent loop message.
func (m *Manager) UpdateMessage(message *types.Message) error {
	return m.applyOp(OpUpdateMessage, message)
}

// CreateFileChange commits a durable record of a file write made during an
// agent loop iteration.
func (m *Manager) CreateFileChange(fc *types.FileChange) error {
	return m.applyOp(OpCreateFileChange, fc)
}

// CreateBashCommand commits a durable record of a shell command run during
// an agent loop iteration.
func (m *Manager) CreateBashCommand(bc *types.BashCommand) error {
	return m.applyOp(OpCreateBashCommand, bc)
}

// CreateOAuthCredential commits a new encrypted OAuth credential.
func (m *Manager) CreateOAuthCredential(cred *types.OAuthCredential) error {
	return m.applyOp(OpCreateOAuthCredential, cred)
}

// UpdateOAuthCredential commits a mutated OAuth credential (token refresh,
// revocation).
func (m *Manager) UpdateOAuthCredential(cred *types.OAuthCredential) error {
	return m.applyOp(OpUpdateOAuthCredential, cred)
}

// Shutdown stops the event broker and the Raft group and closes the store.
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	log.Info("control plane manager shut down")
	return nil
}

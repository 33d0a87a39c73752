package controlplane

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine that durably and
// transactionally applies every sandbox, pool, session and agent-loop
// mutation to the underlying store.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command represents a state change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpCreateSandbox = "create_sandbox"
	OpUpdateSandbox = "update_sandbox"
	OpDeleteSandbox = "delete_sandbox"

	OpCreatePoolEntry = "create_pool_entry"
	OpUpdatePoolEntry = "update_pool_entry"
	OpDeletePoolEntry = "delete_pool_entry"

	OpCreateRepoImage = "create_repo_image"
	OpUpdateRepoImage = "update_repo_image"
	OpDeleteRepoImage = "delete_repo_image"

	OpCreateCheckpoint = "create_checkpoint"
	OpUpdateCheckpoint = "update_checkpoint"
	OpDeleteCheckpoint = "delete_checkpoint"

	OpCreateSession = "create_session"
	OpUpdateSession = "update_session"
	OpDeleteSession = "delete_session"

	OpCreateMessage = "create_message"
	OpUpdateMessage = "update_message"

	OpCreateFileChange  = "create_file_change"
	OpCreateBashCommand = "create_bash_command"

	OpCreateOAuthCredential = "create_oauth_credential"
	OpUpdateOAuthCredential = "update_oauth_credential"
	OpDeleteOAuthCredential = "delete_oauth_credential"
)

// Apply applies a Raft log entry to the FSM. Called by Raft when a log
// entry is committed.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreateSandbox:
		var sandbox types.Sandbox
		if err := json.Unmarshal(cmd.Data, &sandbox); err != nil {
			return err
		}
		return f.store.CreateSandbox(&sandbox)

	case OpUpdateSandbox:
		var sandbox types.Sandbox
		if err := json.Unmarshal(cmd.Data, &sandbox); err != nil {
			return err
		}
		return f.store.UpdateSandbox(&sandbox)

	case OpDeleteSandbox:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteSandbox(id)

	case OpCreatePoolEntry:
		var entry types.PoolEntry
		if err := json.Unmarshal(cmd.Data, &entry); err != nil {
			return err
		}
		return f.store.CreatePoolEntry(&entry)

	case OpUpdatePoolEntry:
		var entry types.PoolEntry
		if err := json.Unmarshal(cmd.Data, &entry); err != nil {
			return err
		}
		return f.store.UpdatePoolEntry(&entry)

	case OpDeletePoolEntry:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeletePoolEntry(id)

	case OpCreateRepoImage:
		var image types.RepoImage
		if err := json.Unmarshal(cmd.Data, &image); err != nil {
			return err
		}
		return f.store.CreateRepoImage(&image)

	case OpUpdateRepoImage:
		var image types.RepoImage
		if err := json.Unmarshal(cmd.Data, &image); err != nil {
			return err
		}
		return f.store.UpdateRepoImage(&image)

	case OpDeleteRepoImage:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteRepoImage(id)

	case OpCreateCheckpoint:
		var cp types.Checkpoint
		if err := json.Unmarshal(cmd.Data, &cp); err != nil {
			return err
		}
		return f.store.CreateCheckpoint(&cp)

	case OpUpdateCheckpoint:
		var cp types.Checkpoint
		if err := json.Unmarshal(cmd.Data, &cp); err != nil {
			return err
		}
		return f.store.UpdateCheckpoint(&cp)

	case OpDeleteCheckpoint:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteCheckpoint(id)

	case OpCreateSession:
		var session types.Session
		if err := json.Unmarshal(cmd.Data, &session); err != nil {
			return err
		}
		return f.store.CreateSession(&session)

	case OpUpdateSession:
		var session types.Session
		if err := json.Unmarshal(cmd.Data, &session); err != nil {
			return err
		}
		return f.store.UpdateSession(&session)

	case OpDeleteSession:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteSession(id)

	case OpCreateMessage:
		var message types.Message
		if err := json.Unmarshal(cmd.Data, &message); err != nil {
			return err
		}
		return f.store.CreateMessage(&message)

	case OpUpdateMessage:
		var message types.Message
		if err := json.Unmarshal(cmd.Data, &message); err != nil {
			return err
		}
		return f.store.UpdateMessage(&message)

	case OpCreateFileChange:
		var fc types.FileChange
		if err := json.Unmarshal(cmd.Data, &fc); err != nil {
			return err
		}
		return f.store.CreateFileChange(&fc)

	case OpCreateBashCommand:
		var bc types.BashCommand
		if err := json.Unmarshal(cmd.Data, &bc); err != nil {
			return err
		}
		return f.store.CreateBashCommand(&bc)

	case OpCreateOAuthCredential:
		var cred types.OAuthCredential
		if err := json.Unmarshal(cmd.Data, &cred); err != nil {
			return err
		}
		return f.store.CreateOAuthCredential(&cred)

	case OpUpdateOAuthCredential:
		var cred types.OAuthCredential
		if err := json.Unmarshal(cmd.Data, &cred); err != nil {
			return err
		}
		return f.store.UpdateOAuthCredential(&cred)

	case OpDeleteOAuthCredential:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteOAuthCredential(id)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM, called periodically
// by Raft to compact the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sandboxes, err := f.store.ListSandboxes()
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	pool, err := f.store.ListPoolEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to list pool entries: %w", err)
	}

	images, err := f.store.ListRepoImages()
	if err != nil {
		return nil, fmt.Errorf("failed to list repo images: %w", err)
	}

	checkpoints, err := f.store.ListCheckpoints()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	sessions, err := f.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &Snapshot{
		Sandboxes:   sandboxes,
		Pool:        pool,
		RepoImages:  images,
		Checkpoints: checkpoints,
		Sessions:    sessions,
	}, nil
}

// Restore restores the FSM from a snapshot, called when the process
// restarts or a new manager joins the Raft group.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sandbox := range snapshot.Sandboxes {
		if err := f.store.CreateSandbox(sandbox); err != nil {
			return fmt.Errorf("failed to restore sandbox: %w", err)
		}
	}
	for _, entry := range snapshot.Pool {
		if err := f.store.CreatePoolEntry(entry); err != nil {
			return fmt.Errorf("failed to restore pool entry: %w", err)
		}
	}
	for _, image := range snapshot.RepoImages {
		if err := f.store.CreateRepoImage(image); err != nil {
			return fmt.Errorf("failed to restore repo image: %w", err)
		}
	}
	for _, cp := range snapshot.Checkpoints {
		if err := f.store.CreateCheckpoint(cp); err != nil {
			return fmt.Errorf("failed to restore checkpoint: %w", err)
		}
	}
	for _, session := range snapshot.Sessions {
		if err := f.store.CreateSession(session); err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
	}

	return nil
}

// Snapshot is a point-in-time snapshot of sandboxes, pool entries, repo
// images, checkpoints and sessions. Messages, file changes, bash commands
// and OAuth credentials are left out to keep snapshot size bounded: Restore
// does not bring them back, and only command log entries newer than the
// snapshot are replayed after it.
type Snapshot struct {
	Sandboxes   []*types.Sandbox
	Pool        []*types.PoolEntry
	RepoImages  []*types.RepoImage
	Checkpoints []*types.Checkpoint
	Sessions    []*types.Session
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources.
func (s *Snapshot) Release() {}

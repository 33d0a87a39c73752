package storage

import (
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
)

// Store defines the durable, transactionally-updated record for every
// sandbox, pool entry, repo image, checkpoint, session and agent-loop
// artifact. It is implemented by a BoltDB-backed store.
type Store interface {
	// Sandboxes
	CreateSandbox(sandbox *types.Sandbox) error
	GetSandbox(id string) (*types.Sandbox, error)
	GetSandboxByName(name string) (*types.Sandbox, error)
	ListSandboxes() ([]*types.Sandbox, error)
	ListSandboxesBySession(sessionID string) ([]*types.Sandbox, error)
	ListSandboxesByRepoBranch(repoID, branch string) ([]*types.Sandbox, error)
	ListSandboxesByStatus(status types.SandboxStatus) ([]*types.Sandbox, error)
	// ListSandboxesByStatusBefore scans the (status, statusChangedAt) index
	// for records whose statusChangedAt is older than before, bounded to
	// limit records, for scheduler batch scans.
	ListSandboxesByStatusBefore(status types.SandboxStatus, before time.Time, limit int) ([]*types.Sandbox, error)
	UpdateSandbox(sandbox *types.Sandbox) error
	DeleteSandbox(id string) error

	// Pool entries
	CreatePoolEntry(entry *types.PoolEntry) error
	GetPoolEntry(id string) (*types.PoolEntry, error)
	ListPoolEntries() ([]*types.PoolEntry, error)
	ListPoolEntriesByStatus(status types.PoolStatus) ([]*types.PoolEntry, error)
	ListPoolEntriesByStatusAndRepo(status types.PoolStatus, repoID string) ([]*types.PoolEntry, error)
	UpdatePoolEntry(entry *types.PoolEntry) error
	DeletePoolEntry(id string) error

	// Repo images
	CreateRepoImage(image *types.RepoImage) error
	GetRepoImage(id string) (*types.RepoImage, error)
	GetRepoImageByRepoBranch(repoID, branch string) (*types.RepoImage, error)
	ListRepoImages() ([]*types.RepoImage, error)
	UpdateRepoImage(image *types.RepoImage) error
	DeleteRepoImage(id string) error

	// Checkpoints
	CreateCheckpoint(cp *types.Checkpoint) error
	GetCheckpoint(id string) (*types.Checkpoint, error)
	GetCheckpointByRepoBranch(repoID, branch string) (*types.Checkpoint, error)
	ListCheckpoints() ([]*types.Checkpoint, error)
	UpdateCheckpoint(cp *types.Checkpoint) error
	DeleteCheckpoint(id string) error

	// Sessions
	CreateSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	UpdateSession(session *types.Session) error
	DeleteSession(id string) error

	// Messages
	CreateMessage(message *types.Message) error
	GetMessage(id string) (*types.Message, error)
	ListMessagesBySession(sessionID string, limit int) ([]*types.Message, error)
	UpdateMessage(message *types.Message) error
	DeleteMessage(id string) error

	// File changes
	CreateFileChange(fc *types.FileChange) error
	ListFileChangesByMessage(messageID string) ([]*types.FileChange, error)

	// Bash commands
	CreateBashCommand(bc *types.BashCommand) error
	ListBashCommandsByMessage(messageID string) ([]*types.BashCommand, error)

	// OAuth credentials
	CreateOAuthCredential(cred *types.OAuthCredential) error
	GetOAuthCredential(id string) (*types.OAuthCredential, error)
	GetOAuthCredentialByUser(userID string, provider types.OAuthProvider) (*types.OAuthCredential, error)
	UpdateOAuthCredential(cred *types.OAuthCredential) error
	DeleteOAuthCredential(id string) error

	// Utility
	Close() error
}

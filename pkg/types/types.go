package types

import "time"

// Sandbox represents one live (or recently dead) ephemeral development
// sandbox tracked by the control plane.
type Sandbox struct {
	ID        string
	Name      string
	SessionID string
	RepoID    string
	TeamID    string
	OwnerID   string

	// placement
	HostSandboxID string // empty until the host creates it
	HostPort      int
	PreviewURL    string
	ExecURL       string
	LogURL        string
	TerminalURL   string

	// auth
	APISecret string // 64-char random secret, immutable after creation

	// state
	Status          SandboxStatus
	StatusChangedAt time.Time
	RetryCount      int
	LastError       string

	// lifecycle timestamps
	CreatedAt     time.Time
	LastHeartbeat time.Time
	DestroyedAt   time.Time

	// repository context
	TargetBranch    string
	EffectiveBranch string // may differ from TargetBranch after fallback
	BranchFellBack  bool
	CommitSHA       string

	History []StatusEvent
}

// SandboxStatus enumerates the lifecycle states of a Sandbox.
type SandboxStatus string

const (
	SandboxRequested  SandboxStatus = "requested"
	SandboxCreating   SandboxStatus = "creating"
	SandboxCloning    SandboxStatus = "cloning"
	SandboxInstalling SandboxStatus = "installing"
	SandboxStarting   SandboxStatus = "starting"
	SandboxReady      SandboxStatus = "ready"
	SandboxActive     SandboxStatus = "active"
	SandboxStopping   SandboxStatus = "stopping"
	SandboxDestroying SandboxStatus = "destroying"
	SandboxDestroyed  SandboxStatus = "destroyed"
	SandboxUnhealthy  SandboxStatus = "unhealthy"
)

// StatusEvent is one append-only entry in a sandbox's audit history.
type StatusEvent struct {
	Status    SandboxStatus
	Timestamp time.Time
	Reason    string // short tag describing the originator; a host callback's error message when it sent one
}

// PoolKind distinguishes a generic pool entry from one created for a
// specific repository.
type PoolKind string

const (
	PoolKindGeneric   PoolKind = "generic"
	PoolKindRepoAffine PoolKind = "repo-affine"
)

// PoolStatus is the linear, no-retry lifecycle of a pool entry.
type PoolStatus string

const (
	PoolCreating  PoolStatus = "creating"
	PoolReady     PoolStatus = "ready"
	PoolAssigned  PoolStatus = "assigned"
	PoolDestroying PoolStatus = "destroying"
)

// PoolEntry is a pre-created sandbox held ready for sub-second assignment.
type PoolEntry struct {
	ID string

	Kind   PoolKind
	RepoID string // set when Kind == PoolKindRepoAffine
	Image  string // pre-built image tag, repo-affine only
	Volume string // named persistent dependency-cache volume, repo-affine only

	HostSandboxID string
	HostPort      int
	APISecret     string

	Status      PoolStatus
	CreatedAt   time.Time
	AssignedAt  time.Time
}

// ImageStatus is the readiness of a repository image or checkpoint.
type ImageStatus string

const (
	ImageReady  ImageStatus = "ready"
	ImageFailed ImageStatus = "failed"
)

// RepoImage is an immutable tag of a host image containing a repo
// pre-cloned with dependencies installed, keyed by (repoId, branch).
type RepoImage struct {
	ID        string
	RepoID    string
	Branch    string
	Tag       string
	SizeBytes int64
	CommitSHA string
	UseCount  int
	LastUsedAt time.Time
	Status    ImageStatus
	CreatedAt time.Time
}

// Checkpoint records a memory + filesystem snapshot of a repository at a
// branch. Checkpoints are stored and replicated, but no assignment or setup
// path restores one.
type Checkpoint struct {
	ID         string
	RepoID     string
	Branch     string
	Name       string
	SizeBytes  int64
	CommitSHA  string
	UseCount   int
	LastUsedAt time.Time
	Status     ImageStatus
	CreatedAt  time.Time
}

// Session is one user's ongoing editing conversation against a repo+branch.
type Session struct {
	ID            string
	UserID        string
	RepoID        string
	Branch        string
	SandboxID     string // current sandbox, if any
	WorkingBranch string // auto-commit/PR target, if configured
	StopRequested bool
	CreatedAt     time.Time
	LastActiveAt  time.Time
}

// MessageRole distinguishes a user turn from an assistant turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn in a session's conversation.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Text      string
	Finalized bool
	Stopped   bool
	CreatedAt time.Time
}

// FileChange is one deduplicated (last-write-wins) file edit recorded
// against a finalized message, for audit and diff display.
type FileChange struct {
	ID              string
	MessageID       string
	Path            string
	Content         string
	OriginalContent string
	CreatedAt       time.Time
}

// BashCommand is one shell command executed (or denied) during an agent
// loop iteration, recorded against a finalized message.
type BashCommand struct {
	ID           string
	MessageID    string
	Command      string
	ExitCode     int
	Output       string // truncated, center-elided
	DeniedReason string // non-empty if the command was refused
	CreatedAt    time.Time
}

// OAuthProvider identifies the source-host OAuth credential provider.
type OAuthProvider string

const (
	ProviderGitHub OAuthProvider = "github"
)

// OAuthCredential is a user's stored source-host OAuth grant.
type OAuthCredential struct {
	ID           string
	UserID       string
	Provider     OAuthProvider
	AccessToken  []byte // encrypted at rest
	RefreshToken []byte // encrypted at rest
	ExpiresAt    time.Time
	Revoked      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event represents a control-plane event published to the event broker.
type Event struct {
	Type      string
	Timestamp time.Time
	SandboxID string
	SessionID string
	Message   string
	Data      map[string]string
}

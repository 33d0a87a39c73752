package sourcehost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
)

// Committer commits an agent turn's file changes to a session's working
// branch and opens (or reuses) a pull request against the default branch.
// It structurally satisfies pkg/agent.Committer without importing that
// package — the two are wired together at the call site.
type Committer struct {
	client        *Client
	defaultBranch string
}

// NewCommitter builds a Committer against an already-authenticated Client.
// defaultBranch is the PR's base (e.g. "main").
func NewCommitter(client *Client, defaultBranch string) *Committer {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Committer{client: client, defaultBranch: defaultBranch}
}

// CommitAndOpenPR creates (or moves) session.WorkingBranch to a new commit
// containing changes, then opens or reuses a pull request against the
// default branch. session.RepoID is treated as the repository's
// "owner/name" slug directly.
func (c *Committer) CommitAndOpenPR(ctx context.Context, session *types.Session, changes []*types.FileChange, summary string) error {
	owner, repo, err := splitRepoID(session.RepoID)
	if err != nil {
		return err
	}
	if session.WorkingBranch == "" {
		return fmt.Errorf("session %s has no working branch configured", session.ID)
	}

	tree, err := c.client.GetTree(ctx, owner, repo, session.WorkingBranch)
	baseSHA := ""
	if err != nil {
		// Working branch doesn't exist yet: branch it from the session's
		// target branch before committing.
		base, baseErr := c.client.GetTree(ctx, owner, repo, session.Branch)
		if baseErr != nil {
			return fmt.Errorf("resolve base branch %s: %w", session.Branch, baseErr)
		}
		if err := c.client.CreateBranch(ctx, owner, repo, session.WorkingBranch, base.GetSHA()); err != nil {
			return fmt.Errorf("create working branch %s: %w", session.WorkingBranch, err)
		}
		baseSHA = base.GetSHA()
		tree = base
	} else {
		baseSHA = tree.GetSHA()
	}

	entries := make([]TreeEntry, 0, len(changes))
	for _, fc := range changes {
		blobSHA, err := c.client.CreateBlob(ctx, owner, repo, fc.Content)
		if err != nil {
			return fmt.Errorf("upload blob for %s: %w", fc.Path, err)
		}
		entries = append(entries, TreeEntry{Path: fc.Path, BlobSHA: blobSHA})
	}

	commitSHA, err := c.client.CreateCommit(ctx, owner, repo, tree.GetSHA(), baseSHA, summary, entries)
	if err != nil {
		return fmt.Errorf("create commit: %w", err)
	}

	if err := c.client.UpdateRef(ctx, owner, repo, session.WorkingBranch, commitSHA); err != nil {
		return fmt.Errorf("update working branch ref: %w", err)
	}

	_, err = c.client.OpenOrReusePR(ctx, owner, repo, session.WorkingBranch, c.defaultBranch, summary,
		fmt.Sprintf("Automated changes from sandbox session %s, applied %s.", session.ID, time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		return fmt.Errorf("open or reuse pull request: %w", err)
	}
	return nil
}

func splitRepoID(repoID string) (owner, repo string, err error) {
	parts := strings.SplitN(repoID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo id %q is not an owner/repo slug", repoID)
	}
	return parts[0], parts[1], nil
}

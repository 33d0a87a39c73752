package sourcehost

import (
	"context"
	"fmt"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/types"
	"golang.org/x/oauth2"
)

// Resolver mints a per-owner source-host client and resolves the branch a
// new sandbox should clone: the requested branch if it exists, otherwise
// repo's default branch. It structurally satisfies
// pkg/sandboxsetup.BranchResolver without importing that package.
type Resolver struct {
	mgr      *controlplane.Manager
	oauthCfg *oauth2.Config
}

// NewResolver builds a Resolver against the control plane's stored OAuth
// credentials, using oauthCfg for token refresh.
func NewResolver(mgr *controlplane.Manager, oauthCfg *oauth2.Config) *Resolver {
	return &Resolver{mgr: mgr, oauthCfg: oauthCfg}
}

// Resolve looks up ownerID's stored GitHub credential, checks whether
// targetBranch exists in repoID, and returns the branch the sandbox should
// actually clone (targetBranch, or repoID's default branch on a fallback)
// along with a clone token. fellBack is true when the caller's requested
// branch did not exist.
func (r *Resolver) Resolve(ctx context.Context, ownerID, repoID, targetBranch string) (effectiveBranch, defaultBranch string, fellBack bool, token string, err error) {
	cred, err := r.mgr.Store().GetOAuthCredentialByUser(ownerID, types.ProviderGitHub)
	if err != nil {
		return "", "", false, "", fmt.Errorf("look up oauth credential for %s: %w", ownerID, err)
	}
	if cred == nil {
		return "", "", false, "", fmt.Errorf("user %s has no connected github credential", ownerID)
	}

	client, err := ForCredential(ctx, r.mgr, r.oauthCfg, cred)
	if err != nil {
		return "", "", false, "", err
	}

	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return "", "", false, "", err
	}

	defaultBranch, err = client.DefaultBranch(ctx, owner, repo)
	if err != nil {
		return "", "", false, "", err
	}

	exists, err := client.BranchExists(ctx, owner, repo, targetBranch)
	if err != nil {
		return "", "", false, "", err
	}
	if exists {
		return targetBranch, defaultBranch, false, client.AccessToken(), nil
	}
	return defaultBranch, defaultBranch, true, client.AccessToken(), nil
}

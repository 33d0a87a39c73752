// Package sourcehost wraps google/go-github for the minimal set of
// operations the agent loop and its committer need against a user's
// connected source host: list repos, read tree/file content at a ref,
// create a branch/blob/tree/commit, update a ref, and open/list/merge a
// pull request. OAuth token refresh and at-rest encryption live here too,
// the way the teacher's worker packages keep a credential's lifecycle
// next to the client that consumes it.
package sourcehost

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/security"
	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/google/go-github/v33/github"
	"golang.org/x/oauth2"
)

// refreshSkew matches §6.3: tokens are refreshed when expiry is within this
// window, not only once already expired.
const refreshSkew = 5 * time.Minute

// Client is a per-user GitHub client, bound to one stored OAuthCredential.
type Client struct {
	gh     *github.Client
	oauth  *oauth2.Config
	secret *security.SecretsManager
	mgr    *controlplane.Manager
	cred   *types.OAuthCredential
	token  string
}

// NewOAuthConfig builds the oauth2.Config used for the authorization-code
// exchange and subsequent token refreshes.
func NewOAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://github.com/login/oauth/authorize",
			TokenURL: "https://github.com/login/oauth/access_token",
		},
	}
}

// ForCredential builds a Client authenticated as cred's user, refreshing
// the underlying token first if it is within refreshSkew of expiring.
func ForCredential(ctx context.Context, mgr *controlplane.Manager, oauthCfg *oauth2.Config, cred *types.OAuthCredential) (*Client, error) {
	secret := mgr.Secrets()

	accessToken, refreshToken, err := secret.DecryptOAuthTokens(cred.AccessToken, cred.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt oauth credential: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       cred.ExpiresAt,
	}

	if time.Until(token.Expiry) <= refreshSkew {
		refreshed, err := refreshOAuthToken(ctx, oauthCfg, token)
		if err != nil {
			cred.Revoked = true
			_ = mgr.UpdateOAuthCredential(cred)
			return nil, fmt.Errorf("refresh oauth token: %w (credential revoked, reconnect required)", err)
		}
		token = refreshed

		accessCipher, refreshCipher, err := secret.EncryptOAuthTokens(token.AccessToken, token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refreshed oauth token: %w", err)
		}
		cred.AccessToken = accessCipher
		cred.RefreshToken = refreshCipher
		cred.ExpiresAt = token.Expiry
		cred.UpdatedAt = time.Now().UTC()
		if err := mgr.UpdateOAuthCredential(cred); err != nil {
			return nil, fmt.Errorf("persist refreshed oauth token: %w", err)
		}
	}

	httpClient := oauthCfg.Client(ctx, token)
	return &Client{
		gh:     github.NewClient(httpClient),
		oauth:  oauthCfg,
		secret: secret,
		mgr:    mgr,
		cred:   cred,
		token:  token.AccessToken,
	}, nil
}

// AccessToken returns the raw bearer token this client authenticates with,
// for handing to a sandbox that needs to clone over HTTPS itself.
func (c *Client) AccessToken() string {
	return c.token
}

// refreshOAuthToken exchanges a refresh token for a fresh access token.
func refreshOAuthToken(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*oauth2.Token, error) {
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
	return src.Token()
}

// ListRepos lists the authenticated user's repositories.
func (c *Client) ListRepos(ctx context.Context) ([]*github.Repository, error) {
	opts := &github.RepositoryListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var all []*github.Repository
	for {
		repos, resp, err := c.gh.Repositories.List(ctx, "", opts)
		if err != nil {
			return nil, fmt.Errorf("list repositories: %w", err)
		}
		all = append(all, repos...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetTree returns the full recursive tree at ref.
func (c *Client) GetTree(ctx context.Context, owner, repo, ref string) (*github.Tree, error) {
	tree, _, err := c.gh.Git.GetTree(ctx, owner, repo, ref, true)
	if err != nil {
		return nil, fmt.Errorf("get tree %s@%s: %w", repo, ref, err)
	}
	return tree, nil
}

// GetFileContent returns the decoded content of path at ref.
func (c *Client) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	fc, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", fmt.Errorf("get file content %s@%s: %w", path, ref, err)
	}
	if fc == nil {
		return "", fmt.Errorf("get file content %s@%s: not a file", path, ref)
	}
	return fc.GetContent()
}

// CreateBranch creates branchName pointing at fromSHA.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, branchName, fromSHA string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branchName),
		Object: &github.GitObject{SHA: github.String(fromSHA)},
	}
	if _, _, err := c.gh.Git.CreateRef(ctx, owner, repo, ref); err != nil {
		return fmt.Errorf("create branch %s: %w", branchName, err)
	}
	return nil
}

// CreateBlob uploads content and returns its SHA.
func (c *Client) CreateBlob(ctx context.Context, owner, repo, content string) (string, error) {
	blob, _, err := c.gh.Git.CreateBlob(ctx, owner, repo, &github.Blob{
		Content:  github.String(content),
		Encoding: github.String("utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	return blob.GetSHA(), nil
}

// TreeEntry is one path/blob pair to include in a new commit tree.
type TreeEntry struct {
	Path    string
	BlobSHA string
}

// CreateCommit builds a new tree from baseTreeSHA plus entries, commits it
// with message against parentSHA, and returns the new commit's SHA.
func (c *Client) CreateCommit(ctx context.Context, owner, repo, baseTreeSHA, parentSHA, message string, entries []TreeEntry) (string, error) {
	ghEntries := make([]*github.TreeEntry, 0, len(entries))
	for _, e := range entries {
		ghEntries = append(ghEntries, &github.TreeEntry{
			Path: github.String(e.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  github.String(e.BlobSHA),
		})
	}

	tree, _, err := c.gh.Git.CreateTree(ctx, owner, repo, baseTreeSHA, ghEntries)
	if err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	commit, _, err := c.gh.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: github.String(message),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: github.String(parentSHA)}},
	})
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}
	return commit.GetSHA(), nil
}

// UpdateRef moves branchName to point at commitSHA.
func (c *Client) UpdateRef(ctx context.Context, owner, repo, branchName, commitSHA string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branchName),
		Object: &github.GitObject{SHA: github.String(commitSHA)},
	}
	if _, _, err := c.gh.Git.UpdateRef(ctx, owner, repo, ref, false); err != nil {
		return fmt.Errorf("update ref %s: %w", branchName, err)
	}
	return nil
}

// OpenOrReusePR opens a pull request from head into base, or returns the
// existing open PR for head if one is already there.
func (c *Client) OpenOrReusePR(ctx context.Context, owner, repo, head, base, title, body string) (*github.PullRequest, error) {
	existing, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:  owner + ":" + head,
		Base:  base,
		State: "open",
	})
	if err == nil && len(existing) > 0 {
		return existing[0], nil
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("open pull request %s -> %s: %w", head, base, err)
	}
	return pr, nil
}

// ListPRs lists open pull requests targeting base.
func (c *Client) ListPRs(ctx context.Context, owner, repo, base string) ([]*github.PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{Base: base, State: "open"})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	return prs, nil
}

// BranchExists reports whether branch exists in owner/repo.
func (c *Client) BranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	_, resp, err := c.gh.Repositories.GetBranch(ctx, owner, repo, branch)
	if resp != nil && resp.StatusCode == 404 {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get branch %s: %w", branch, err)
	}
	return true, nil
}

// DefaultBranch returns owner/repo's configured default branch.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	return r.GetDefaultBranch(), nil
}

// MergePR merges pull request number using a squash merge.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int, commitMessage string) error {
	_, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, commitMessage, &github.PullRequestOptions{
		MergeMethod: "squash",
	})
	if err != nil {
		return fmt.Errorf("merge pull request #%d: %w", number, err)
	}
	return nil
}

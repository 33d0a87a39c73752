/*
Package sourcehost wraps google/go-github behind the minimal surface the
control plane needs: browse a repository at a ref, stage a commit via the
blob/tree/commit/ref primitives, and open or reuse a pull request.

OAuth token lifecycle lives alongside the client that consumes it: Client
decrypts a stored OAuthCredential's tokens with the control plane's
SecretsManager, refreshes through oauth2.Config when the access token is
within five minutes of expiring, and re-encrypts before persisting the
refreshed pair. A refresh failure revokes the credential rather than
retrying indefinitely — the user has to reconnect.

Committer adapts Client to pkg/agent's Committer contract without
importing pkg/agent: the agent loop's finalize step calls it once a turn
produces file changes against a session with a configured working branch.

Resolver adapts Client to pkg/sandboxsetup's BranchResolver contract the
same structural way: given an owner/repo/target branch it looks up the
caller's stored credential, checks whether the target branch exists, and
returns either that branch or the repository's default branch alongside
the bearer token the sandbox clones with.
*/
package sourcehost

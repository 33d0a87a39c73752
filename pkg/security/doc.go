/*
Package security provides at-rest encryption for sensitive values the
control plane stores: OAuth access/refresh tokens on an OAuthCredential
record, and any other secret that needs AES-256-GCM protection before it
touches the durable store.

# SecretsManager

SecretsManager wraps one AES-256 key and offers encrypt/decrypt for
arbitrary byte payloads plus convenience helpers for an OAuth token pair:

	sm, err := security.NewSecretsManager(key) // key must be 32 bytes
	accessCiphertext, refreshCiphertext, err := sm.EncryptOAuthTokens(accessToken, refreshToken)
	accessToken, refreshToken, err = sm.DecryptOAuthTokens(accessCiphertext, refreshCiphertext)

NewSecretsManagerFromPassword derives a key from an operator-supplied
password via SHA-256, for deployments without a separate key-management
story.

# Cluster-wide key

DeriveKeyFromControlPlaneID derives a stable key from the control plane's
node ID so the same key is available across restarts without external key
storage, and SetClusterEncryptionKey/Encrypt/Decrypt expose a process-global
instance of the same AES-256-GCM scheme for code that doesn't hold a
*SecretsManager handle.

# See Also

  - pkg/sourcehost - the sole consumer, via controlplane.Manager.Secrets()
  - pkg/controlplane - owns the SecretsManager instance and its lifecycle
*/
package security

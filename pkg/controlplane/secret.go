package controlplane

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateAPISecret generates a random 64-character hex secret for a new
// sandbox or pool entry. The value is immutable for the lifetime of the
// record; the host daemon echoes it back on every status callback and the
// callback handler authenticates by direct comparison against the stored
// value, so no separate validation registry is needed.
func GenerateAPISecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

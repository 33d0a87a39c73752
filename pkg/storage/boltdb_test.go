package storage

import (
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSandboxCreateGetRoundtrip(t *testing.T) {
	store := newTestStore(t)

	sb := &types.Sandbox{
		ID:              "sb-1",
		Name:            "sb-1",
		SessionID:       "sess-1",
		Status:          types.SandboxRequested,
		StatusChangedAt: time.Now().UTC(),
	}

	require.NoError(t, store.CreateSandbox(sb))

	got, err := store.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Equal(t, sb.ID, got.ID)
	assert.Equal(t, sb.Status, got.Status)
}

func TestListSandboxesByStatusReflectsUpdates(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	sb := &types.Sandbox{
		ID:              "sb-1",
		Name:            "sb-1",
		Status:          types.SandboxRequested,
		StatusChangedAt: now,
	}
	require.NoError(t, store.CreateSandbox(sb))

	requested, err := store.ListSandboxesByStatus(types.SandboxRequested)
	require.NoError(t, err)
	assert.Len(t, requested, 1)

	sb.Status = types.SandboxCreating
	sb.StatusChangedAt = now.Add(time.Second)
	require.NoError(t, store.UpdateSandbox(sb))

	// The stale index entry under "requested" must have been evicted by the
	// update, not just a new entry appended under "creating".
	requested, err = store.ListSandboxesByStatus(types.SandboxRequested)
	require.NoError(t, err)
	assert.Empty(t, requested)

	creating, err := store.ListSandboxesByStatus(types.SandboxCreating)
	require.NoError(t, err)
	require.Len(t, creating, 1)
	assert.Equal(t, "sb-1", creating[0].ID)
}

func TestListSandboxesByStatusBeforeFiltersOnTimestamp(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	old := &types.Sandbox{ID: "old", Name: "old", Status: types.SandboxInstalling, StatusChangedAt: now.Add(-time.Hour)}
	fresh := &types.Sandbox{ID: "fresh", Name: "fresh", Status: types.SandboxInstalling, StatusChangedAt: now}
	require.NoError(t, store.CreateSandbox(old))
	require.NoError(t, store.CreateSandbox(fresh))

	cutoff := now.Add(-time.Minute)
	stale, err := store.ListSandboxesByStatusBefore(types.SandboxInstalling, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestListSandboxesBySession(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	a := &types.Sandbox{ID: "a", Name: "a", SessionID: "s1", Status: types.SandboxReady, StatusChangedAt: now}
	b := &types.Sandbox{ID: "b", Name: "b", SessionID: "s2", Status: types.SandboxReady, StatusChangedAt: now}
	require.NoError(t, store.CreateSandbox(a))
	require.NoError(t, store.CreateSandbox(b))

	got, err := store.ListSandboxesBySession("s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestDeleteSandboxRemovesIndexEntry(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	sb := &types.Sandbox{ID: "sb-1", Name: "sb-1", Status: types.SandboxDestroyed, StatusChangedAt: now}
	require.NoError(t, store.CreateSandbox(sb))
	require.NoError(t, store.DeleteSandbox("sb-1"))

	destroyed, err := store.ListSandboxesByStatus(types.SandboxDestroyed)
	require.NoError(t, err)
	assert.Empty(t, destroyed)
}

func TestMessagesBySessionOrderedAndTrimmedToLimit(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		msg := &types.Message{
			ID:        string(rune('a' + i)),
			SessionID: "sess-1",
			Role:      types.RoleUser,
			Text:      string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.CreateMessage(msg))
	}

	got, err := store.ListMessagesBySession("sess-1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Oldest-first, trimmed to the most recent 3.
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
	assert.Equal(t, "e", got[2].ID)
}

func TestPoolEntryCRUD(t *testing.T) {
	store := newTestStore(t)

	entry := &types.PoolEntry{
		ID:     "pool-1",
		Kind:   types.PoolKindGeneric,
		Status: types.PoolCreating,
	}
	require.NoError(t, store.CreatePoolEntry(entry))

	entry.Status = types.PoolReady
	require.NoError(t, store.UpdatePoolEntry(entry))

	ready, err := store.ListPoolEntriesByStatus(types.PoolReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "pool-1", ready[0].ID)

	require.NoError(t, store.DeletePoolEntry("pool-1"))
	ready, err = store.ListPoolEntriesByStatus(types.PoolReady)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestOAuthCredentialGetByUser(t *testing.T) {
	store := newTestStore(t)

	cred := &types.OAuthCredential{
		ID:       "cred-1",
		UserID:   "user-1",
		Provider: types.OAuthProvider("github"),
	}
	require.NoError(t, store.CreateOAuthCredential(cred))

	got, err := store.GetOAuthCredentialByUser("user-1", types.OAuthProvider("github"))
	require.NoError(t, err)
	assert.Equal(t, "cred-1", got.ID)
}

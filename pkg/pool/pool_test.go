package pool

import (
	"testing"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestOldestReturnsEarliestCreated(t *testing.T) {
	now := time.Now().UTC()
	entries := []*types.PoolEntry{
		{ID: "b", CreatedAt: now.Add(time.Minute)},
		{ID: "a", CreatedAt: now},
		{ID: "c", CreatedAt: now.Add(2 * time.Minute)},
	}

	got := oldest(entries)
	assert.Equal(t, "a", got.ID)
}

func TestOldestEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, oldest(nil))
}

func TestCountByKindFiltersGenericVsRepoAffine(t *testing.T) {
	entries := []*types.PoolEntry{
		{Kind: types.PoolKindGeneric},
		{Kind: types.PoolKindGeneric},
		{Kind: types.PoolKindRepoAffine, RepoID: "repo-1"},
		{Kind: types.PoolKindRepoAffine, RepoID: "repo-2"},
	}

	assert.Equal(t, 2, countByKind(entries, types.PoolKindGeneric, ""))
	assert.Equal(t, 1, countByKind(entries, types.PoolKindRepoAffine, "repo-1"))
	assert.Equal(t, 0, countByKind(entries, types.PoolKindRepoAffine, "repo-3"))
}

func TestPoolKeyFormatsRepoAffineWithRepoID(t *testing.T) {
	assert.Equal(t, "generic", poolKey(types.PoolKindGeneric, ""))
	assert.Equal(t, "repo-affine:repo-1", poolKey(types.PoolKindRepoAffine, "repo-1"))
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.GenericTarget)
	assert.Equal(t, 1, cfg.GenericMin)
	assert.Equal(t, 2, cfg.GenericMaxCreating)
	assert.Equal(t, 1, cfg.RepoTarget)
	assert.Equal(t, 5*time.Minute, cfg.StaleAssignedAfter)
}

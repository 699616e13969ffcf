package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/types"
)

func fullJob(keepLast int) func(*types.Job) {
	return func(j *types.Job) {
		j.Incremental = false
		j.Retention = types.Retention{KeepLast: keepLast}
	}
}

func TestPruneKeepsWindow(t *testing.T) {
	env := newTestEnv(t)
	changing := writeFile(t, env.source, "data.txt", "v1")
	writeFile(t, env.source, "stable.txt", "stable")
	job := env.createJob(t, fullJob(1))

	env.execute(t, job)
	require.NoError(t, os.WriteFile(changing, []byte("v2 longer"), 0o644))
	env.execute(t, job)
	require.NoError(t, os.WriteFile(changing, []byte("v3 even longer"), 0o644))
	latest := env.execute(t, job)

	result, err := Prune(context.Background(), env.db, env.store, job)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SnapshotsPruned)

	snaps, err := env.db.ListSnapshots(job.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, latest.SnapshotID, snaps[0].ID)

	// The surviving snapshot's archive is intact.
	manifest, err := FetchManifest(context.Background(), env.store, snaps[0].ManifestKey)
	require.NoError(t, err)
	_, err = env.store.Head(context.Background(), manifest.ArchiveKey)
	assert.NoError(t, err)

	// The superseded archives are gone.
	assert.Equal(t, 2, result.ObjectsDeleted)
}

func TestPruneSkipsPinned(t *testing.T) {
	env := newTestEnv(t)
	changing := writeFile(t, env.source, "data.txt", "v1")
	job := env.createJob(t, fullJob(1))

	first := env.execute(t, job)
	require.NoError(t, os.WriteFile(changing, []byte("v2 longer"), 0o644))
	env.execute(t, job)
	require.NoError(t, os.WriteFile(changing, []byte("v3 even longer"), 0o644))
	latest := env.execute(t, job)

	require.NoError(t, env.db.SetSnapshotRetained(nil, first.SnapshotID, true))

	result, err := Prune(context.Background(), env.db, env.store, job)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SnapshotsPruned)

	snaps, err := env.db.ListSnapshots(job.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	ids := []string{snaps[0].ID, snaps[1].ID}
	assert.Contains(t, ids, first.SnapshotID)
	assert.Contains(t, ids, latest.SnapshotID)

	// The pinned snapshot's manifest and archive survive.
	pinned, err := env.db.GetSnapshot(first.SnapshotID)
	require.NoError(t, err)
	manifest, err := FetchManifest(context.Background(), env.store, pinned.ManifestKey)
	require.NoError(t, err)
	_, err = env.store.Head(context.Background(), manifest.ArchiveKey)
	assert.NoError(t, err)
}

func TestPruneKeepZeroLeavesOnlyNewest(t *testing.T) {
	env := newTestEnv(t)
	changing := writeFile(t, env.source, "data.txt", "v1")
	job := env.createJob(t, fullJob(0))

	for i := 2; i <= 5; i++ {
		env.execute(t, job)
		require.NoError(t, os.WriteFile(changing,
			[]byte(fmt.Sprintf("version %d", i)), 0o644))
	}
	latest := env.execute(t, job)

	result, err := Prune(context.Background(), env.db, env.store, job)
	require.NoError(t, err)
	assert.Equal(t, 4, result.SnapshotsPruned)

	snaps, err := env.db.ListSnapshots(job.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, latest.SnapshotID, snaps[0].ID)
}

func TestPruneProtectsIncrementalChain(t *testing.T) {
	env := newTestEnv(t)
	changing := writeFile(t, env.source, "data.txt", "v1")
	job := env.createJob(t, func(j *types.Job) {
		j.Retention = types.Retention{KeepLast: 1}
	})

	env.execute(t, job)
	require.NoError(t, os.WriteFile(changing, []byte("v2 longer"), 0o644))
	env.execute(t, job)
	require.NoError(t, os.WriteFile(changing, []byte("v3 even longer"), 0o644))
	env.execute(t, job)

	// Every older snapshot is an ancestor of the newest one, so the
	// policy cannot touch any of them.
	result, err := Prune(context.Background(), env.db, env.store, job)
	require.NoError(t, err)
	assert.Zero(t, result.SnapshotsPruned)

	snaps, err := env.db.ListSnapshots(job.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

// putManifest stores a synthetic manifest and its snapshot row.
func putManifest(t *testing.T, env *testEnv, job types.Job, id string, createdAt time.Time, files map[string]FileEntry) types.Snapshot {
	t.Helper()
	manifest := &Manifest{
		SnapshotID: id,
		JobID:      job.ID,
		CreatedAt:  createdAt,
		Files:      files,
		TotalFiles: int64(len(files)),
	}
	manifest.Finalize()
	encoded, err := manifest.Encode()
	require.NoError(t, err)

	key := ManifestKey(job.BucketPrefix, id)
	require.NoError(t, env.store.Put(context.Background(), key,
		bytes.NewReader(encoded), int64(len(encoded)), constants.ClassStandard))

	snap := types.Snapshot{
		ID:           id,
		JobID:        job.ID,
		RunID:        "run-" + id,
		CreatedAt:    createdAt,
		ManifestKey:  key,
		TotalFiles:   int64(len(files)),
		StorageClass: job.StorageClass,
	}
	require.NoError(t, env.db.CreateSnapshot(nil, snap))
	return snap
}

func putObject(t *testing.T, env *testEnv, key, content string) {
	t.Helper()
	require.NoError(t, env.store.Put(context.Background(), key,
		bytes.NewReader([]byte(content)), int64(len(content)), constants.ClassStandard))
}

func TestPruneSparesSharedObjects(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.source, "seed.txt", "seed")
	job := env.createJob(t, fullJob(1))

	shared := job.BucketPrefix + "objects/aa/shared"
	oldOnly := job.BucketPrefix + "objects/bb/old"
	putObject(t, env, shared, "shared payload")
	putObject(t, env, oldOnly, "old payload")

	base := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	older := putManifest(t, env, job, job.ID+"_20250601_020000", base, map[string]FileEntry{
		"srv/data/stable":   {Size: 14, Hash: "h1", ObjectKey: shared},
		"srv/data/obsolete": {Size: 11, Hash: "h2", ObjectKey: oldOnly},
	})
	putManifest(t, env, job, job.ID+"_20250602_020000", base.AddDate(0, 0, 1), map[string]FileEntry{
		"srv/data/stable": {Size: 14, Hash: "h1", ObjectKey: shared},
	})

	result, err := Prune(context.Background(), env.db, env.store, job)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SnapshotsPruned)
	assert.Equal(t, []string{older.ID}, result.PrunedIDs)
	assert.Equal(t, 1, result.ObjectsDeleted)

	_, err = env.store.Head(context.Background(), shared)
	assert.NoError(t, err)
	_, err = env.store.Head(context.Background(), oldOnly)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestSelectPrunable(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2025, 6, d, 2, 0, 0, 0, time.UTC)
	}
	snap := func(id string, d int) types.Snapshot {
		return types.Snapshot{ID: id, CreatedAt: day(d)}
	}

	t.Run("single snapshot never pruned", func(t *testing.T) {
		got := selectPrunable([]types.Snapshot{snap("only", 1)}, types.Retention{})
		assert.Empty(t, got)
	})

	t.Run("keep last counts newest first", func(t *testing.T) {
		snaps := []types.Snapshot{snap("d", 4), snap("c", 3), snap("b", 2), snap("a", 1)}
		got := selectPrunable(snaps, types.Retention{KeepLast: 2})
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].ID)
		assert.Equal(t, "a", got[1].ID)
	})

	t.Run("keep zero spares only the newest", func(t *testing.T) {
		snaps := []types.Snapshot{snap("c", 3), snap("b", 2), snap("a", 1)}
		got := selectPrunable(snaps, types.Retention{})
		require.Len(t, got, 2)
	})

	t.Run("pinned snapshots survive any policy", func(t *testing.T) {
		pinned := snap("b", 2)
		pinned.Retained = true
		snaps := []types.Snapshot{snap("c", 3), pinned, snap("a", 1)}
		got := selectPrunable(snaps, types.Retention{})
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].ID)
	})

	t.Run("parent chain of a survivor is spared", func(t *testing.T) {
		child := snap("c", 3)
		child.ParentID = "b"
		child.Incremental = true
		middle := snap("b", 2)
		middle.ParentID = "a"
		middle.Incremental = true
		snaps := []types.Snapshot{child, middle, snap("a", 1)}
		got := selectPrunable(snaps, types.Retention{})
		assert.Empty(t, got)
	})
}

func TestSelectPrunableGFS(t *testing.T) {
	var snaps []types.Snapshot
	// Two snapshots a day for two weeks, newest first.
	for d := 14; d >= 1; d-- {
		for _, hour := range []int{22, 2} {
			created := time.Date(2025, 6, d, hour, 0, 0, 0, time.UTC)
			snaps = append(snaps, types.Snapshot{
				ID:        fmt.Sprintf("s-%02d-%02d", d, hour),
				CreatedAt: created,
			})
		}
	}

	policy := types.Retention{Daily: 3, Weekly: 2, Monthly: 1}
	require.True(t, policy.GFS())
	pruned := selectPrunable(snaps, policy)

	kept := make(map[string]bool)
	for _, s := range snaps {
		kept[s.ID] = true
	}
	for _, s := range pruned {
		delete(kept, s.ID)
	}

	// The newest snapshot of each of the last three days survives.
	assert.True(t, kept["s-14-22"])
	assert.True(t, kept["s-13-22"])
	assert.True(t, kept["s-12-22"])
	// The morning runs of those days do not.
	assert.False(t, kept["s-14-02"])
	assert.False(t, kept["s-13-02"])
	// One keeper from the previous ISO week (June 2-8 2025).
	weekTwo := false
	for d := 2; d <= 8; d++ {
		if kept[fmt.Sprintf("s-%02d-22", d)] || kept[fmt.Sprintf("s-%02d-02", d)] {
			weekTwo = true
		}
	}
	assert.True(t, weekTwo)
}

var _ objstore.Store = (*objstore.MemoryStore)(nil)

package restore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"

	"github.com/coldvault/coldvault/internal/backend/backup"
	"github.com/coldvault/coldvault/internal/cipher"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

type fixture struct {
	db     *sqlite.Database
	store  *objstore.MemoryStore
	source string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Initialize(filepath.Join(dir, "coldvault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	source := filepath.Join(dir, "source")
	require.NoError(t, os.MkdirAll(filepath.Join(source, "nested"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(source, "a.txt"), []byte("alpha content"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(source, "nested", "b.txt"), []byte("beta content"), 0o644))

	return &fixture{db: db, store: objstore.NewMemoryStore(), source: source}
}

// rel maps a file under the fixture source to its manifest key, which
// is also its path under the restore target.
func (f *fixture) rel(name string) string {
	return filepath.ToSlash(strings.TrimPrefix(
		filepath.Join(f.source, name), string(os.PathSeparator)))
}

// restored is where a restore of the fixture snapshot lands name.
func (f *fixture) restored(target, name string) string {
	return filepath.Join(target, filepath.FromSlash(f.rel(name)))
}

func (f *fixture) backup(t *testing.T, mutate func(*types.Job)) types.BackupRun {
	t.Helper()
	job := types.Job{
		Type:         types.JobTypeDataset,
		SourcePaths:  []string{f.source},
		Schedule:     "daily",
		Incremental:  true,
		StorageClass: constants.ClassStandard,
		Enabled:      true,
	}
	if mutate != nil {
		mutate(&job)
	}
	created, err := f.db.CreateJob(nil, job)
	require.NoError(t, err)

	executor := backup.NewExecutor(f.db, f.store, t.TempDir(), "")
	run, err := f.db.CreateRun(nil, types.BackupRun{
		JobID: created.ID, Status: types.RunPending,
	})
	require.NoError(t, err)
	finished, err := executor.Execute(context.Background(), created, run)
	require.NoError(t, err)
	require.Equal(t, types.RunSuccess, finished.Status)
	return finished
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, nil)

	target := t.TempDir()
	err := NewRestorer(f.db, f.store).Restore(
		context.Background(), run.SnapshotID, target, "", nil)
	require.NoError(t, err)

	a, err := os.ReadFile(f.restored(target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha content", string(a))

	b, err := os.ReadFile(f.restored(target, "nested/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta content", string(b))
}

func TestRestoreSubset(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, nil)

	target := t.TempDir()
	err := NewRestorer(f.db, f.store).Restore(
		context.Background(), run.SnapshotID, target, "",
		[]string{f.rel("nested")})
	require.NoError(t, err)

	b, err := os.ReadFile(f.restored(target, "nested/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta content", string(b))

	_, err = os.Stat(f.restored(target, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreEncryptedRoundTrip(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, func(j *types.Job) {
		j.Encrypt = true
		j.EncryptionKey = "passphrase"
	})

	restorer := NewRestorer(f.db, f.store)

	t.Run("needs passphrase", func(t *testing.T) {
		err := restorer.Restore(context.Background(), run.SnapshotID, t.TempDir(), "", nil)
		assert.Error(t, err)
	})

	t.Run("round trips", func(t *testing.T) {
		target := t.TempDir()
		err := restorer.Restore(context.Background(), run.SnapshotID, target, "passphrase", nil)
		require.NoError(t, err)

		a, err := os.ReadFile(f.restored(target, "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "alpha content", string(a))
	})
}

func TestRestoreFullArchive(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, func(j *types.Job) { j.Incremental = false })

	target := t.TempDir()
	err := NewRestorer(f.db, f.store).Restore(
		context.Background(), run.SnapshotID, target, "", nil)
	require.NoError(t, err)

	a, err := os.ReadFile(f.restored(target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha content", string(a))

	b, err := os.ReadFile(f.restored(target, "nested/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta content", string(b))
}

func TestRestoreEncryptedFullArchive(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, func(j *types.Job) {
		j.Incremental = false
		j.Encrypt = true
		j.EncryptionKey = "passphrase"
	})

	restorer := NewRestorer(f.db, f.store)

	err := restorer.Restore(context.Background(), run.SnapshotID, t.TempDir(), "", nil)
	assert.Error(t, err)

	target := t.TempDir()
	require.NoError(t, restorer.Restore(
		context.Background(), run.SnapshotID, target, "passphrase", nil))

	a, err := os.ReadFile(f.restored(target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha content", string(a))

	b, err := os.ReadFile(f.restored(target, "nested/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta content", string(b))
}

func TestRestoreHostArchive(t *testing.T) {
	f := newFixture(t)
	job, err := f.db.CreateJob(nil, types.Job{
		Name:         "whole-host",
		Type:         types.JobTypeHost,
		SourcePaths:  []string{f.source},
		Schedule:     "daily",
		StorageClass: constants.ClassStandard,
		Enabled:      true,
	})
	require.NoError(t, err)

	// A host snapshot is one opaque archive plus a manifest that only
	// carries its checksum.
	payload := []byte("opaque disk image bytes")
	snapshotID := job.ID + "_20250601_020000"
	archiveKey := backup.HostArchiveKey(job.BucketPrefix, snapshotID)
	require.NoError(t, f.store.Put(context.Background(), archiveKey,
		bytes.NewReader(payload), int64(len(payload)), constants.ClassStandard))

	manifest := &backup.Manifest{
		SnapshotID: snapshotID,
		JobID:      job.ID,
		CreatedAt:  time.Now().UTC(),
		Files:      map[string]backup.FileEntry{},
		ArchiveKey: archiveKey,
		Checksum:   fmt.Sprintf("%x", xxh3.Hash128(payload).Bytes()),
		TotalFiles: 1,
		TotalBytes: int64(len(payload)),
	}
	encoded, err := manifest.Encode()
	require.NoError(t, err)
	manifestKey := backup.ManifestKey(job.BucketPrefix, snapshotID)
	require.NoError(t, f.store.Put(context.Background(), manifestKey,
		bytes.NewReader(encoded), int64(len(encoded)), constants.ClassStandard))
	require.NoError(t, f.db.CreateSnapshot(nil, types.Snapshot{
		ID:           snapshotID,
		JobID:        job.ID,
		RunID:        "run-host",
		CreatedAt:    manifest.CreatedAt,
		ManifestKey:  manifestKey,
		TotalFiles:   1,
		TotalBytes:   int64(len(payload)),
		StorageClass: job.StorageClass,
	}))

	target := t.TempDir()
	require.NoError(t, NewRestorer(f.db, f.store).Restore(
		context.Background(), snapshotID, target, "", nil))

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := os.ReadFile(filepath.Join(target, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, strings.HasPrefix(entries[0].Name(), snapshotID))
}

func TestRestoreEncryptedHostArchive(t *testing.T) {
	f := newFixture(t)
	job, err := f.db.CreateJob(nil, types.Job{
		Name:          "sealed-host",
		Type:          types.JobTypeHost,
		SourcePaths:   []string{f.source},
		Schedule:      "daily",
		StorageClass:  constants.ClassStandard,
		Encrypt:       true,
		EncryptionKey: "passphrase",
		Enabled:       true,
	})
	require.NoError(t, err)

	// The checksum is taken over the plaintext; the store only ever
	// sees the sealed bytes.
	payload := []byte("opaque disk image bytes")
	var sealed bytes.Buffer
	w, err := cipher.Encrypt(&sealed, "passphrase")
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	snapshotID := job.ID + "_20250601_020000"
	archiveKey := backup.HostArchiveKey(job.BucketPrefix, snapshotID)
	require.NoError(t, f.store.Put(context.Background(), archiveKey,
		bytes.NewReader(sealed.Bytes()), int64(sealed.Len()), constants.ClassStandard))

	manifest := &backup.Manifest{
		SnapshotID: snapshotID,
		JobID:      job.ID,
		CreatedAt:  time.Now().UTC(),
		Encrypted:  true,
		Files:      map[string]backup.FileEntry{},
		ArchiveKey: archiveKey,
		Checksum:   fmt.Sprintf("%x", xxh3.Hash128(payload).Bytes()),
		TotalFiles: 1,
		TotalBytes: int64(len(payload)),
	}
	encoded, err := manifest.Encode()
	require.NoError(t, err)
	manifestKey := backup.ManifestKey(job.BucketPrefix, snapshotID)
	require.NoError(t, f.store.Put(context.Background(), manifestKey,
		bytes.NewReader(encoded), int64(len(encoded)), constants.ClassStandard))
	require.NoError(t, f.db.CreateSnapshot(nil, types.Snapshot{
		ID:           snapshotID,
		JobID:        job.ID,
		RunID:        "run-sealed-host",
		CreatedAt:    manifest.CreatedAt,
		ManifestKey:  manifestKey,
		TotalFiles:   1,
		TotalBytes:   int64(len(payload)),
		StorageClass: job.StorageClass,
	}))

	restorer := NewRestorer(f.db, f.store)

	err = restorer.Restore(context.Background(), snapshotID, t.TempDir(), "", nil)
	assert.Error(t, err)

	target := t.TempDir()
	require.NoError(t, restorer.Restore(
		context.Background(), snapshotID, target, "passphrase", nil))

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := os.ReadFile(filepath.Join(target, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRestoreColdSnapshotNeedsRetrieval(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, func(j *types.Job) {
		j.StorageClass = constants.ClassDeepArchive
	})

	restorer := NewRestorer(f.db, f.store)

	err := restorer.Restore(context.Background(), run.SnapshotID, t.TempDir(), "", nil)
	assert.ErrorIs(t, err, ErrRetrievalPending)

	require.NoError(t, restorer.RequestRetrieval(context.Background(), run.SnapshotID, 7))

	// The initiation time is recorded for the estimate countdown.
	snap, err := f.db.GetSnapshot(run.SnapshotID)
	require.NoError(t, err)
	require.NotNil(t, snap.RetrievalRequestedAt)

	// Still thawing.
	err = restorer.Restore(context.Background(), run.SnapshotID, t.TempDir(), "", nil)
	assert.ErrorIs(t, err, ErrRetrievalPending)

	// Thaw completes; restore proceeds.
	manifest, err := backup.FetchManifest(context.Background(), f.store, snap.ManifestKey)
	require.NoError(t, err)
	for _, key := range payloadKeys(manifest, nil) {
		f.store.CompleteRestore(key)
	}

	target := t.TempDir()
	require.NoError(t, restorer.Restore(context.Background(), run.SnapshotID, target, "", nil))
	_, err = os.Stat(f.restored(target, "a.txt"))
	assert.NoError(t, err)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, func(j *types.Job) {
		j.StorageClass = constants.ClassDeepArchive
	})

	estimate, err := NewEstimator(f.db, f.store).Estimate(
		context.Background(), run.SnapshotID, nil)
	require.NoError(t, err)

	assert.Equal(t, run.SnapshotID, estimate.SnapshotID)
	assert.Equal(t, constants.ClassDeepArchive, estimate.StorageClass)
	assert.Equal(t, types.RetrievalNotStarted, estimate.State)
	assert.True(t, estimate.NeedsRetrieval)
	assert.InDelta(t, 12, estimate.WaitHours, 0.01)

	// Small payloads still price coherently: transfer dominates.
	assert.GreaterOrEqual(t, estimate.TransferCost, 0.0)
	assert.Equal(t, round(estimate.RetrievalCost+estimate.TransferCost), estimate.TotalCost)
}

func TestEstimateCountsDownAfterRequest(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, func(j *types.Job) {
		j.StorageClass = constants.ClassDeepArchive
	})

	restorer := NewRestorer(f.db, f.store)
	require.NoError(t, restorer.RequestRetrieval(context.Background(), run.SnapshotID, 7))

	// Backdate the request so the countdown is visibly below the SLA.
	snap, err := f.db.GetSnapshot(run.SnapshotID)
	require.NoError(t, err)
	require.NoError(t, f.db.MarkRetrievalRequested(nil, snap.ID,
		time.Now().UTC().Add(-10*time.Hour)))

	estimate, err := NewEstimator(f.db, f.store).Estimate(
		context.Background(), run.SnapshotID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RetrievalInProgress, estimate.State)
	assert.InDelta(t, 2, estimate.WaitHours, 0.1)

	// Past the SLA the wait floors at zero rather than going negative.
	require.NoError(t, f.db.MarkRetrievalRequested(nil, snap.ID,
		time.Now().UTC().Add(-20*time.Hour)))
	estimate, err = NewEstimator(f.db, f.store).Estimate(
		context.Background(), run.SnapshotID, nil)
	require.NoError(t, err)
	assert.Zero(t, estimate.WaitHours)
	assert.True(t, estimate.NeedsRetrieval)
}

func TestEstimateSubset(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, nil)

	full, err := NewEstimator(f.db, f.store).Estimate(
		context.Background(), run.SnapshotID, nil)
	require.NoError(t, err)

	narrowed, err := NewEstimator(f.db, f.store).Estimate(
		context.Background(), run.SnapshotID, []string{f.rel("a.txt")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), narrowed.TotalFiles)
	assert.Equal(t, int64(len("alpha content")), narrowed.TotalBytes)
	assert.Less(t, narrowed.TotalBytes, full.TotalBytes)
}

func TestEstimateWarmClassReady(t *testing.T) {
	f := newFixture(t)
	run := f.backup(t, nil)

	estimate, err := NewEstimator(f.db, f.store).Estimate(
		context.Background(), run.SnapshotID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RetrievalReady, estimate.State)
	assert.False(t, estimate.NeedsRetrieval)
	assert.Zero(t, estimate.WaitHours)
	assert.Zero(t, estimate.RetrievalCost)
}

func TestSecurePath(t *testing.T) {
	base := t.TempDir()

	_, err := securePath(base, "../escape.txt")
	assert.Error(t, err)

	_, err = securePath(base, "/abs/path.txt")
	assert.Error(t, err)

	dest, err := securePath(base, "ok/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "ok", "file.txt"), dest)
}

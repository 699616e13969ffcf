package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/types"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "coldvault.db")
	database, err := Initialize(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func testJob() types.Job {
	return types.Job{
		Type:         types.JobTypeDataset,
		SourcePaths:  []string{"/srv/www/data"},
		Schedule:     "daily",
		Incremental:  true,
		StorageClass: constants.ClassGlacierIR,
		Retention:    types.Retention{KeepLast: 5},
		Enabled:      true,
	}
}

func TestJobCRUD(t *testing.T) {
	database := testDB(t)

	created, err := database.CreateJob(nil, testJob())
	require.NoError(t, err)
	assert.Equal(t, "srv-www-data", created.ID)
	assert.Equal(t, "srv-www-data/", created.BucketPrefix)
	require.NotNil(t, created.NextRunAt)

	t.Run("get", func(t *testing.T) {
		got, err := database.GetJob(created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.SourcePaths, got.SourcePaths)
		assert.Equal(t, constants.ClassGlacierIR, got.StorageClass)
		assert.Equal(t, 5, got.Retention.KeepLast)
		assert.True(t, got.Incremental)
	})

	t.Run("duplicate id gets suffix", func(t *testing.T) {
		second, err := database.CreateJob(nil, testJob())
		require.Error(t, err) // bucket prefix collides
		_ = second

		job := testJob()
		job.BucketPrefix = "other-prefix/"
		second, err = database.CreateJob(nil, job)
		require.NoError(t, err)
		assert.Equal(t, "srv-www-data-1", second.ID)
	})

	t.Run("update", func(t *testing.T) {
		got, err := database.GetJob(created.ID)
		require.NoError(t, err)
		got.Schedule = "@every_6h"
		got.Comment = "updated"
		require.NoError(t, database.UpdateJob(nil, got))

		after, err := database.GetJob(created.ID)
		require.NoError(t, err)
		assert.Equal(t, "@every_6h", after.Schedule)
		assert.Equal(t, "updated", after.Comment)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, database.DeleteJob(nil, created.ID))
		_, err := database.GetJob(created.ID)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestJobValidation(t *testing.T) {
	database := testDB(t)

	t.Run("relative source path", func(t *testing.T) {
		job := testJob()
		job.SourcePaths = []string{"/srv/ok", "relative/path"}
		_, err := database.CreateJob(nil, job)
		assert.Error(t, err)
	})

	t.Run("no source paths", func(t *testing.T) {
		job := testJob()
		job.SourcePaths = nil
		_, err := database.CreateJob(nil, job)
		assert.Error(t, err)
	})

	t.Run("negative retention", func(t *testing.T) {
		job := testJob()
		job.Retention.Daily = -1
		_, err := database.CreateJob(nil, job)
		assert.Error(t, err)
	})

	t.Run("host jobs are never incremental", func(t *testing.T) {
		job := testJob()
		job.Name = "whole-host"
		job.Type = types.JobTypeHost
		job.Incremental = true
		created, err := database.CreateJob(nil, job)
		require.NoError(t, err)
		assert.False(t, created.Incremental)
	})

	t.Run("bad schedule", func(t *testing.T) {
		job := testJob()
		job.Schedule = "whenever"
		_, err := database.CreateJob(nil, job)
		assert.Error(t, err)
	})

	t.Run("bad storage class", func(t *testing.T) {
		job := testJob()
		job.StorageClass = "LUKEWARM"
		_, err := database.CreateJob(nil, job)
		assert.Error(t, err)
	})

	t.Run("encryption without key", func(t *testing.T) {
		job := testJob()
		job.Encrypt = true
		_, err := database.CreateJob(nil, job)
		assert.Error(t, err)
	})
}

func TestDueJobs(t *testing.T) {
	database := testDB(t)

	job := testJob()
	created, err := database.CreateJob(nil, job)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, database.UpdateJobNextRun(nil, created.ID, &past))

	due, err := database.GetDueJobs(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, created.ID, due[0].ID)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, database.UpdateJobNextRun(nil, created.ID, &future))

	due, err = database.GetDueJobs(time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRunLifecycle(t *testing.T) {
	database := testDB(t)

	job, err := database.CreateJob(nil, testJob())
	require.NoError(t, err)

	run, err := database.CreateRun(nil, types.BackupRun{
		JobID:  job.ID,
		Status: types.RunRunning,
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	t.Run("cancel request", func(t *testing.T) {
		require.NoError(t, database.RequestCancel(nil, run.ID))
		requested, err := database.CancelRequested(run.ID)
		require.NoError(t, err)
		assert.True(t, requested)
	})

	t.Run("re-cancel is a no-op", func(t *testing.T) {
		require.NoError(t, database.RequestCancel(nil, run.ID))
		requested, err := database.CancelRequested(run.ID)
		require.NoError(t, err)
		assert.True(t, requested)
	})

	t.Run("terminal run rejects cancel", func(t *testing.T) {
		now := time.Now().UTC()
		run.Status = types.RunSuccess
		run.FinishedAt = &now
		run.SnapshotID = "srv-www-data_20250310_140000"
		require.NoError(t, database.UpdateRun(nil, run))

		err := database.RequestCancel(nil, run.ID)
		assert.ErrorIs(t, err, ErrRunFinished)
	})

	t.Run("unknown run is not found", func(t *testing.T) {
		err := database.RequestCancel(nil, "no-such-run")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("list", func(t *testing.T) {
		runs, err := database.ListRuns(job.ID, 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, types.RunSuccess, runs[0].Status)
	})
}

func TestMarkRunStartedPreservesCancel(t *testing.T) {
	database := testDB(t)

	job, err := database.CreateJob(nil, testJob())
	require.NoError(t, err)

	// A cancel that lands while the run is still pending must survive
	// the transition to running.
	run, err := database.CreateRun(nil, types.BackupRun{JobID: job.ID})
	require.NoError(t, err)
	require.NoError(t, database.RequestCancel(nil, run.ID))
	require.NoError(t, database.MarkRunStarted(nil, run.ID))

	requested, err := database.CancelRequested(run.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	second, err := database.CreateRun(nil, types.BackupRun{JobID: job.ID})
	require.NoError(t, err)
	require.NoError(t, database.MarkRunStarted(nil, second.ID))
	got, err := database.GetRun(second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
}

func TestRecoverOrphanedRuns(t *testing.T) {
	database := testDB(t)

	job, err := database.CreateJob(nil, testJob())
	require.NoError(t, err)

	running, err := database.CreateRun(nil, types.BackupRun{
		JobID: job.ID, Status: types.RunRunning,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	done, err := database.CreateRun(nil, types.BackupRun{
		JobID: job.ID, Status: types.RunSuccess, FinishedAt: &now,
	})
	require.NoError(t, err)

	recovered, err := database.RecoverOrphanedRuns()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := database.GetRun(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, got.Status)
	assert.Contains(t, got.Message, "interrupted")
	require.NotNil(t, got.FinishedAt)

	untouched, err := database.GetRun(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSuccess, untouched.Status)
}

func TestSnapshotsAndMetrics(t *testing.T) {
	database := testDB(t)

	job, err := database.CreateJob(nil, testJob())
	require.NoError(t, err)

	for i, id := range []string{
		job.ID + "_20250301_020000",
		job.ID + "_20250302_020000",
		job.ID + "_20250303_020000",
	} {
		err := database.CreateSnapshot(nil, types.Snapshot{
			ID:           id,
			JobID:        job.ID,
			RunID:        "run-" + id,
			CreatedAt:    time.Date(2025, 3, 1+i, 2, 0, 0, 0, time.UTC),
			ManifestKey:  job.BucketPrefix + "manifests/" + id + ".json",
			TotalFiles:   int64(10 * (i + 1)),
			TotalBytes:   int64(1000 * (i + 1)),
			StorageClass: constants.ClassGlacierIR,
		})
		require.NoError(t, err)
	}

	t.Run("latest", func(t *testing.T) {
		latest, err := database.LatestSnapshot(job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID+"_20250303_020000", latest.ID)
	})

	t.Run("retained flag", func(t *testing.T) {
		id := job.ID + "_20250301_020000"
		require.NoError(t, database.SetSnapshotRetained(nil, id, true))
		snap, err := database.GetSnapshot(id)
		require.NoError(t, err)
		assert.True(t, snap.Retained)
	})

	t.Run("retrieval timestamp", func(t *testing.T) {
		id := job.ID + "_20250302_020000"
		at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		require.NoError(t, database.MarkRetrievalRequested(nil, id, at))
		snap, err := database.GetSnapshot(id)
		require.NoError(t, err)
		require.NotNil(t, snap.RetrievalRequestedAt)
		assert.True(t, snap.RetrievalRequestedAt.Equal(at))
	})

	t.Run("metrics round trip", func(t *testing.T) {
		err := database.RecordMetric(nil, types.StorageMetric{
			JobID:      job.ID,
			TotalBytes: 6000,
			ByClass:    map[string]int64{constants.ClassGlacierIR: 6000},
			Snapshots:  3,
			CostMonth:  0.02,
		})
		require.NoError(t, err)

		history, err := database.MetricHistory(job.ID, time.Time{})
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, int64(6000), history[0].ByClass[constants.ClassGlacierIR])

		latest, err := database.LatestMetric(job.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), latest.Snapshots)
	})
}

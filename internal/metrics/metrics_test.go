package metrics

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

func TestCollect(t *testing.T) {
	db, err := sqlite.Initialize(filepath.Join(t.TempDir(), "coldvault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	job, err := db.CreateJob(nil, types.Job{
		SourcePaths:  []string{"/srv/data"},
		Schedule:     "daily",
		StorageClass: constants.ClassGlacierIR,
		Enabled:      true,
	})
	require.NoError(t, err)

	store := objstore.NewMemoryStore()
	ctx := context.Background()
	warm := strings.Repeat("m", 100)
	cold := strings.Repeat("c", 400)
	require.NoError(t, store.Put(ctx, job.BucketPrefix+"manifests/x.json",
		strings.NewReader(warm), 100, constants.ClassStandard))
	require.NoError(t, store.Put(ctx, job.BucketPrefix+"objects/aa/bb",
		strings.NewReader(cold), 400, constants.ClassGlacierIR))

	metric, err := NewCollector(db, store).Collect(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, int64(500), metric.TotalBytes)
	assert.Equal(t, int64(100), metric.ByClass[constants.ClassStandard])
	assert.Equal(t, int64(400), metric.ByClass[constants.ClassGlacierIR])
	assert.Positive(t, metric.CostMonth)

	history, err := db.MetricHistory(job.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSummaryAndProjectAll(t *testing.T) {
	db, err := sqlite.Initialize(filepath.Join(t.TempDir(), "coldvault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	first, err := db.CreateJob(nil, types.Job{
		SourcePaths: []string{"/srv/www"}, Schedule: "daily", Enabled: true,
	})
	require.NoError(t, err)
	second, err := db.CreateJob(nil, types.Job{
		SourcePaths: []string{"/var/lib/pg"}, Schedule: "daily",
		StorageClass: constants.ClassDeepArchive, Enabled: true,
	})
	require.NoError(t, err)

	base := time.Now().UTC().AddDate(0, 0, -3)
	for day := 0; day < 3; day++ {
		at := base.AddDate(0, 0, day)
		require.NoError(t, db.RecordMetric(nil, types.StorageMetric{
			JobID: first.ID, RecordedAt: at,
			TotalBytes: int64(1000 * (day + 1)),
			ByClass:    map[string]int64{constants.ClassStandard: int64(1000 * (day + 1))},
			Snapshots:  int64(day + 1),
			CostMonth:  0.01,
		}))
		require.NoError(t, db.RecordMetric(nil, types.StorageMetric{
			JobID: second.ID, RecordedAt: at,
			TotalBytes: int64(500 * (day + 1)),
			ByClass:    map[string]int64{constants.ClassDeepArchive: int64(500 * (day + 1))},
			Snapshots:  1,
			CostMonth:  0.002,
		}))
	}

	collector := NewCollector(db, objstore.NewMemoryStore())

	t.Run("summary folds newest samples", func(t *testing.T) {
		summary, err := collector.Summary(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Jobs)
		assert.Equal(t, int64(3000+1500), summary.TotalBytes)
		assert.Equal(t, int64(3+1), summary.Snapshots)
		assert.Equal(t, int64(3000), summary.ByClass[constants.ClassStandard])
		assert.Equal(t, int64(1500), summary.ByClass[constants.ClassDeepArchive])
		assert.InDelta(t, 0.012, summary.CostMonth, 0.0001)
	})

	t.Run("history spans every job", func(t *testing.T) {
		history, err := collector.History(90)
		require.NoError(t, err)
		assert.Len(t, history, 6)
	})

	t.Run("projection fits the combined growth", func(t *testing.T) {
		projection, err := collector.ProjectAll(10)
		require.NoError(t, err)
		assert.Empty(t, projection.JobID)
		assert.Equal(t, 3, projection.Samples)
		// The fleet grows 1500 bytes a day.
		assert.InDelta(t, 1500, projection.BytesPerDay, 1)
		assert.InDelta(t, 4500+15000, float64(projection.ProjectedBytes), 10)
	})
}

func TestProjectLinearGrowth(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var history []types.StorageMetric
	for day := 0; day < 5; day++ {
		history = append(history, types.StorageMetric{
			JobID:      "job",
			RecordedAt: base.AddDate(0, 0, day),
			TotalBytes: int64(1000 * (day + 1)),
			CostMonth:  float64(1000*(day+1)) * 0.00001,
		})
	}

	projection, err := Project("job", history, 10)
	require.NoError(t, err)

	assert.Equal(t, 5, projection.Samples)
	assert.InDelta(t, 1000, projection.BytesPerDay, 1)
	// Latest sample is 5000 bytes; ten more days of 1000/day.
	assert.InDelta(t, 15000, float64(projection.ProjectedBytes), 10)
	assert.Greater(t, projection.ProjectedCost, 0.0)
}

func TestProjectFlat(t *testing.T) {
	base := time.Now().UTC()
	history := []types.StorageMetric{
		{RecordedAt: base, TotalBytes: 5000},
		{RecordedAt: base.Add(24 * time.Hour), TotalBytes: 5000},
	}

	projection, err := Project("job", history, 30)
	require.NoError(t, err)
	assert.InDelta(t, 0, projection.BytesPerDay, 0.001)
	assert.Equal(t, int64(5000), projection.ProjectedBytes)
}

func TestProjectNeedsSamples(t *testing.T) {
	_, err := Project("job", []types.StorageMetric{{TotalBytes: 1}}, 30)
	assert.ErrorIs(t, err, ErrNotEnoughSamples)
}

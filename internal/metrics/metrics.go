// Package metrics samples per-job storage footprints and projects
// their growth.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

var ErrNotEnoughSamples = errors.New("metrics: need at least two samples to project")

type Collector struct {
	db    *sqlite.Database
	store objstore.Store
}

func NewCollector(db *sqlite.Database, store objstore.Store) *Collector {
	return &Collector{db: db, store: store}
}

// Collect takes one sample of a job's footprint and records it.
func (c *Collector) Collect(ctx context.Context, job types.Job) (types.StorageMetric, error) {
	objects, err := c.store.List(ctx, job.BucketPrefix)
	if err != nil {
		return types.StorageMetric{}, fmt.Errorf("Collect: %w", err)
	}

	metric := types.StorageMetric{
		JobID:      job.ID,
		RecordedAt: time.Now().UTC(),
		ByClass:    make(map[string]int64),
	}
	for _, obj := range objects {
		metric.TotalBytes += obj.Size
		metric.ByClass[obj.StorageClass] += obj.Size
	}
	for class, bytes := range metric.ByClass {
		gb := float64(bytes) / float64(constants.GiB)
		metric.CostMonth += gb * constants.MonthlyRatePerGB[class]
	}

	snaps, err := c.db.ListSnapshots(job.ID)
	if err != nil {
		return types.StorageMetric{}, fmt.Errorf("Collect: %w", err)
	}
	metric.Snapshots = int64(len(snaps))

	if err := c.db.RecordMetric(nil, metric); err != nil {
		return types.StorageMetric{}, fmt.Errorf("Collect: %w", err)
	}
	return metric, nil
}

// CollectAll samples every job, continuing past per-job failures.
func (c *Collector) CollectAll(ctx context.Context) error {
	jobs, err := c.db.GetAllJobs()
	if err != nil {
		return fmt.Errorf("CollectAll: %w", err)
	}
	for _, job := range jobs {
		if _, err := c.Collect(ctx, job); err != nil {
			logging.L.Error(err).WithJob(job.ID).Write()
		}
	}
	return nil
}

// Summary folds every job's newest sample into one fleet-wide view.
func (c *Collector) Summary(ctx context.Context) (types.MetricsSummary, error) {
	jobs, err := c.db.GetAllJobs()
	if err != nil {
		return types.MetricsSummary{}, fmt.Errorf("Summary: %w", err)
	}

	summary := types.MetricsSummary{ByClass: make(map[string]int64)}
	for _, job := range jobs {
		metric, err := c.db.LatestMetric(job.ID)
		if err != nil {
			continue
		}
		summary.Jobs++
		summary.TotalBytes += metric.TotalBytes
		summary.Snapshots += metric.Snapshots
		summary.CostMonth += metric.CostMonth
		for class, bytes := range metric.ByClass {
			summary.ByClass[class] += bytes
		}
		if metric.RecordedAt.After(summary.RecordedAt) {
			summary.RecordedAt = metric.RecordedAt
		}
	}
	return summary, nil
}

// History returns every job's samples since days ago, newest job order
// preserved within each job.
func (c *Collector) History(days int) ([]types.StorageMetric, error) {
	jobs, err := c.db.GetAllJobs()
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	var all []types.StorageMetric
	for _, job := range jobs {
		history, err := c.db.MetricHistory(job.ID, since)
		if err != nil {
			return nil, fmt.Errorf("History: %w", err)
		}
		all = append(all, history...)
	}
	return all, nil
}

// ProjectAll aggregates per-day totals across every job and projects
// the combined growth.
func (c *Collector) ProjectAll(days int) (types.GrowthProjection, error) {
	history, err := c.History(90)
	if err != nil {
		return types.GrowthProjection{}, err
	}

	// Collapse samples recorded on the same day into one fleet total.
	byDay := make(map[string]*types.StorageMetric)
	for _, m := range history {
		day := m.RecordedAt.UTC().Format("2006-01-02")
		agg, ok := byDay[day]
		if !ok {
			agg = &types.StorageMetric{RecordedAt: m.RecordedAt.UTC().Truncate(24 * time.Hour)}
			byDay[day] = agg
		}
		agg.TotalBytes += m.TotalBytes
		agg.CostMonth += m.CostMonth
	}

	combined := make([]types.StorageMetric, 0, len(byDay))
	for _, agg := range byDay {
		combined = append(combined, *agg)
	}
	sort.Slice(combined, func(i, j int) bool {
		return combined[i].RecordedAt.Before(combined[j].RecordedAt)
	})

	projection, err := Project("", combined, days)
	if err != nil {
		return types.GrowthProjection{}, err
	}
	return projection, nil
}

// Run samples on a fixed cadence until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.CollectAll(ctx); err != nil {
				logging.L.Error(err).Write()
			}
		}
	}
}

// Project fits a least-squares line over the samples and extrapolates
// days ahead from the newest one. The projected cost reuses the
// newest sample's blended rate.
func Project(jobID string, history []types.StorageMetric, days int) (types.GrowthProjection, error) {
	if len(history) < 2 {
		return types.GrowthProjection{}, ErrNotEnoughSamples
	}
	if days <= 0 {
		days = 30
	}

	origin := history[0].RecordedAt
	var sumX, sumY, sumXX, sumXY float64
	for _, m := range history {
		x := m.RecordedAt.Sub(origin).Hours() / 24
		y := float64(m.TotalBytes)
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
	}

	n := float64(len(history))
	denom := n*sumXX - sumX*sumX
	var slope float64
	if denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}

	latest := history[len(history)-1]
	projected := float64(latest.TotalBytes) + slope*float64(days)
	if projected < 0 {
		projected = 0
	}

	var rate float64
	if latest.TotalBytes > 0 {
		rate = latest.CostMonth / float64(latest.TotalBytes)
	}

	return types.GrowthProjection{
		JobID:          jobID,
		Samples:        len(history),
		BytesPerDay:    slope,
		ProjectedBytes: int64(projected),
		ProjectedCost:  projected * rate,
		Days:           days,
	}, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldvault/coldvault/internal/store/types"
)

// RecordMetric appends one storage sample for a job.
func (database *Database) RecordMetric(tx *sql.Tx, metric types.StorageMetric) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("RecordMetric: failed to begin transaction: %w", err)
		}
		defer database.txDefer("RecordMetric", tx, &err, &commitNeeded)
	}

	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}
	byClass, err := json.Marshal(metric.ByClass)
	if err != nil {
		return fmt.Errorf("RecordMetric: error encoding class totals: %w", err)
	}

	_, err = tx.Exec(`
        INSERT INTO storage_metrics (
            job_id, recorded_at, total_bytes, by_class, snapshots, cost_month
        ) VALUES (?, ?, ?, ?, ?, ?)
    `, metric.JobID, metric.RecordedAt, metric.TotalBytes, string(byClass),
		metric.Snapshots, metric.CostMonth)
	if err != nil {
		return fmt.Errorf("RecordMetric: error inserting metric: %w", err)
	}

	commitNeeded = true
	return nil
}

// MetricHistory returns samples for a job recorded at or after since,
// oldest first.
func (database *Database) MetricHistory(jobID string, since time.Time) ([]types.StorageMetric, error) {
	rows, err := database.readDb.Query(`
        SELECT id, job_id, recorded_at, total_bytes, by_class, snapshots, cost_month
        FROM storage_metrics
        WHERE job_id = ? AND recorded_at >= ?
        ORDER BY recorded_at
    `, jobID, since)
	if err != nil {
		return nil, fmt.Errorf("MetricHistory: error querying metrics: %w", err)
	}
	defer rows.Close()

	var metrics []types.StorageMetric
	for rows.Next() {
		var m types.StorageMetric
		var byClass string
		err := rows.Scan(&m.ID, &m.JobID, &m.RecordedAt, &m.TotalBytes,
			&byClass, &m.Snapshots, &m.CostMonth)
		if err != nil {
			return nil, fmt.Errorf("MetricHistory: error scanning metric: %w", err)
		}
		if byClass != "" {
			if err := json.Unmarshal([]byte(byClass), &m.ByClass); err != nil {
				return nil, fmt.Errorf("MetricHistory: error decoding class totals: %w", err)
			}
		}
		metrics = append(metrics, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("MetricHistory: error iterating metrics: %w", err)
	}
	return metrics, nil
}

// LatestMetric returns the newest sample for a job.
func (database *Database) LatestMetric(jobID string) (types.StorageMetric, error) {
	var m types.StorageMetric
	var byClass string
	err := database.readDb.QueryRow(`
        SELECT id, job_id, recorded_at, total_bytes, by_class, snapshots, cost_month
        FROM storage_metrics
        WHERE job_id = ? ORDER BY recorded_at DESC LIMIT 1
    `, jobID).Scan(&m.ID, &m.JobID, &m.RecordedAt, &m.TotalBytes,
		&byClass, &m.Snapshots, &m.CostMonth)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.StorageMetric{}, sql.ErrNoRows
		}
		return types.StorageMetric{}, fmt.Errorf("LatestMetric: %w", err)
	}
	if byClass != "" {
		if err := json.Unmarshal([]byte(byClass), &m.ByClass); err != nil {
			return types.StorageMetric{}, fmt.Errorf("LatestMetric: error decoding class totals: %w", err)
		}
	}
	return m, nil
}

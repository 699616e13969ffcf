package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/schedule"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/types"
	"github.com/coldvault/coldvault/internal/utils"
)

// generateUniqueJobID produces a unique job id from the job name, or
// from the first source path when no name is set.
func (database *Database) generateUniqueJobID(job types.Job) (string, error) {
	base := job.Name
	if base == "" && len(job.SourcePaths) > 0 {
		base = job.SourcePaths[0]
	}
	baseID := utils.Slugify(base)
	if baseID == "" {
		return "", fmt.Errorf("invalid job name: slugified value is empty")
	}

	for idx := 0; idx < maxAttempts; idx++ {
		var newID string
		if idx == 0 {
			newID = baseID
		} else {
			newID = fmt.Sprintf("%s-%d", baseID, idx)
		}
		var exists int
		err := database.readDb.
			QueryRow("SELECT 1 FROM jobs WHERE id = ? LIMIT 1", newID).
			Scan(&exists)

		if errors.Is(err, sql.ErrNoRows) {
			return newID, nil
		}
		if err != nil {
			return "", fmt.Errorf(
				"generateUniqueJobID: error checking job existence: %w", err)
		}
	}
	return "", fmt.Errorf("failed to generate a unique job ID after %d attempts",
		maxAttempts)
}

func (database *Database) txDefer(name string, tx *sql.Tx, errp *error, commitNeeded *bool) {
	if p := recover(); p != nil {
		_ = tx.Rollback()
		panic(p)
	} else if *errp != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.L.Error(fmt.Errorf("%s: failed to rollback transaction: %w", name, rbErr)).Write()
		}
	} else if *commitNeeded {
		if cErr := tx.Commit(); cErr != nil {
			*errp = fmt.Errorf("%s: failed to commit transaction: %w", name, cErr)
			logging.L.Error(*errp).Write()
		}
	} else {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.L.Error(fmt.Errorf("%s: failed to rollback transaction: %w", name, rbErr)).Write()
		}
	}
}

func validateJob(job *types.Job) error {
	if len(job.SourcePaths) == 0 {
		return errors.New("no source paths")
	}
	for _, p := range job.SourcePaths {
		if !utils.ValidateSourcePath(p) {
			return fmt.Errorf("invalid source path: %s", p)
		}
	}
	if job.BucketPrefix == "" {
		base := job.Name
		if base == "" {
			base = job.SourcePaths[0]
		}
		job.BucketPrefix = strings.Trim(utils.Slugify(base), "-") + "/"
	}
	if !utils.ValidateBucketPrefix(job.BucketPrefix) {
		return fmt.Errorf("invalid bucket prefix: %s", job.BucketPrefix)
	}
	if err := schedule.Validate(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule string: %s", job.Schedule)
	}
	if job.Type == "" {
		job.Type = types.JobTypeDataset
	}
	switch job.Type {
	case types.JobTypeDataset:
	case types.JobTypeHost:
		// The host tool produces one opaque archive per run.
		job.Incremental = false
	default:
		return fmt.Errorf("invalid job type: %s", job.Type)
	}
	if job.StorageClass == "" {
		job.StorageClass = constants.ClassStandard
	}
	if !constants.ValidStorageClass(job.StorageClass) {
		return fmt.Errorf("invalid storage class: %s", job.StorageClass)
	}
	if job.Retention.KeepLast < 0 || job.Retention.Daily < 0 ||
		job.Retention.Weekly < 0 || job.Retention.Monthly < 0 {
		return errors.New("negative retention count")
	}
	if job.BandwidthLimitKB < 0 {
		job.BandwidthLimitKB = 0
	}
	if job.Encrypt && job.EncryptionKey == "" {
		return errors.New("encryption enabled without a key")
	}
	return nil
}

// CreateJob creates a new job record. The initial next_run_at is
// computed from the creation time.
func (database *Database) CreateJob(tx *sql.Tx, job types.Job) (created types.Job, err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return types.Job{}, fmt.Errorf("CreateJob: failed to begin transaction: %w", err)
		}
		defer database.txDefer("CreateJob", tx, &err, &commitNeeded)
	}

	if err = validateJob(&job); err != nil {
		return types.Job{}, fmt.Errorf("CreateJob: %w", err)
	}

	if job.ID == "" {
		id, idErr := database.generateUniqueJobID(job)
		if idErr != nil {
			return types.Job{}, fmt.Errorf("CreateJob: failed to generate unique id -> %w", idErr)
		}
		job.ID = id
	}
	if !utils.IsValidID(job.ID) {
		return types.Job{}, fmt.Errorf("CreateJob: invalid id string -> %s", job.ID)
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.NextRunAt == nil {
		next, nErr := schedule.Next(job.Schedule, job.CreatedAt)
		if nErr != nil {
			return types.Job{}, fmt.Errorf("CreateJob: %w", nErr)
		}
		job.NextRunAt = &next
	}

	paths, err := json.Marshal(job.SourcePaths)
	if err != nil {
		return types.Job{}, fmt.Errorf("CreateJob: error encoding source paths: %w", err)
	}
	_, err = tx.Exec(`
        INSERT INTO jobs (
            id, name, type, source_paths, bucket_prefix, schedule,
            incremental, storage_class, retention_keep_last, retention_daily,
            retention_weekly, retention_monthly, encrypt, encryption_key,
            exclude_patterns, bandwidth_limit_kb, enabled, comment,
            created_at, next_run_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, job.ID, job.Name, job.Type, string(paths), job.BucketPrefix,
		job.Schedule, job.Incremental, job.StorageClass,
		job.Retention.KeepLast, job.Retention.Daily, job.Retention.Weekly,
		job.Retention.Monthly, job.Encrypt, job.EncryptionKey,
		strings.Join(job.ExcludePatterns, "\n"), job.BandwidthLimitKB,
		job.Enabled, job.Comment, job.CreatedAt, job.NextRunAt)
	if err != nil {
		return types.Job{}, fmt.Errorf("CreateJob: error inserting job: %w", err)
	}

	commitNeeded = true
	return job, nil
}

const jobColumns = `
    id, name, type, source_paths, bucket_prefix, schedule, incremental,
    storage_class, retention_keep_last, retention_daily, retention_weekly,
    retention_monthly, encrypt, encryption_key, exclude_patterns,
    bandwidth_limit_kb, enabled, comment, created_at, next_run_at
`

func scanJob(scanner interface{ Scan(...interface{}) error }) (types.Job, error) {
	var job types.Job
	var paths, excludes string
	var nextRun sql.NullTime

	err := scanner.Scan(
		&job.ID, &job.Name, &job.Type, &paths, &job.BucketPrefix,
		&job.Schedule, &job.Incremental, &job.StorageClass,
		&job.Retention.KeepLast, &job.Retention.Daily, &job.Retention.Weekly,
		&job.Retention.Monthly, &job.Encrypt, &job.EncryptionKey,
		&excludes, &job.BandwidthLimitKB, &job.Enabled, &job.Comment,
		&job.CreatedAt, &nextRun,
	)
	if err != nil {
		return types.Job{}, err
	}
	if err := json.Unmarshal([]byte(paths), &job.SourcePaths); err != nil {
		return types.Job{}, fmt.Errorf("scanJob: bad source_paths column: %w", err)
	}
	if excludes != "" {
		job.ExcludePatterns = strings.Split(excludes, "\n")
	}
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRunAt = &t
	}
	return job, nil
}

// GetJob retrieves a job by id and fills in its last run summary.
func (database *Database) GetJob(id string) (types.Job, error) {
	row := database.readDb.QueryRow(
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, sql.ErrNoRows
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("GetJob: error scanning job data for id %s: %w", id, err)
	}

	database.populateLastRun(&job)
	return job, nil
}

func (database *Database) populateLastRun(job *types.Job) {
	var status string
	var startedAt time.Time
	err := database.readDb.QueryRow(`
        SELECT status, started_at FROM backup_runs
        WHERE job_id = ? ORDER BY started_at DESC LIMIT 1
    `, job.ID).Scan(&status, &startedAt)
	if err == nil {
		job.LastRunStatus = status
		job.LastRunAt = &startedAt
	}
}

// GetAllJobs returns every configured job ordered by id.
func (database *Database) GetAllJobs() ([]types.Job, error) {
	rows, err := database.readDb.Query(
		"SELECT " + jobColumns + " FROM jobs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("GetAllJobs: error querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("GetAllJobs: error scanning job: %w", err)
		}
		database.populateLastRun(&job)
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAllJobs: error iterating jobs: %w", err)
	}
	return jobs, nil
}

// GetDueJobs returns enabled jobs whose next_run_at is at or before now.
func (database *Database) GetDueJobs(now time.Time) ([]types.Job, error) {
	rows, err := database.readDb.Query(
		"SELECT "+jobColumns+` FROM jobs
         WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
         ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("GetDueJobs: error querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("GetDueJobs: error scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("GetDueJobs: error iterating jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob updates an existing job's configuration.
func (database *Database) UpdateJob(tx *sql.Tx, job types.Job) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("UpdateJob: failed to begin transaction: %w", err)
		}
		defer database.txDefer("UpdateJob", tx, &err, &commitNeeded)
	}

	if !utils.IsValidID(job.ID) {
		return fmt.Errorf("UpdateJob: invalid id string -> %s", job.ID)
	}
	if err = validateJob(&job); err != nil {
		return fmt.Errorf("UpdateJob: %w", err)
	}

	paths, err := json.Marshal(job.SourcePaths)
	if err != nil {
		return fmt.Errorf("UpdateJob: error encoding source paths: %w", err)
	}
	result, err := tx.Exec(`
        UPDATE jobs SET name = ?, type = ?, source_paths = ?,
            bucket_prefix = ?, schedule = ?, incremental = ?,
            storage_class = ?, retention_keep_last = ?, retention_daily = ?,
            retention_weekly = ?, retention_monthly = ?, encrypt = ?,
            encryption_key = ?, exclude_patterns = ?, bandwidth_limit_kb = ?,
            enabled = ?, comment = ?, next_run_at = ?
        WHERE id = ?
    `, job.Name, job.Type, string(paths), job.BucketPrefix, job.Schedule,
		job.Incremental, job.StorageClass, job.Retention.KeepLast,
		job.Retention.Daily, job.Retention.Weekly, job.Retention.Monthly,
		job.Encrypt, job.EncryptionKey,
		strings.Join(job.ExcludePatterns, "\n"), job.BandwidthLimitKB,
		job.Enabled, job.Comment, job.NextRunAt, job.ID)
	if err != nil {
		return fmt.Errorf("UpdateJob: error updating job: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}

	commitNeeded = true
	return nil
}

// UpdateJobNextRun sets only the next_run_at column.
func (database *Database) UpdateJobNextRun(tx *sql.Tx, jobID string, next *time.Time) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("UpdateJobNextRun: failed to begin transaction: %w", err)
		}
		defer database.txDefer("UpdateJobNextRun", tx, &err, &commitNeeded)
	}

	_, err = tx.Exec("UPDATE jobs SET next_run_at = ? WHERE id = ?", next, jobID)
	if err != nil {
		return fmt.Errorf("UpdateJobNextRun: error updating job: %w", err)
	}

	commitNeeded = true
	return nil
}

// DeleteJob removes a job; runs, snapshots and metrics cascade.
func (database *Database) DeleteJob(tx *sql.Tx, id string) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("DeleteJob: failed to begin transaction: %w", err)
		}
		defer database.txDefer("DeleteJob", tx, &err, &commitNeeded)
	}

	result, err := tx.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("DeleteJob: error deleting job: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}

	commitNeeded = true
	return nil
}

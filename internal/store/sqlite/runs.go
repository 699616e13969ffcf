package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coldvault/coldvault/internal/store/types"
)

// ErrRunFinished means a cancellation was asked for a run that already
// reached a terminal state.
var ErrRunFinished = errors.New("run already finished")

// CreateRun inserts a new run record. The id is assigned here when
// empty.
func (database *Database) CreateRun(tx *sql.Tx, run types.BackupRun) (created types.BackupRun, err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return types.BackupRun{}, fmt.Errorf("CreateRun: failed to begin transaction: %w", err)
		}
		defer database.txDefer("CreateRun", tx, &err, &commitNeeded)
	}

	if run.JobID == "" {
		return types.BackupRun{}, errors.New("CreateRun: job id is empty")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = types.RunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err = tx.Exec(`
        INSERT INTO backup_runs (
            id, job_id, status, manual, started_at, finished_at, snapshot_id,
            files_scanned, files_uploaded, files_unchanged, bytes_uploaded, message
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, run.ID, run.JobID, run.Status, run.Manual, run.StartedAt, run.FinishedAt,
		run.SnapshotID, run.FilesScanned, run.FilesUploaded, run.FilesUnchanged,
		run.BytesUploaded, run.Message)
	if err != nil {
		return types.BackupRun{}, fmt.Errorf("CreateRun: error inserting run: %w", err)
	}

	commitNeeded = true
	return run, nil
}

const runColumns = `
    id, job_id, status, manual, started_at, finished_at, snapshot_id,
    files_scanned, files_uploaded, files_unchanged, bytes_uploaded, message
`

func scanRun(scanner interface{ Scan(...interface{}) error }) (types.BackupRun, error) {
	var run types.BackupRun
	var finished sql.NullTime

	err := scanner.Scan(
		&run.ID, &run.JobID, &run.Status, &run.Manual, &run.StartedAt,
		&finished, &run.SnapshotID, &run.FilesScanned, &run.FilesUploaded,
		&run.FilesUnchanged, &run.BytesUploaded, &run.Message,
	)
	if err != nil {
		return types.BackupRun{}, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func (database *Database) GetRun(id string) (types.BackupRun, error) {
	row := database.readDb.QueryRow(
		"SELECT "+runColumns+" FROM backup_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BackupRun{}, sql.ErrNoRows
	}
	if err != nil {
		return types.BackupRun{}, fmt.Errorf("GetRun: error scanning run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs for a job, newest first. A
// limit of 0 means no limit.
func (database *Database) ListRuns(jobID string, limit int) ([]types.BackupRun, error) {
	query := "SELECT " + runColumns + ` FROM backup_runs
        WHERE job_id = ? ORDER BY started_at DESC`
	args := []interface{}{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := database.readDb.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: error querying runs: %w", err)
	}
	defer rows.Close()

	var runs []types.BackupRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRuns: error scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRuns: error iterating runs: %w", err)
	}
	return runs, nil
}

// UpdateRun rewrites a run's mutable fields.
func (database *Database) UpdateRun(tx *sql.Tx, run types.BackupRun) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("UpdateRun: failed to begin transaction: %w", err)
		}
		defer database.txDefer("UpdateRun", tx, &err, &commitNeeded)
	}

	result, err := tx.Exec(`
        UPDATE backup_runs SET status = ?, finished_at = ?, snapshot_id = ?,
            files_scanned = ?, files_uploaded = ?, files_unchanged = ?,
            bytes_uploaded = ?, message = ?
        WHERE id = ?
    `, run.Status, run.FinishedAt, run.SnapshotID, run.FilesScanned,
		run.FilesUploaded, run.FilesUnchanged, run.BytesUploaded,
		run.Message, run.ID)
	if err != nil {
		return fmt.Errorf("UpdateRun: error updating run: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}

	commitNeeded = true
	return nil
}

// MarkRunStarted flips a run to running. A cancellation that arrived
// while the run was still pending is left in place for the executor
// to observe.
func (database *Database) MarkRunStarted(tx *sql.Tx, runID string) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("MarkRunStarted: failed to begin transaction: %w", err)
		}
		defer database.txDefer("MarkRunStarted", tx, &err, &commitNeeded)
	}

	_, err = tx.Exec(`
        UPDATE backup_runs SET status = ?
        WHERE id = ? AND status != ?
    `, types.RunRunning, runID, types.RunCancelRequest)
	if err != nil {
		return fmt.Errorf("MarkRunStarted: error updating run: %w", err)
	}

	commitNeeded = true
	return nil
}

// UpdateRunProgress rewrites only the live counters, leaving status
// alone so a concurrent cancellation request survives the write.
func (database *Database) UpdateRunProgress(tx *sql.Tx, run types.BackupRun) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("UpdateRunProgress: failed to begin transaction: %w", err)
		}
		defer database.txDefer("UpdateRunProgress", tx, &err, &commitNeeded)
	}

	_, err = tx.Exec(`
        UPDATE backup_runs SET files_scanned = ?, files_uploaded = ?,
            files_unchanged = ?, bytes_uploaded = ?
        WHERE id = ?
    `, run.FilesScanned, run.FilesUploaded, run.FilesUnchanged,
		run.BytesUploaded, run.ID)
	if err != nil {
		return fmt.Errorf("UpdateRunProgress: error updating run: %w", err)
	}

	commitNeeded = true
	return nil
}

// RequestCancel flips a pending or running run to
// cancellation_requested. Re-cancelling is a no-op; cancelling a
// terminal run is ErrRunFinished, not a missing row.
func (database *Database) RequestCancel(tx *sql.Tx, runID string) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("RequestCancel: failed to begin transaction: %w", err)
		}
		defer database.txDefer("RequestCancel", tx, &err, &commitNeeded)
	}

	var status types.RunStatus
	err = tx.QueryRow(
		"SELECT status FROM backup_runs WHERE id = ?", runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("RequestCancel: error reading run: %w", err)
	}

	switch status {
	case types.RunCancelRequest:
		// Already asked.
		return nil
	case types.RunPending, types.RunRunning:
	default:
		return fmt.Errorf("RequestCancel: run %s: %w", runID, ErrRunFinished)
	}

	_, err = tx.Exec(`
        UPDATE backup_runs SET status = ? WHERE id = ?
    `, types.RunCancelRequest, runID)
	if err != nil {
		return fmt.Errorf("RequestCancel: error updating run: %w", err)
	}

	commitNeeded = true
	return nil
}

// CancelRequested reports whether cancellation has been asked for.
func (database *Database) CancelRequested(runID string) (bool, error) {
	var status types.RunStatus
	err := database.readDb.QueryRow(
		"SELECT status FROM backup_runs WHERE id = ?", runID).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("CancelRequested: %w", err)
	}
	return status == types.RunCancelRequest, nil
}

// RecoverOrphanedRuns marks runs left non-terminal by a previous
// process as failed. Called once at startup before the scheduler
// starts.
func (database *Database) RecoverOrphanedRuns() (recovered int, err error) {
	var commitNeeded bool = false
	tx, err := database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("RecoverOrphanedRuns: failed to begin transaction: %w", err)
	}
	defer database.txDefer("RecoverOrphanedRuns", tx, &err, &commitNeeded)

	now := time.Now().UTC()
	result, err := tx.Exec(`
        UPDATE backup_runs SET status = ?, finished_at = ?,
            message = 'interrupted: daemon restarted mid-run'
        WHERE status IN (?, ?, ?)
    `, types.RunFailed, now, types.RunPending, types.RunRunning,
		types.RunCancelRequest)
	if err != nil {
		return 0, fmt.Errorf("RecoverOrphanedRuns: error updating runs: %w", err)
	}
	affected, _ := result.RowsAffected()

	commitNeeded = true
	return int(affected), nil
}

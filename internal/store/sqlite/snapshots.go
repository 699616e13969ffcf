package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coldvault/coldvault/internal/store/types"
)

func (database *Database) CreateSnapshot(tx *sql.Tx, snap types.Snapshot) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("CreateSnapshot: failed to begin transaction: %w", err)
		}
		defer database.txDefer("CreateSnapshot", tx, &err, &commitNeeded)
	}

	if snap.ID == "" || snap.JobID == "" {
		return errors.New("CreateSnapshot: snapshot id and job id are required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(`
        INSERT INTO snapshots (
            id, job_id, run_id, created_at, manifest_key, total_files,
            total_bytes, storage_class, incremental, parent_id, retained
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, snap.ID, snap.JobID, snap.RunID, snap.CreatedAt, snap.ManifestKey,
		snap.TotalFiles, snap.TotalBytes, snap.StorageClass, snap.Incremental,
		snap.ParentID, snap.Retained)
	if err != nil {
		return fmt.Errorf("CreateSnapshot: error inserting snapshot: %w", err)
	}

	commitNeeded = true
	return nil
}

const snapshotColumns = `
    id, job_id, run_id, created_at, manifest_key, total_files,
    total_bytes, storage_class, incremental, parent_id, retained,
    retrieval_requested_at
`

func scanSnapshot(scanner interface{ Scan(...interface{}) error }) (types.Snapshot, error) {
	var snap types.Snapshot
	var requested sql.NullTime
	err := scanner.Scan(
		&snap.ID, &snap.JobID, &snap.RunID, &snap.CreatedAt, &snap.ManifestKey,
		&snap.TotalFiles, &snap.TotalBytes, &snap.StorageClass,
		&snap.Incremental, &snap.ParentID, &snap.Retained, &requested,
	)
	if requested.Valid {
		t := requested.Time
		snap.RetrievalRequestedAt = &t
	}
	return snap, err
}

func (database *Database) GetSnapshot(id string) (types.Snapshot, error) {
	row := database.readDb.QueryRow(
		"SELECT "+snapshotColumns+" FROM snapshots WHERE id = ?", id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Snapshot{}, sql.ErrNoRows
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("GetSnapshot: error scanning snapshot %s: %w", id, err)
	}
	return snap, nil
}

// ListSnapshots returns a job's snapshots, newest first.
func (database *Database) ListSnapshots(jobID string) ([]types.Snapshot, error) {
	rows, err := database.readDb.Query(
		"SELECT "+snapshotColumns+` FROM snapshots
         WHERE job_id = ? ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("ListSnapshots: error querying snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSnapshots: error scanning snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSnapshots: error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// LatestSnapshot returns the newest snapshot for a job, or
// sql.ErrNoRows when the job has none.
func (database *Database) LatestSnapshot(jobID string) (types.Snapshot, error) {
	row := database.readDb.QueryRow(
		"SELECT "+snapshotColumns+` FROM snapshots
         WHERE job_id = ? ORDER BY created_at DESC LIMIT 1`, jobID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Snapshot{}, sql.ErrNoRows
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("LatestSnapshot: error scanning snapshot: %w", err)
	}
	return snap, nil
}

// SetSnapshotRetained pins or unpins a snapshot from retention pruning.
func (database *Database) SetSnapshotRetained(tx *sql.Tx, id string, retained bool) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("SetSnapshotRetained: failed to begin transaction: %w", err)
		}
		defer database.txDefer("SetSnapshotRetained", tx, &err, &commitNeeded)
	}

	result, err := tx.Exec(
		"UPDATE snapshots SET retained = ? WHERE id = ?", retained, id)
	if err != nil {
		return fmt.Errorf("SetSnapshotRetained: error updating snapshot: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}

	commitNeeded = true
	return nil
}

// MarkRetrievalRequested records when a cold-class thaw was initiated
// so wait estimates can count down from it.
func (database *Database) MarkRetrievalRequested(tx *sql.Tx, id string, at time.Time) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("MarkRetrievalRequested: failed to begin transaction: %w", err)
		}
		defer database.txDefer("MarkRetrievalRequested", tx, &err, &commitNeeded)
	}

	result, err := tx.Exec(
		"UPDATE snapshots SET retrieval_requested_at = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("MarkRetrievalRequested: error updating snapshot: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}

	commitNeeded = true
	return nil
}

func (database *Database) DeleteSnapshot(tx *sql.Tx, id string) (err error) {
	var commitNeeded bool = false
	if tx == nil {
		tx, err = database.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("DeleteSnapshot: failed to begin transaction: %w", err)
		}
		defer database.txDefer("DeleteSnapshot", tx, &err, &commitNeeded)
	}

	result, err := tx.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("DeleteSnapshot: error deleting snapshot: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}

	commitNeeded = true
	return nil
}

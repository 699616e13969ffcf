package types

import "time"

type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunRunning       RunStatus = "running"
	RunSuccess       RunStatus = "success"
	RunFailed        RunStatus = "failed"
	RunCancelRequest RunStatus = "cancellation_requested"
	RunCancelled     RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// BackupRun is one execution of a job. SnapshotID is set only on
// success, Message carries the failure or cancellation reason.
type BackupRun struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Status         RunStatus  `json:"status"`
	Manual         bool       `json:"manual"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	SnapshotID     string     `json:"snapshot_id,omitempty"`
	FilesScanned   int64      `json:"files_scanned"`
	FilesUploaded  int64      `json:"files_uploaded"`
	FilesUnchanged int64      `json:"files_unchanged"`
	BytesUploaded  int64      `json:"bytes_uploaded"`
	Message        string     `json:"message,omitempty"`
}

// Snapshot is the durable record of a successful run's manifest. An
// incremental snapshot names the snapshot whose manifest it diffed
// against; that parent must stay retrievable while the child exists.
type Snapshot struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	RunID        string    `json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
	ManifestKey  string    `json:"manifest_key"`
	TotalFiles   int64     `json:"total_files"`
	TotalBytes   int64     `json:"total_bytes"`
	StorageClass string    `json:"storage_class"`
	Incremental  bool      `json:"incremental"`
	ParentID     string    `json:"parent_id,omitempty"`
	Retained     bool      `json:"retained"`

	// RetrievalRequestedAt is set when a cold-class thaw is initiated
	// so wait estimates can count down from it.
	RetrievalRequestedAt *time.Time `json:"retrieval_requested_at,omitempty"`
}

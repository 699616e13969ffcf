package types

import "time"

// StorageMetric is a point-in-time sample of a job's footprint in the
// object store, split by storage class.
type StorageMetric struct {
	ID         int64            `json:"id"`
	JobID      string           `json:"job_id"`
	RecordedAt time.Time        `json:"recorded_at"`
	TotalBytes int64            `json:"total_bytes"`
	ByClass    map[string]int64 `json:"by_class"`
	Snapshots  int64            `json:"snapshots"`
	CostMonth  float64          `json:"cost_month"`
}

// MetricsSummary aggregates the newest sample of every job.
type MetricsSummary struct {
	RecordedAt time.Time        `json:"recorded_at"`
	Jobs       int              `json:"jobs"`
	TotalBytes int64            `json:"total_bytes"`
	ByClass    map[string]int64 `json:"by_class"`
	Snapshots  int64            `json:"snapshots"`
	CostMonth  float64          `json:"cost_month"`
}

// GrowthProjection is a linear fit over recent metric samples. An
// empty JobID means the fit spans every job's footprint combined.
type GrowthProjection struct {
	JobID          string  `json:"job_id,omitempty"`
	Samples        int     `json:"samples"`
	BytesPerDay    float64 `json:"bytes_per_day"`
	ProjectedBytes int64   `json:"projected_bytes"`
	ProjectedCost  float64 `json:"projected_cost_month"`
	Days           int     `json:"days"`
}

type IssueKind string

const (
	IssueMissing           IssueKind = "missing_object"
	IssueOrphaned          IssueKind = "orphan_object"
	IssueMismatched        IssueKind = "size_mismatch"
	IssueMisplacedManifest IssueKind = "misplaced_manifest"
)

type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// SyncIssue is one divergence between the manifest view and the object
// store found by the reconciler.
type SyncIssue struct {
	Kind       IssueKind     `json:"kind"`
	Severity   IssueSeverity `json:"severity"`
	SnapshotID string        `json:"snapshot_id,omitempty"`
	ObjectKey  string        `json:"object_key"`
	Detail     string        `json:"detail,omitempty"`
}

// ReconcileReport is the result of one reconciler pass over a job.
type ReconcileReport struct {
	JobID      string      `json:"job_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Checked    int         `json:"objects_checked"`
	Issues     []SyncIssue `json:"issues"`
	Applied    int         `json:"applied"`
	Failed     int         `json:"failed"`
	DryRun     bool        `json:"dry_run"`
}

type RetrievalState string

const (
	RetrievalReady      RetrievalState = "ready"
	RetrievalInProgress RetrievalState = "in_progress"
	RetrievalNotStarted RetrievalState = "not_started"
)

// RestoreEstimate prices and bounds a snapshot restore before any
// retrieval is issued. A file subset narrows it to matching entries.
type RestoreEstimate struct {
	SnapshotID     string         `json:"snapshot_id"`
	TotalFiles     int64          `json:"total_files"`
	TotalBytes     int64          `json:"total_bytes"`
	StorageClass   string         `json:"storage_class"`
	NeedsRetrieval bool           `json:"needs_retrieval"`
	State          RetrievalState `json:"retrieval_status"`
	WaitEstimate   time.Duration  `json:"-"`
	WaitHours      float64        `json:"wait_hours"`
	RetrievalCost  float64        `json:"retrieval_cost"`
	TransferCost   float64        `json:"transfer_cost"`
	TotalCost      float64        `json:"total_cost"`
}

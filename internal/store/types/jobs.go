package types

import "time"

type JobType string

const (
	// JobTypeDataset backs up the source trees file by file.
	JobTypeDataset JobType = "dataset"
	// JobTypeHost delegates to the external host snapshot tool.
	JobTypeHost JobType = "host"
)

// Retention selects which snapshots survive a prune. When any of the
// GFS counts is set they take precedence over KeepLast. The most
// recent successful snapshot is never deleted either way.
type Retention struct {
	KeepLast int `json:"keep_last"`
	Daily    int `json:"gfs_daily,omitempty"`
	Weekly   int `json:"gfs_weekly,omitempty"`
	Monthly  int `json:"gfs_monthly,omitempty"`
}

// GFS reports whether the grandfather-father-son counts are in effect.
func (r Retention) GFS() bool {
	return r.Daily > 0 || r.Weekly > 0 || r.Monthly > 0
}

// Job is a configured backup job. SourcePaths must be absolute local
// paths; Schedule is either a five-field cron expression, one of the
// named presets, or an "@every_N[mhd]" interval. The engine mutates
// only NextRunAt and the LastRun fields.
type Job struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Type             JobType    `json:"type"`
	SourcePaths      []string   `json:"source_paths"`
	BucketPrefix     string     `json:"bucket_prefix"`
	Schedule         string     `json:"schedule"`
	Incremental      bool       `json:"incremental"`
	StorageClass     string     `json:"storage_class"`
	Retention        Retention  `json:"retention"`
	EncryptionKey    string     `json:"-"`
	Encrypt          bool       `json:"encrypt"`
	ExcludePatterns  []string   `json:"exclude_patterns"`
	BandwidthLimitKB int        `json:"bandwidth_limit_kb"`
	Enabled          bool       `json:"enabled"`
	Comment          string     `json:"comment"`
	CreatedAt        time.Time  `json:"created_at"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`

	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
}

package backup

import "errors"

var (
	// ErrOneInstance means the job already has a run in flight.
	ErrOneInstance = errors.New("a backup for this job is still running")

	ErrSourceUnavailable = errors.New("source path is not accessible")
	ErrCancelled         = errors.New("backup run cancelled")
	ErrNoPreviousRun     = errors.New("job has no previous snapshot")

	// ErrIntegrity means an incremental run found a parent snapshot
	// whose manifest is no longer readable.
	ErrIntegrity = errors.New("parent manifest unreadable")
)

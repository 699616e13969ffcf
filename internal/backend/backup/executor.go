package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/coldvault/coldvault/internal/cipher"
	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

// progressPersistEvery bounds how many files are processed between
// progress row writes, so a log tail sees live counters without a
// write per file.
const progressPersistEvery = 32

type Executor struct {
	db        *sqlite.Database
	store     objstore.Store
	runLogDir string
	hostTool  string
}

func NewExecutor(db *sqlite.Database, store objstore.Store, runLogDir, hostTool string) *Executor {
	return &Executor{db: db, store: store, runLogDir: runLogDir, hostTool: hostTool}
}

// Execute performs the backup for an already-admitted pending run and
// returns the finished record. Admission control happens in the
// manager; Execute assumes it is the only run in flight for this job.
func (e *Executor) Execute(ctx context.Context, job types.Job, run types.BackupRun) (types.BackupRun, error) {
	runLog, err := logging.OpenRunLog(e.runLogDir, job.ID, run.ID)
	if err != nil {
		logging.L.Error(err).WithJob(job.ID).Write()
	}
	if runLog != nil {
		defer runLog.Close()
	}

	run.Status = types.RunRunning
	if err := e.db.MarkRunStarted(nil, run.ID); err != nil {
		return run, fmt.Errorf("Execute: %w", err)
	}

	logging.L.Info().
		WithMessage("backup run started").
		WithJob(job.ID).
		WithField("run_id", run.ID).
		WithField("type", job.Type).
		Write()

	finished, execErr := e.run(ctx, job, run, runLog)
	if execErr != nil {
		switch {
		case errors.Is(execErr, ErrCancelled), errors.Is(execErr, context.Canceled):
			finished.Status = types.RunCancelled
			finished.Message = "cancelled by request"
		default:
			finished.Status = types.RunFailed
			finished.Message = execErr.Error()
		}
	}

	now := time.Now().UTC()
	finished.FinishedAt = &now
	if err := e.db.UpdateRun(nil, finished); err != nil {
		logging.L.Error(err).WithJob(job.ID).Write()
	}

	logging.L.Info().
		WithMessage("backup run finished").
		WithJob(job.ID).
		WithField("run_id", finished.ID).
		WithField("status", finished.Status).
		WithField("uploaded", humanize.Bytes(uint64(finished.BytesUploaded))).
		Write()

	return finished, execErr
}

// run does the actual work and returns the updated run record. Object
// uploads that completed before a cancellation or failure are left in
// place for the reconciler to account for.
func (e *Executor) run(ctx context.Context, job types.Job, run types.BackupRun, runLog *logging.RunLogger) (types.BackupRun, error) {
	var limiter *rate.Limiter
	if job.BandwidthLimitKB > 0 {
		bps := float64(job.BandwidthLimitKB) * 1024
		limiter = rate.NewLimiter(rate.Limit(bps), 256*1024)
	}

	startedAt := time.Now().UTC()
	snapshotID := SnapshotID(job.ID, startedAt)
	// Runs inside the same second would mint the same id.
	for {
		if _, err := e.db.GetSnapshot(snapshotID); err != nil {
			break
		}
		startedAt = startedAt.Add(time.Second)
		snapshotID = SnapshotID(job.ID, startedAt)
	}
	manifest := &Manifest{
		SnapshotID: snapshotID,
		JobID:      job.ID,
		CreatedAt:  startedAt,
		Encrypted:  job.Encrypt,
		Files:      make(map[string]FileEntry),
	}

	if job.Type == types.JobTypeHost {
		if err := e.runHost(ctx, job, &run, manifest, limiter, runLog); err != nil {
			return run, err
		}
	} else {
		files, err := ScanSource(job.SourcePaths, job.ExcludePatterns)
		if err != nil {
			return run, err
		}
		run.FilesScanned = int64(len(files))
		if runLog != nil {
			runLog.Writef("info", "scanned %d files under %s",
				len(files), strings.Join(job.SourcePaths, ", "))
		}

		if job.Incremental {
			prev, err := e.previousManifest(ctx, job)
			if err != nil {
				return run, err
			}
			if prev != nil {
				manifest.ParentID = prev.SnapshotID
			}
			if err := e.runIncremental(ctx, job, &run, manifest, prev, files, limiter, runLog); err != nil {
				return run, err
			}
		} else {
			if err := e.runFull(ctx, job, &run, manifest, files, limiter, runLog); err != nil {
				return run, err
			}
		}
		manifest.TotalFiles = int64(len(manifest.Files))
		manifest.Finalize()
	}

	manifestKey := ManifestKey(job.BucketPrefix, snapshotID)
	encoded, err := manifest.Encode()
	if err != nil {
		return run, err
	}
	// Manifests always land in STANDARD so they stay readable without
	// a retrieval.
	err = e.putRetry(ctx, manifestKey, func() (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(encoded)), int64(len(encoded)), nil
	}, constants.ClassStandard)
	if err != nil {
		return run, fmt.Errorf("upload manifest: %w", err)
	}

	tx, err := e.db.NewTransaction()
	if err != nil {
		return run, fmt.Errorf("record snapshot: %w", err)
	}
	err = e.db.CreateSnapshot(tx, types.Snapshot{
		ID:           snapshotID,
		JobID:        job.ID,
		RunID:        run.ID,
		CreatedAt:    startedAt,
		ManifestKey:  manifestKey,
		TotalFiles:   manifest.TotalFiles,
		TotalBytes:   manifest.TotalBytes,
		StorageClass: job.StorageClass,
		Incremental:  manifest.ParentID != "",
		ParentID:     manifest.ParentID,
	})
	if err != nil {
		_ = tx.Rollback()
		return run, fmt.Errorf("record snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return run, fmt.Errorf("record snapshot: %w", err)
	}

	run.Status = types.RunSuccess
	run.SnapshotID = snapshotID
	if runLog != nil {
		runLog.Writef("info", "snapshot %s complete: %d uploaded, %d unchanged, %s",
			snapshotID, run.FilesUploaded, run.FilesUnchanged,
			humanize.Bytes(uint64(run.BytesUploaded)))
	}
	return run, nil
}

func (e *Executor) runIncremental(ctx context.Context, job types.Job, run *types.BackupRun, manifest *Manifest, prev *Manifest, files []ScannedFile, limiter *rate.Limiter, runLog *logging.RunLogger) error {
	for i, file := range files {
		// Cancellation is polled per file, never mid-write.
		if err := e.checkCancel(ctx, run.ID); err != nil {
			return err
		}
		if i > 0 && i%progressPersistEvery == 0 {
			if err := e.db.UpdateRunProgress(nil, *run); err != nil {
				logging.L.Error(err).WithJob(job.ID).Write()
			}
		}

		if prev != nil {
			if entry, ok := prev.Files[file.RelPath]; ok && Unchanged(file, entry) {
				manifest.Files[file.RelPath] = FileEntry{
					Size:      file.Size,
					ModTime:   file.ModTime,
					Hash:      entry.Hash,
					ObjectKey: entry.ObjectKey,
				}
				manifest.TotalBytes += file.Size
				run.FilesUnchanged++
				continue
			}
		}

		hash, err := HashFile(file.AbsPath)
		if err != nil {
			// A file the scan included must be readable, or the manifest
			// would silently finalize without it.
			return fmt.Errorf("%s: %w", file.RelPath, ErrSourceUnavailable)
		}
		key := ObjectKeyForHash(job.BucketPrefix, hash)

		uploaded, err := e.uploadFile(ctx, job, limiter, file.AbsPath, key)
		if err != nil {
			return fmt.Errorf("upload %s: %w", file.RelPath, err)
		}

		manifest.Files[file.RelPath] = FileEntry{
			Size:      file.Size,
			ModTime:   file.ModTime,
			Hash:      hash,
			ObjectKey: key,
		}
		manifest.TotalBytes += file.Size
		if uploaded > 0 {
			run.FilesUploaded++
			run.BytesUploaded += uploaded
		} else {
			// Content-addressed key already present from an earlier
			// snapshot.
			run.FilesUnchanged++
		}
	}
	return nil
}

// runFull archives the source trees into one zstd-compressed object.
// Per-file hashes still go into the manifest for integrity checks.
func (e *Executor) runFull(ctx context.Context, job types.Job, run *types.BackupRun, manifest *Manifest, files []ScannedFile, limiter *rate.Limiter, runLog *logging.RunLogger) error {
	if err := e.checkCancel(ctx, run.ID); err != nil {
		return err
	}

	for _, file := range files {
		if err := e.checkCancel(ctx, run.ID); err != nil {
			return err
		}
		hash, err := HashFile(file.AbsPath)
		if err != nil {
			return fmt.Errorf("%s: %w", file.RelPath, ErrSourceUnavailable)
		}
		manifest.Files[file.RelPath] = FileEntry{
			Size:    file.Size,
			ModTime: file.ModTime,
			Hash:    hash,
		}
		manifest.TotalBytes += file.Size
	}

	tmp, err := os.CreateTemp("", "coldvault-archive-*.tar.zst")
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := WriteArchive(tmp, files); err != nil {
		return err
	}

	archiveKey := ArchiveKey(job.BucketPrefix, manifest.SnapshotID)
	uploaded, err := e.uploadFile(ctx, job, limiter, tmp.Name(), archiveKey)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	manifest.ArchiveKey = archiveKey
	run.FilesUploaded = int64(len(manifest.Files))
	run.BytesUploaded = uploaded
	return nil
}

// checkCancel maps a requested cancellation or a dead context onto
// ErrCancelled.
func (e *Executor) checkCancel(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	requested, err := e.db.CancelRequested(runID)
	if err != nil {
		return fmt.Errorf("checkCancel: %w", err)
	}
	if requested {
		return ErrCancelled
	}
	return nil
}

// previousManifest loads the newest snapshot's manifest. No snapshot
// yet means a first full upload and returns nil. An existing snapshot
// whose manifest cannot be read is ErrIntegrity: silently re-uploading
// everything would orphan the whole parent chain.
func (e *Executor) previousManifest(ctx context.Context, job types.Job) (*Manifest, error) {
	snap, err := e.db.LatestSnapshot(job.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("previousManifest: %w", err)
	}
	manifest, err := FetchManifest(ctx, e.store, snap.ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("previousManifest: %s: %w", snap.ManifestKey, ErrIntegrity)
	}
	return manifest, nil
}

// uploadFile pushes one payload to the object store, skipping the
// upload when the key already exists. Returns bytes sent.
func (e *Executor) uploadFile(ctx context.Context, job types.Job, limiter *rate.Limiter, srcPath, key string) (int64, error) {
	if _, err := e.store.Head(ctx, key); err == nil {
		return 0, nil
	} else if !errors.Is(err, objstore.ErrNotFound) {
		return 0, fmt.Errorf("uploadFile: head %s: %w", key, err)
	}

	payloadPath := srcPath
	var cleanup func()
	if job.Encrypt {
		sealed, err := e.encryptToTemp(srcPath, job.EncryptionKey)
		if err != nil {
			return 0, err
		}
		payloadPath = sealed
		cleanup = func() { os.Remove(sealed) }
	}
	if cleanup != nil {
		defer cleanup()
	}

	info, err := os.Stat(payloadPath)
	if err != nil {
		return 0, fmt.Errorf("uploadFile: %w", err)
	}
	size := info.Size()

	err = e.putRetry(ctx, key, func() (io.ReadCloser, int64, error) {
		f, err := os.Open(payloadPath)
		if err != nil {
			return nil, 0, err
		}
		if limiter == nil {
			return f, size, nil
		}
		return &throttledReader{r: f, ctx: ctx, limiter: limiter}, size, nil
	}, job.StorageClass)
	if err != nil {
		return 0, err
	}
	return size, nil
}

// putRetry wraps Store.Put with exponential backoff, reopening the
// body on every attempt.
func (e *Executor) putRetry(ctx context.Context, key string, open func() (io.ReadCloser, int64, error), storageClass string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		body, size, err := open()
		if err != nil {
			return backoff.Permanent(err)
		}
		defer body.Close()
		putErr := e.store.Put(ctx, key, body, size, storageClass)
		if putErr != nil && objstore.IsPermanent(putErr) {
			// Authorization and bad-target failures never heal on retry.
			return backoff.Permanent(putErr)
		}
		return putErr
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (e *Executor) encryptToTemp(srcPath, passphrase string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("encryptToTemp: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "coldvault-sealed-*")
	if err != nil {
		return "", fmt.Errorf("encryptToTemp: %w", err)
	}

	w, err := cipher.Encrypt(tmp, passphrase)
	if err == nil {
		_, err = io.Copy(w, src)
	}
	if err == nil {
		err = w.Close()
	}
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encryptToTemp: %w", err)
	}
	return tmp.Name(), nil
}

// throttledReader paces reads through the job's bandwidth limiter.
type throttledReader struct {
	r       io.ReadCloser
	ctx     context.Context
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.limiter.Burst() {
		p = p[:t.limiter.Burst()]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if wErr := t.limiter.WaitN(t.ctx, n); wErr != nil {
			return n, wErr
		}
	}
	return n, err
}

func (t *throttledReader) Close() error { return t.r.Close() }

// Package reconcile audits the object store against the manifest view
// and optionally repairs what it can. The metadata store is treated as
// authoritative for intent, the object store for bytes present; the
// reconciler makes the two agree and never guesses silently.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coldvault/coldvault/internal/backend/backup"
	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

// Locker is the slice of the run manager the reconciler needs: the
// per-job admission lock, so a pass never interleaves with a running
// backup of the same job.
type Locker interface {
	LockJob(jobID string) (func(), error)
}

type Reconciler struct {
	db    *sqlite.Database
	store objstore.Store
	locks Locker
}

// New builds a reconciler. locks may be nil when the caller already
// guarantees the job is idle.
func New(db *sqlite.Database, store objstore.Store, locks Locker) *Reconciler {
	return &Reconciler{db: db, store: store, locks: locks}
}

// Reconcile diffs the manifest view of a job against what actually
// lives under its prefix. Dry-run is read-only. With apply set, each
// issue gets one corrective action, best-effort per issue: orphaned
// manifests are adopted back as snapshot records, orphaned payloads
// deleted, snapshots with missing objects dropped, misplaced manifests
// re-uploaded to the immediate-access class.
//
// Orphans also cover objects uploaded by runs that were cancelled
// before their manifest was written; this is where that space gets
// reclaimed.
func (r *Reconciler) Reconcile(ctx context.Context, job types.Job, apply bool) (types.ReconcileReport, error) {
	report := types.ReconcileReport{
		JobID:     job.ID,
		StartedAt: time.Now().UTC(),
		DryRun:    !apply,
	}

	if r.locks != nil {
		release, err := r.locks.LockJob(job.ID)
		if err != nil {
			return report, fmt.Errorf("Reconcile: %w", err)
		}
		defer release()
	}

	objects, err := r.store.List(ctx, job.BucketPrefix)
	if err != nil {
		return report, fmt.Errorf("Reconcile: list %s: %w", job.BucketPrefix, err)
	}
	present := make(map[string]objstore.ObjectInfo, len(objects))
	for _, obj := range objects {
		present[obj.Key] = obj
	}
	report.Checked = len(objects)

	snapshots, err := r.db.ListSnapshots(job.ID)
	if err != nil {
		return report, fmt.Errorf("Reconcile: %w", err)
	}

	referenced := make(map[string]struct{})
	for _, snap := range snapshots {
		referenced[snap.ManifestKey] = struct{}{}

		obj, ok := present[snap.ManifestKey]
		if !ok {
			report.Issues = append(report.Issues, types.SyncIssue{
				Kind:       types.IssueMissing,
				Severity:   types.SeverityCritical,
				SnapshotID: snap.ID,
				ObjectKey:  snap.ManifestKey,
				Detail:     "manifest object absent",
			})
			continue
		}
		if obj.StorageClass != constants.ClassStandard {
			report.Issues = append(report.Issues, types.SyncIssue{
				Kind:       types.IssueMisplacedManifest,
				Severity:   types.SeverityWarning,
				SnapshotID: snap.ID,
				ObjectKey:  snap.ManifestKey,
				Detail:     fmt.Sprintf("manifest stored as %s", obj.StorageClass),
			})
		}

		manifest, err := backup.FetchManifest(ctx, r.store, snap.ManifestKey)
		if err != nil {
			report.Issues = append(report.Issues, types.SyncIssue{
				Kind:       types.IssueMismatched,
				Severity:   types.SeverityWarning,
				SnapshotID: snap.ID,
				ObjectKey:  snap.ManifestKey,
				Detail:     fmt.Sprintf("manifest unreadable: %v", err),
			})
			continue
		}

		r.checkManifest(snap, manifest, present, referenced, &report)
	}

	// Anything under the prefix no manifest claims is an orphan.
	orphanKeys := make([]string, 0)
	for key := range present {
		if _, ok := referenced[key]; !ok {
			orphanKeys = append(orphanKeys, key)
		}
	}
	sort.Strings(orphanKeys)
	for _, key := range orphanKeys {
		report.Issues = append(report.Issues, types.SyncIssue{
			Kind:      types.IssueOrphaned,
			Severity:  types.SeverityCritical,
			ObjectKey: key,
		})
	}

	if apply {
		r.apply(ctx, job, &report)
	}

	report.FinishedAt = time.Now().UTC()
	logging.L.Info().
		WithMessage("reconcile pass complete").
		WithJob(job.ID).
		WithField("checked", report.Checked).
		WithField("issues", len(report.Issues)).
		WithField("dry_run", report.DryRun).
		Write()
	return report, nil
}

func (r *Reconciler) checkManifest(snap types.Snapshot, manifest *backup.Manifest, present map[string]objstore.ObjectInfo, referenced map[string]struct{}, report *types.ReconcileReport) {
	check := func(key string, plainSize int64, sizeKnown bool) {
		referenced[key] = struct{}{}
		obj, ok := present[key]
		if !ok {
			report.Issues = append(report.Issues, types.SyncIssue{
				Kind:       types.IssueMissing,
				Severity:   types.SeverityCritical,
				SnapshotID: snap.ID,
				ObjectKey:  key,
				Detail:     "referenced by manifest, absent in store",
			})
			return
		}
		// Encrypted payload sizes differ from plaintext, so size only
		// proves anything for cleartext jobs.
		if sizeKnown && !manifest.Encrypted && obj.Size != plainSize {
			report.Issues = append(report.Issues, types.SyncIssue{
				Kind:       types.IssueMismatched,
				Severity:   types.SeverityWarning,
				SnapshotID: snap.ID,
				ObjectKey:  key,
				Detail: fmt.Sprintf("size %d in store, %d in manifest",
					obj.Size, plainSize),
			})
		}
	}

	for _, entry := range manifest.Files {
		if entry.ObjectKey == "" {
			continue
		}
		check(entry.ObjectKey, entry.Size, true)
	}
	if manifest.ArchiveKey != "" {
		check(manifest.ArchiveKey, 0, false)
	}
}

// apply performs one corrective action per issue. Orphaned manifests
// are adopted first so their payloads stop counting as orphans before
// any deletion happens.
func (r *Reconciler) apply(ctx context.Context, job types.Job, report *types.ReconcileReport) {
	manifestPrefix := job.BucketPrefix + "manifests/"
	adopted := make(map[string]struct{})

	for i := range report.Issues {
		issue := &report.Issues[i]
		if issue.Kind != types.IssueOrphaned ||
			!strings.HasPrefix(issue.ObjectKey, manifestPrefix) {
			continue
		}
		manifest, err := backup.FetchManifest(ctx, r.store, issue.ObjectKey)
		if err != nil {
			// Not a recoverable manifest; falls through to deletion.
			continue
		}
		if aErr := r.adopt(job, issue.ObjectKey, manifest); aErr != nil {
			logging.L.Error(aErr).WithJob(job.ID).
				WithField("key", issue.ObjectKey).Write()
			report.Failed++
			issue.Detail = "adoption failed"
			continue
		}
		issue.Detail = "adopted as snapshot " + manifest.SnapshotID
		report.Applied++
		adopted[issue.ObjectKey] = struct{}{}
		for _, entry := range manifest.Files {
			if entry.ObjectKey != "" {
				adopted[entry.ObjectKey] = struct{}{}
			}
		}
		if manifest.ArchiveKey != "" {
			adopted[manifest.ArchiveKey] = struct{}{}
		}
	}

	droppedSnapshots := make(map[string]struct{})
	for i := range report.Issues {
		issue := &report.Issues[i]
		switch issue.Kind {
		case types.IssueOrphaned:
			if _, ok := adopted[issue.ObjectKey]; ok {
				break
			}
			if err := r.store.Delete(ctx, issue.ObjectKey); err != nil {
				logging.L.Error(err).WithJob(job.ID).
					WithField("key", issue.ObjectKey).Write()
				report.Failed++
				continue
			}
			issue.Detail = "deleted"
			report.Applied++

		case types.IssueMissing:
			// A snapshot that cannot be fully restored is dropped from
			// the metadata store rather than left lying.
			if _, done := droppedSnapshots[issue.SnapshotID]; done {
				break
			}
			if err := r.db.DeleteSnapshot(nil, issue.SnapshotID); err != nil {
				logging.L.Error(err).WithJob(job.ID).
					WithField("snapshot_id", issue.SnapshotID).Write()
				report.Failed++
				continue
			}
			droppedSnapshots[issue.SnapshotID] = struct{}{}
			issue.Detail = "snapshot record deleted"
			report.Applied++

		case types.IssueMisplacedManifest:
			if err := r.replaceManifest(ctx, issue.ObjectKey); err != nil {
				logging.L.Error(err).WithJob(job.ID).
					WithField("key", issue.ObjectKey).Write()
				report.Failed++
				continue
			}
			issue.Detail = "re-uploaded to " + constants.ClassStandard
			report.Applied++

		case types.IssueMismatched:
			if issue.Detail != "" {
				issue.Detail += "; "
			}
			issue.Detail += "not auto-repairable, run a backup"
			report.Failed++
		}
	}
}

// adopt synthesizes a snapshot record from an unclaimed manifest.
func (r *Reconciler) adopt(job types.Job, key string, manifest *backup.Manifest) error {
	return r.db.CreateSnapshot(nil, types.Snapshot{
		ID:           manifest.SnapshotID,
		JobID:        job.ID,
		RunID:        "",
		CreatedAt:    manifest.CreatedAt,
		ManifestKey:  key,
		TotalFiles:   manifest.TotalFiles,
		TotalBytes:   manifest.TotalBytes,
		StorageClass: job.StorageClass,
		Incremental:  manifest.ParentID != "",
		ParentID:     manifest.ParentID,
	})
}

// replaceManifest rewrites a manifest object under the same key in the
// immediate-access class.
func (r *Reconciler) replaceManifest(ctx context.Context, key string) error {
	body, err := r.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("replaceManifest: %w", err)
	}
	defer body.Close()

	info, err := r.store.Head(ctx, key)
	if err != nil {
		return fmt.Errorf("replaceManifest: %w", err)
	}
	if err := r.store.Put(ctx, key, body, info.Size, constants.ClassStandard); err != nil {
		return fmt.Errorf("replaceManifest: %w", err)
	}
	return nil
}

// ReconcileAll runs a pass over every job, continuing past per-job
// failures.
func (r *Reconciler) ReconcileAll(ctx context.Context, apply bool) ([]types.ReconcileReport, error) {
	jobs, err := r.db.GetAllJobs()
	if err != nil {
		return nil, fmt.Errorf("ReconcileAll: %w", err)
	}

	var reports []types.ReconcileReport
	var firstErr error
	for _, job := range jobs {
		report, err := r.Reconcile(ctx, job, apply)
		if err != nil {
			logging.L.Error(err).WithJob(job.ID).Write()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reports = append(reports, report)
	}
	if firstErr != nil && len(reports) == 0 {
		return nil, firstErr
	}
	return reports, nil
}

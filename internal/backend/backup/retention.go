package backup

import (
	"context"
	"fmt"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

// PruneResult summarizes one retention pass for a job.
type PruneResult struct {
	SnapshotsPruned int      `json:"snapshots_pruned"`
	ObjectsDeleted  int      `json:"objects_deleted"`
	BytesFreed      int64    `json:"bytes_freed"`
	PrunedIDs       []string `json:"pruned_ids,omitempty"`
}

// selectPrunable picks the snapshots the policy no longer covers.
// snaps must be ordered newest first. The newest snapshot, pinned
// snapshots, and any ancestor of a surviving snapshot are never
// selected.
func selectPrunable(snaps []types.Snapshot, policy types.Retention) []types.Snapshot {
	if len(snaps) < 2 {
		return nil
	}

	keep := make(map[string]bool, len(snaps))
	keep[snaps[0].ID] = true
	for _, snap := range snaps {
		if snap.Retained {
			keep[snap.ID] = true
		}
	}

	if policy.GFS() {
		markGFS(snaps, policy, keep)
	} else {
		unpinned := 0
		for _, snap := range snaps {
			if snap.Retained {
				continue
			}
			unpinned++
			if unpinned <= policy.KeepLast {
				keep[snap.ID] = true
			}
		}
	}

	// A kept incremental snapshot needs its whole parent chain.
	byID := make(map[string]types.Snapshot, len(snaps))
	for _, snap := range snaps {
		byID[snap.ID] = snap
	}
	for changed := true; changed; {
		changed = false
		for id := range keep {
			parent := byID[id].ParentID
			if parent != "" && !keep[parent] {
				if _, known := byID[parent]; known {
					keep[parent] = true
					changed = true
				}
			}
		}
	}

	var prunable []types.Snapshot
	for _, snap := range snaps {
		if !keep[snap.ID] {
			prunable = append(prunable, snap)
		}
	}
	return prunable
}

// markGFS keeps the newest snapshot of each of the last Daily days,
// Weekly ISO weeks, and Monthly months.
func markGFS(snaps []types.Snapshot, policy types.Retention, keep map[string]bool) {
	days := make(map[string]bool)
	weeks := make(map[string]bool)
	months := make(map[string]bool)

	for _, snap := range snaps {
		created := snap.CreatedAt.UTC()

		day := created.Format("2006-01-02")
		if !days[day] && len(days) < policy.Daily {
			days[day] = true
			keep[snap.ID] = true
		}

		year, week := created.ISOWeek()
		wk := fmt.Sprintf("%d-%02d", year, week)
		if !weeks[wk] && len(weeks) < policy.Weekly {
			weeks[wk] = true
			keep[snap.ID] = true
		}

		month := created.Format("2006-01")
		if !months[month] && len(months) < policy.Monthly {
			months[month] = true
			keep[snap.ID] = true
		}
	}
}

// Prune removes snapshots beyond the job's retention policy. The
// selection is computed as a complete preview first; only then does
// anything get deleted. Content objects are deleted only once no
// surviving manifest references them.
func Prune(ctx context.Context, db *sqlite.Database, store objstore.Store, job types.Job) (PruneResult, error) {
	var result PruneResult

	snaps, err := db.ListSnapshots(job.ID)
	if err != nil {
		return result, fmt.Errorf("Prune: %w", err)
	}

	prune := selectPrunable(snaps, job.Retention)
	if len(prune) == 0 {
		return result, nil
	}
	pruned := make(map[string]bool, len(prune))
	for _, snap := range prune {
		pruned[snap.ID] = true
	}

	// Keys referenced by any surviving snapshot must stay.
	referenced := make(map[string]struct{})
	for _, snap := range snaps {
		if pruned[snap.ID] {
			continue
		}
		manifest, err := FetchManifest(ctx, store, snap.ManifestKey)
		if err != nil {
			// A surviving manifest we cannot read means we cannot
			// prove any object is unreferenced. Bail out.
			return result, fmt.Errorf("Prune: read manifest %s: %w", snap.ManifestKey, err)
		}
		for _, entry := range manifest.Files {
			if entry.ObjectKey != "" {
				referenced[entry.ObjectKey] = struct{}{}
			}
		}
		if manifest.ArchiveKey != "" {
			referenced[manifest.ArchiveKey] = struct{}{}
		}
	}

	for _, snap := range prune {
		manifest, err := FetchManifest(ctx, store, snap.ManifestKey)
		if err != nil {
			logging.L.Warn().
				WithMessage("pruned snapshot manifest unreadable, dropping record only").
				WithJob(job.ID).
				WithField("snapshot_id", snap.ID).
				Write()
		}

		if manifest != nil {
			deadKeys := make(map[string]int64)
			for _, entry := range manifest.Files {
				if entry.ObjectKey == "" {
					continue
				}
				if _, ok := referenced[entry.ObjectKey]; !ok {
					deadKeys[entry.ObjectKey] = entry.Size
				}
			}
			if manifest.ArchiveKey != "" {
				if _, ok := referenced[manifest.ArchiveKey]; !ok {
					deadKeys[manifest.ArchiveKey] = 0
				}
			}
			for key, size := range deadKeys {
				if err := store.Delete(ctx, key); err != nil {
					logging.L.Error(err).WithJob(job.ID).WithField("key", key).Write()
					continue
				}
				// Other pruned manifests may share this key.
				referenced[key] = struct{}{}
				result.ObjectsDeleted++
				result.BytesFreed += size
			}
		}

		if err := store.Delete(ctx, snap.ManifestKey); err != nil {
			logging.L.Error(err).WithJob(job.ID).WithField("key", snap.ManifestKey).Write()
		}
		if err := db.DeleteSnapshot(nil, snap.ID); err != nil {
			return result, fmt.Errorf("Prune: delete snapshot %s: %w", snap.ID, err)
		}
		result.SnapshotsPruned++
		result.PrunedIDs = append(result.PrunedIDs, snap.ID)
	}

	if result.SnapshotsPruned > 0 {
		logging.L.Info().
			WithMessage("retention prune complete").
			WithJob(job.ID).
			WithField("pruned", result.SnapshotsPruned).
			WithField("objects_deleted", result.ObjectsDeleted).
			Write()
	}
	return result, nil
}

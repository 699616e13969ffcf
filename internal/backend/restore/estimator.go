package restore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coldvault/coldvault/internal/backend/backup"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/constants"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

// statusSampleLimit caps how many objects a single estimate will HEAD.
// A snapshot's objects thaw together, so a sample is representative.
const statusSampleLimit = 25

type Estimator struct {
	db    *sqlite.Database
	store objstore.Store
}

func NewEstimator(db *sqlite.Database, store objstore.Store) *Estimator {
	return &Estimator{db: db, store: store}
}

// Estimate prices a snapshot restore and reports how long the data
// would take to become readable, without issuing any retrieval. A
// non-empty subset narrows the estimate to manifest entries under the
// given paths.
func (e *Estimator) Estimate(ctx context.Context, snapshotID string, subset []string) (types.RestoreEstimate, error) {
	snap, err := e.db.GetSnapshot(snapshotID)
	if err != nil {
		return types.RestoreEstimate{}, err
	}

	manifest, err := backup.FetchManifest(ctx, e.store, snap.ManifestKey)
	if err != nil {
		return types.RestoreEstimate{}, fmt.Errorf("Estimate: %w", err)
	}

	bytes, files := snap.TotalBytes, snap.TotalFiles
	if len(subset) > 0 {
		bytes, files = 0, 0
		for path, entry := range manifest.Files {
			if subsetMatch(subset, path) {
				bytes += entry.Size
				files++
			}
		}
	}

	gb := float64(bytes) / float64(constants.GiB)
	estimate := types.RestoreEstimate{
		SnapshotID:    snap.ID,
		TotalFiles:    files,
		TotalBytes:    bytes,
		StorageClass:  snap.StorageClass,
		RetrievalCost: round(gb * constants.RetrievalFeePerGB[snap.StorageClass]),
		TransferCost:  round(gb * constants.TransferFeePerGB),
	}
	estimate.TotalCost = round(estimate.RetrievalCost + estimate.TransferCost)

	state, err := e.snapshotState(ctx, snap, manifest, subset)
	if err != nil {
		return types.RestoreEstimate{}, err
	}
	estimate.State = state
	if state != types.RetrievalReady {
		estimate.NeedsRetrieval = true
		estimate.WaitEstimate = remainingWait(snap, state)
		estimate.WaitHours = estimate.WaitEstimate.Hours()
	}
	return estimate, nil
}

// remainingWait is the storage class SLA, counted down from when the
// retrieval was initiated and floored at zero.
func remainingWait(snap types.Snapshot, state types.RetrievalState) time.Duration {
	sla := constants.RetrievalSLA[snap.StorageClass]
	if state != types.RetrievalInProgress || snap.RetrievalRequestedAt == nil {
		return sla
	}
	remaining := sla - time.Since(*snap.RetrievalRequestedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// snapshotState folds per-object retrieval states into one answer:
// any object never requested wins over in-progress, which wins over
// ready.
func (e *Estimator) snapshotState(ctx context.Context, snap types.Snapshot, manifest *backup.Manifest, subset []string) (types.RetrievalState, error) {
	switch snap.StorageClass {
	case constants.ClassStandard, constants.ClassGlacierIR:
		return types.RetrievalReady, nil
	}

	keys := payloadKeys(manifest, subset)
	if len(keys) > statusSampleLimit {
		keys = keys[:statusSampleLimit]
	}

	state := types.RetrievalReady
	for _, key := range keys {
		objState, err := e.store.RestoreStatus(ctx, key)
		if err != nil {
			return "", fmt.Errorf("snapshotState: %s: %w", key, err)
		}
		switch objState {
		case objstore.RestoreNotRequested:
			return types.RetrievalNotStarted, nil
		case objstore.RestoreInProgress:
			state = types.RetrievalInProgress
		}
	}
	return state, nil
}

// payloadKeys lists the objects a restore of the manifest would read,
// narrowed by subset when one is given. Archive snapshots always need
// the whole archive.
func payloadKeys(manifest *backup.Manifest, subset []string) []string {
	if manifest.ArchiveKey != "" {
		return []string{manifest.ArchiveKey}
	}
	seen := make(map[string]struct{}, len(manifest.Files))
	keys := make([]string, 0, len(manifest.Files))
	for path, entry := range manifest.Files {
		if entry.ObjectKey == "" {
			continue
		}
		if len(subset) > 0 && !subsetMatch(subset, path) {
			continue
		}
		if _, ok := seen[entry.ObjectKey]; ok {
			continue
		}
		seen[entry.ObjectKey] = struct{}{}
		keys = append(keys, entry.ObjectKey)
	}
	return keys
}

// subsetMatch reports whether path equals, or lives under, any of the
// requested paths.
func subsetMatch(subset []string, path string) bool {
	for _, want := range subset {
		want = strings.Trim(want, "/")
		if path == want || strings.HasPrefix(path, want+"/") {
			return true
		}
	}
	return false
}

func round(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

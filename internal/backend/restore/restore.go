// Package restore pulls snapshots back out of the object store.
package restore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/coldvault/coldvault/internal/backend/backup"
	"github.com/coldvault/coldvault/internal/cipher"
	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

var (
	// ErrRetrievalPending means cold objects are not readable yet; ask
	// again after the class SLA.
	ErrRetrievalPending = errors.New("snapshot objects are still being retrieved")

	ErrIntegrity = errors.New("restored file failed integrity check")
)

type Restorer struct {
	db    *sqlite.Database
	store objstore.Store
}

func NewRestorer(db *sqlite.Database, store objstore.Store) *Restorer {
	return &Restorer{db: db, store: store}
}

// RequestRetrieval starts thawing every payload object of a snapshot.
// Idempotent: re-requesting in-flight objects is a no-op. The request
// time is recorded so estimates can count the wait down.
func (r *Restorer) RequestRetrieval(ctx context.Context, snapshotID string, days int) error {
	snap, err := r.db.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	manifest, err := backup.FetchManifest(ctx, r.store, snap.ManifestKey)
	if err != nil {
		return fmt.Errorf("RequestRetrieval: %w", err)
	}

	keys := payloadKeys(manifest, nil)
	requested := 0
	for _, key := range keys {
		state, err := r.store.RestoreStatus(ctx, key)
		if err != nil {
			return fmt.Errorf("RequestRetrieval: %s: %w", key, err)
		}
		if state != objstore.RestoreNotRequested {
			continue
		}
		if err := r.store.RequestRestore(ctx, key, days); err != nil {
			return fmt.Errorf("RequestRetrieval: %s: %w", key, err)
		}
		requested++
	}

	if requested > 0 {
		if err := r.db.MarkRetrievalRequested(nil, snap.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("RequestRetrieval: %w", err)
		}
	}

	logging.L.Info().
		WithMessage("retrieval requested").
		WithJob(snap.JobID).
		WithField("snapshot_id", snap.ID).
		WithField("objects", len(keys)).
		Write()
	return nil
}

// Restore materializes a snapshot into targetDir. The passphrase is
// required for encrypted snapshots and ignored otherwise. A non-empty
// subset restores only entries under the given paths. Cold objects
// that have not finished thawing yield ErrRetrievalPending.
func (r *Restorer) Restore(ctx context.Context, snapshotID, targetDir, passphrase string, subset []string) error {
	snap, err := r.db.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	manifest, err := backup.FetchManifest(ctx, r.store, snap.ManifestKey)
	if err != nil {
		return fmt.Errorf("Restore: %w", err)
	}
	if manifest.Encrypted && passphrase == "" {
		return fmt.Errorf("Restore: snapshot %s is encrypted: %w",
			snapshotID, cipher.ErrEmptyPassphrase)
	}

	for _, key := range payloadKeys(manifest, subset) {
		state, err := r.store.RestoreStatus(ctx, key)
		if err != nil {
			return fmt.Errorf("Restore: %s: %w", key, err)
		}
		if state != objstore.RestoreReady {
			return fmt.Errorf("Restore: %s: %w", key, ErrRetrievalPending)
		}
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("Restore: %w", err)
	}

	if manifest.ArchiveKey != "" {
		if len(manifest.Files) == 0 {
			// A host tool archive is opaque; hand it over as-is.
			return r.restoreRaw(ctx, manifest, targetDir, passphrase)
		}
		return r.restoreArchive(ctx, manifest, targetDir, passphrase, subset)
	}
	return r.restoreFiles(ctx, manifest, targetDir, passphrase, subset)
}

// restoreRaw downloads an opaque archive next to a name derived from
// the snapshot id, verifying the manifest checksum. The checksum is
// taken over the plaintext, so sealed archives are unsealed first.
func (r *Restorer) restoreRaw(ctx context.Context, manifest *backup.Manifest, targetDir, passphrase string) error {
	body, err := r.store.Get(ctx, manifest.ArchiveKey)
	if err != nil {
		return fmt.Errorf("restoreRaw: %w", err)
	}
	defer body.Close()

	var payload io.Reader = body
	if manifest.Encrypted {
		payload, err = cipher.Decrypt(body, passphrase)
		if err != nil {
			return fmt.Errorf("restoreRaw: %w", err)
		}
	}

	dest := filepath.Join(targetDir, manifest.SnapshotID+filepath.Ext(manifest.ArchiveKey))
	if err := writeVerified(dest, payload, manifest.Checksum); err != nil {
		return fmt.Errorf("restoreRaw: %w", err)
	}

	logging.L.Info().
		WithMessage("host archive restored").
		WithJob(manifest.JobID).
		WithField("snapshot_id", manifest.SnapshotID).
		WithField("path", dest).
		Write()
	return nil
}

func (r *Restorer) restoreFiles(ctx context.Context, manifest *backup.Manifest, targetDir, passphrase string, subset []string) error {
	restored := 0
	for rel, entry := range manifest.Files {
		if len(subset) > 0 && !subsetMatch(subset, rel) {
			continue
		}
		dest, err := securePath(targetDir, rel)
		if err != nil {
			return fmt.Errorf("restoreFiles: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("restoreFiles: %w", err)
		}

		body, err := r.store.Get(ctx, entry.ObjectKey)
		if err != nil {
			return fmt.Errorf("restoreFiles: %s: %w", rel, err)
		}

		var payload io.Reader = body
		if manifest.Encrypted {
			payload, err = cipher.Decrypt(body, passphrase)
			if err != nil {
				body.Close()
				return fmt.Errorf("restoreFiles: %s: %w", rel, err)
			}
		}

		err = writeVerified(dest, payload, entry.Hash)
		body.Close()
		if err != nil {
			return fmt.Errorf("restoreFiles: %s: %w", rel, err)
		}
		restored++
	}

	logging.L.Info().
		WithMessage("restore complete").
		WithJob(manifest.JobID).
		WithField("snapshot_id", manifest.SnapshotID).
		WithField("files", restored).
		Write()
	return nil
}

func (r *Restorer) restoreArchive(ctx context.Context, manifest *backup.Manifest, targetDir, passphrase string, subset []string) error {
	body, err := r.store.Get(ctx, manifest.ArchiveKey)
	if err != nil {
		return fmt.Errorf("restoreArchive: %w", err)
	}
	defer body.Close()

	var payload io.Reader = body
	if manifest.Encrypted {
		payload, err = cipher.Decrypt(body, passphrase)
		if err != nil {
			return fmt.Errorf("restoreArchive: %w", err)
		}
	}

	zr, err := zstd.NewReader(payload)
	if err != nil {
		return fmt.Errorf("restoreArchive: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("restoreArchive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if len(subset) > 0 && !subsetMatch(subset, hdr.Name) {
			continue
		}

		dest, err := securePath(targetDir, hdr.Name)
		if err != nil {
			return fmt.Errorf("restoreArchive: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("restoreArchive: %w", err)
		}

		expected := ""
		if entry, ok := manifest.Files[hdr.Name]; ok {
			expected = entry.Hash
		}
		if err := writeVerified(dest, tr, expected); err != nil {
			return fmt.Errorf("restoreArchive: %s: %w", hdr.Name, err)
		}
	}

	logging.L.Info().
		WithMessage("archive restore complete").
		WithJob(manifest.JobID).
		WithField("snapshot_id", manifest.SnapshotID).
		Write()
	return nil
}

// writeVerified writes src to dest, checking the xxh3 digest when one
// is expected.
func writeVerified(dest string, src io.Reader, expectedHash string) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	hasher := xxh3.New()
	_, err = io.Copy(io.MultiWriter(f, hasher), src)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		return err
	}

	if expectedHash != "" {
		sum := hasher.Sum128().Bytes()
		if fmt.Sprintf("%x", sum) != expectedHash {
			return ErrIntegrity
		}
	}
	return nil
}

// securePath joins rel under base, refusing traversal outside it.
func securePath(base, rel string) (string, error) {
	if strings.Contains(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	dest := filepath.Join(base, filepath.FromSlash(rel))
	if !strings.HasPrefix(dest, filepath.Clean(base)+string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	return dest, nil
}

// Estimate is a convenience passthrough so callers holding a Restorer
// do not need a second type for pricing.
func (r *Restorer) Estimate(ctx context.Context, snapshotID string, subset []string) (types.RestoreEstimate, error) {
	return NewEstimator(r.db, r.store).Estimate(ctx, snapshotID, subset)
}

package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/coldvault/coldvault/internal/objstore"
)

// FileEntry describes one file inside a snapshot manifest. ObjectKey
// is content-addressed, so unchanged files across snapshots share it.
type FileEntry struct {
	Size      int64  `json:"size"`
	ModTime   int64  `json:"mtime"`
	Hash      string `json:"hash"`
	ObjectKey string `json:"object_key"`
}

// Manifest is the JSON document uploaded alongside every snapshot. It
// is always stored in the STANDARD class so incremental planning and
// reconciling never wait on a retrieval.
type Manifest struct {
	SnapshotID string               `json:"snapshot_id"`
	JobID      string               `json:"job_id"`
	CreatedAt  time.Time            `json:"created_at"`
	ParentID   string               `json:"parent_id,omitempty"`
	TotalFiles int64                `json:"total_files"`
	TotalBytes int64                `json:"total_bytes"`
	Encrypted  bool                 `json:"encrypted"`
	Checksum   string               `json:"checksum"`
	ArchiveKey string               `json:"archive_key,omitempty"`
	Files      map[string]FileEntry `json:"files"`
}

// Finalize computes the manifest checksum, a hash over every entry
// hash in path order. Called only after all included files were read.
func (m *Manifest) Finalize() {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	hasher := xxh3.New()
	for _, p := range paths {
		_, _ = hasher.WriteString(p)
		_, _ = hasher.WriteString(m.Files[p].Hash)
	}
	m.Checksum = fmt.Sprintf("%x", hasher.Sum128().Bytes())
}

// SnapshotID derives the canonical snapshot id for a job at a point
// in time.
func SnapshotID(jobID string, at time.Time) string {
	return fmt.Sprintf("%s_%s", jobID, at.UTC().Format("20060102_150405"))
}

// ManifestKey is the object key a snapshot's manifest lives under.
func ManifestKey(bucketPrefix, snapshotID string) string {
	return bucketPrefix + "manifests/" + snapshotID + ".json"
}

// ObjectKeyForHash places file payloads under a content-addressed key
// inside the job's prefix.
func ObjectKeyForHash(bucketPrefix, hash string) string {
	return bucketPrefix + "objects/" + hash[:2] + "/" + hash
}

// ArchiveKey is where a full-mode snapshot's archive lives.
func ArchiveKey(bucketPrefix, snapshotID string) string {
	return bucketPrefix + "archives/" + snapshotID + ".tar.zst"
}

// HostArchiveKey is where a host job's opaque archive lives. The tool
// owns the format, so the key claims none.
func HostArchiveKey(bucketPrefix, snapshotID string) string {
	return bucketPrefix + "archives/" + snapshotID + ".img"
}

func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}
	return data, nil
}

func DecodeManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("DecodeManifest: %w", err)
	}
	return &m, nil
}

// FetchManifest downloads and decodes a manifest by key.
func FetchManifest(ctx context.Context, store objstore.Store, key string) (*Manifest, error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("FetchManifest: %s: %w", key, err)
	}
	defer body.Close()
	return DecodeManifest(body)
}

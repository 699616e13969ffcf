// Package objstore abstracts the backing object store. The production
// implementation targets S3-compatible endpoints; a memory-backed one
// exists for tests.
package objstore

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("objstore: object not found")

// ErrPermanent marks failures that no retry can heal, like a denied
// credential or a nonexistent bucket.
var ErrPermanent = errors.New("objstore: permanent error")

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	StorageClass string
	ETag         string
}

// RestoreState mirrors the three observable phases of a cold-class
// retrieval.
type RestoreState string

const (
	RestoreReady        RestoreState = "ready"
	RestoreInProgress   RestoreState = "in_progress"
	RestoreNotRequested RestoreState = "not_requested"
)

type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, storageClass string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error

	// List returns every object under prefix. Pagination is handled
	// internally.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// RequestRestore begins a cold-class retrieval keeping the thawed
	// copy around for days.
	RequestRestore(ctx context.Context, key string, days int) error

	// RestoreStatus inspects the retrieval state of a single object.
	RestoreStatus(ctx context.Context, key string) (RestoreState, error)
}

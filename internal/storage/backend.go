// Package storage defines the Backend interface for object storage.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrPresignUnsupported is returned by backends that cannot mint presigned
// URLs (e.g. local filesystem).
var ErrPresignUnsupported = errors.New("presigned downloads not supported by this backend")

// Backend is the interface for object storage backends.
//
// Implementations handle raw blob I/O keyed by opaque identifiers; they are
// deliberately not transactional with the metadata store. Ordering and
// compensation rules live in the lifecycle engine, which relies on two
// properties here: a successful Put is visible to subsequent Gets, and
// Delete of an absent key is not an error (safe cleanup retry).
type Backend interface {
	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned. The second
	// return value is the byte count of the returned stream.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// DeleteObject removes an object by key. Idempotent.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// PresignDownload returns a time-limited URL for direct client
	// download, or ErrPresignUnsupported.
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)

	// HealthCheck verifies the backend is reachable. Fails fast; used by
	// the readiness probe.
	HealthCheck(ctx context.Context) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

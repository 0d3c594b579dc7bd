// Package local provides a local filesystem storage backend, mainly for
// single-node deployments and development.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cumulusfs/cumulus/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath string
}

// New creates a new local filesystem backend, creating the root directory
// if it does not exist.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
		if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{rootPath: cfg.RootPath}, nil
}

// Storage keys are opaque identifiers, not client paths, so the two-level
// fan-out below only spreads directory entries; it never encodes hierarchy.
func (b *Backend) fullPath(key string) string {
	if len(key) > 2 {
		return filepath.Join(b.rootPath, key[:2], key)
	}
	return filepath.Join(b.rootPath, key)
}

// PutObject writes content atomically via a temp file and rename.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	path := b.fullPath(key)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".cumulus-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// GetObject reads a file with range support.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	totalSize := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	remaining := totalSize - offset
	if remaining < 0 {
		remaining = 0
	}
	return f, remaining, nil
}

// DeleteObject removes a file. Deleting an absent key succeeds.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	if err := os.Remove(b.fullPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// CopyObject copies a file from srcKey to dstKey.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	src, _, err := b.GetObject(ctx, srcKey, 0, 0)
	if err != nil {
		return err
	}
	defer src.Close()
	return b.PutObject(ctx, dstKey, src, -1, "")
}

// ObjectExists checks if a file exists at the given key.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// PresignDownload is unsupported for local storage.
func (b *Backend) PresignDownload(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", storage.ErrPresignUnsupported
}

// HealthCheck verifies the root directory is accessible.
func (b *Backend) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(b.rootPath); err != nil {
		return fmt.Errorf("stat root path: %w", err)
	}
	return nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

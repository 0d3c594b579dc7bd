package storage

import (
	"context"
	"io"
	"time"
)

// WithTimeout wraps a backend so every operation carries a bounded
// deadline, independent of the caller's context. The deadline covers the
// whole operation, content transfer included; size op_timeout for the
// largest object a deployment accepts. d<=0 returns the backend unwrapped.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{inner: b, timeout: d}
}

type timeoutBackend struct {
	inner   Backend
	timeout time.Duration
}

func (t *timeoutBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.PutObject(ctx, key, body, size, contentType)
}

// GetObject hands the stream back to the caller, so the deadline's cancel
// is deferred to the stream's Close instead of this call's return.
func (t *timeoutBackend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	rc, size, err := t.inner.GetObject(ctx, key, offset, length)
	if err != nil {
		cancel()
		return nil, 0, err
	}
	return &cancelOnClose{ReadCloser: rc, cancel: cancel}, size, nil
}

func (t *timeoutBackend) DeleteObject(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.DeleteObject(ctx, key)
}

func (t *timeoutBackend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.CopyObject(ctx, srcKey, dstKey)
}

func (t *timeoutBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.ObjectExists(ctx, key)
}

func (t *timeoutBackend) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.PresignDownload(ctx, key, ttl)
}

func (t *timeoutBackend) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.HealthCheck(ctx)
}

func (t *timeoutBackend) Type() string { return t.inner.Type() }

func (t *timeoutBackend) Close() error { return t.inner.Close() }

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

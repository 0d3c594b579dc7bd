// Package s3 provides an S3/MinIO object storage backend.
package s3

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metrics"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New creates a new S3 backend and verifies the bucket exists, creating it
// if necessary.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	b := &Backend{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}

	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordObjectStoreOp("create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordObjectStoreOp("create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// PutObject uploads content to S3.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := b.client.PutObject(ctx, input)
	if err != nil {
		metrics.RecordObjectStoreOp("put_object", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", key, err)
	}

	metrics.RecordObjectStoreOp("put_object", time.Since(start), true)
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// GetObject retrieves an object from S3 with range support.
func (b *Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	if offset > 0 || length > 0 {
		var rangeStr string
		if length > 0 {
			rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		} else {
			rangeStr = fmt.Sprintf("bytes=%d-", offset)
		}
		input.Range = aws.String(rangeStr)
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordObjectStoreOp("get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}

	metrics.RecordObjectStoreOp("get_object", time.Since(start), true)

	returned := int64(0)
	if result.ContentLength != nil {
		returned = *result.ContentLength
	}

	return result.Body, returned, nil
}

// DeleteObject removes an object from S3. Deleting an absent key succeeds.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordObjectStoreOp("delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	metrics.RecordObjectStoreOp("delete_object", time.Since(start), true)
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// CopyObject copies an S3 object from srcKey to dstKey.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	if err != nil {
		metrics.RecordObjectStoreOp("copy_object", time.Since(start), false)
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}

	metrics.RecordObjectStoreOp("copy_object", time.Since(start), true)
	return nil
}

// ObjectExists checks if an object exists in S3.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordObjectStoreOp("head_object", time.Since(start), false)
		return false, nil
	}

	metrics.RecordObjectStoreOp("head_object", time.Since(start), true)
	return true, nil
}

// PresignDownload returns a time-limited URL for direct client download.
func (b *Backend) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()

	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		metrics.RecordObjectStoreOp("presign", time.Since(start), false)
		return "", fmt.Errorf("presign %s: %w", key, err)
	}

	metrics.RecordObjectStoreOp("presign", time.Since(start), true)
	return req.URL, nil
}

// HealthCheck verifies the bucket is reachable. Not retried.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

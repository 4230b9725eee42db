// Package s3 implements the blob.ObjectStore contract against Amazon S3
// or any S3-compatible endpoint (MinIO, Backblaze B2, Wasabi).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cptnfren/teltubby/pkg/store/blob"
)

// Store implements blob.ObjectStore on an S3 bucket.
//
// Uploads use a single streaming PutObject per item; objects in this
// archive are bounded by the per-file ceiling, so multipart is not
// needed. Usage figures are computed by listing the archive prefix and
// cached with a TTL because listing is expensive.
type Store struct {
	client *s3.Client
	bucket string
	prefix string // archive root, used for Usage

	cachedUsage struct {
		stats     blob.UsageStats
		valid     bool
		timestamp time.Time
		ttl       time.Duration
		mu        sync.RWMutex
	}
}

// Config contains S3 store configuration.
type Config struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the archive bucket name
	Bucket string

	// Prefix is the archive root prefix used for usage computation
	// (default: "teltubby/")
	Prefix string

	// UsageCacheTTL is how long computed usage figures are trusted
	// (default: 5 minutes)
	UsageCacheTTL time.Duration
}

// NewClientFromConfig creates an S3 client from configuration parameters.
// This is a helper for creating clients from YAML configuration.
func NewClientFromConfig(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"", // session token (empty for static credentials)
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates a new S3-backed object store.
//
// The bucket must already exist; this verifies access with HeadBucket
// and does not create it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "teltubby/"
	}

	ttl := cfg.UsageCacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	store := &Store{
		client: cfg.Client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}
	store.cachedUsage.ttl = ttl

	return store, nil
}

// Put stores body under key with a single streaming PutObject.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classify("put", key, err)
	}
	return nil
}

// Head returns object metadata, or blob.ErrNotFound.
func (s *Store) Head(ctx context.Context, key string) (*blob.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("head", key, err)
	}

	info := &blob.ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return info, nil
}

// Delete removes the object. Deleting a missing key is not an error
// (S3 DeleteObject is idempotent).
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFoundError(err) {
			return nil
		}
		return classify("delete", key, err)
	}
	return nil
}

// List walks all objects under prefix.
func (s *Store) List(ctx context.Context, prefix string, fn func(blob.ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classify("list", prefix, err)
		}

		for _, obj := range page.Contents {
			info := blob.ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}

	return nil
}

// Usage returns bucket usage under the archive prefix, cached with the
// configured TTL.
func (s *Store) Usage(ctx context.Context) (*blob.UsageStats, error) {
	s.cachedUsage.mu.RLock()
	if s.cachedUsage.valid && time.Since(s.cachedUsage.timestamp) < s.cachedUsage.ttl {
		cached := s.cachedUsage.stats
		s.cachedUsage.mu.RUnlock()
		return &cached, nil
	}
	s.cachedUsage.mu.RUnlock()

	var totalBytes, objectCount uint64
	err := s.List(ctx, s.prefix, func(info blob.ObjectInfo) error {
		totalBytes += uint64(info.Size)
		objectCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	computed := blob.UsageStats{
		ObjectCount: objectCount,
		TotalBytes:  totalBytes,
		ComputedAt:  time.Now(),
	}

	// Double-check under the write lock in case another goroutine
	// finished its own listing while we computed.
	s.cachedUsage.mu.Lock()
	if s.cachedUsage.valid && time.Since(s.cachedUsage.timestamp) < s.cachedUsage.ttl {
		cached := s.cachedUsage.stats
		s.cachedUsage.mu.Unlock()
		return &cached, nil
	}
	s.cachedUsage.stats = computed
	s.cachedUsage.valid = true
	s.cachedUsage.timestamp = computed.ComputedAt
	s.cachedUsage.mu.Unlock()

	return &computed, nil
}

// classify wraps an S3 error with its retry classification.
func classify(op, key string, err error) error {
	kind := blob.KindPermanent
	switch {
	case isNotFoundError(err):
		kind = blob.KindNotFound
	case isRetryableError(err):
		kind = blob.KindTransient
	}
	return &blob.Error{Op: op, Key: key, Kind: kind, Err: err}
}

// isRetryableError reports whether the failure is worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Check for AWS API errors
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()

		// Throttling errors - retryable
		if code == "Throttling" || code == "ThrottlingException" ||
			code == "RequestThrottled" || code == "SlowDown" ||
			code == "ProvisionedThroughputExceededException" {
			return true
		}

		// Server errors (5xx) - retryable
		if code == "InternalError" || code == "ServiceUnavailable" ||
			code == "ServiceException" || code == "InternalServiceException" {
			return true
		}

		// Not found, access denied, invalid request - not retryable
		if code == "NoSuchKey" || code == "NotFound" ||
			code == "AccessDenied" || code == "Forbidden" ||
			code == "InvalidRange" || code == "InvalidRequest" {
			return false
		}
	}

	// Check error message for common patterns
	errStr := err.Error()
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500") {
		return true
	}

	return false
}

// isNotFoundError reports whether the failure means the key is absent.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	// Check typed errors
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	// Check AWS API error code
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}

	// Check error message for 404 patterns
	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 404") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey")
}

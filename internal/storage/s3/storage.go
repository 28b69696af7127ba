// Package s3 implements storage.Backend for AWS S3 and S3-compatible stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fjmerc/stashbox/internal/storage"
)

// multipartUploadPartSize is the size for S3 multipart upload parts (5MB minimum)
const multipartUploadPartSize = 5 * 1024 * 1024

// Config holds configuration for S3 storage.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint for MinIO or other S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool   // Use path-style addressing (required for MinIO)
	Prefix          string // Optional key prefix inside the bucket
}

// API is the subset of the S3 client used here.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Uploader streams a body into a (possibly multipart) object.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Storage implements storage.Backend for S3.
type Storage struct {
	client   API
	uploader Uploader
	bucket   string
	prefix   string
}

// New connects to S3, verifies bucket access and returns a Storage.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	var optFuncs []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFuncs = append(optFuncs, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFuncs = append(optFuncs, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFuncs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartUploadPartSize
	})

	s := NewWithClient(client, uploader, cfg.Bucket, cfg.Prefix)
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 storage initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"path_style", cfg.PathStyle,
	)
	return s, nil
}

// NewWithClient builds a Storage around an existing client.
func NewWithClient(client API, uploader Uploader, bucket, prefix string) *Storage {
	return &Storage{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

// Type implements storage.Backend.
func (s *Storage) Type() string { return "s3" }

// validateKey rejects traversal, null bytes and encoded characters.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsRune(key, '\x00') {
		return fmt.Errorf("null bytes not allowed in key")
	}
	if strings.Contains(key, "%") {
		return fmt.Errorf("encoded characters not allowed in key")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("path traversal not allowed: %s", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == "/" {
		return fmt.Errorf("invalid key: %s", key)
	}
	return nil
}

func (s *Storage) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// isNotFound matches both GetObject (NoSuchKey) and HeadObject (NotFound) errors.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// Put streams r into the bucket using the multipart upload manager.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return storage.NewStorageErrorWithMessage("Put", key, err, "key validation failed")
	}

	cr := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   cr,
	})
	if err != nil {
		return storage.NewStorageError("Put", key, err)
	}
	if size >= 0 && cr.n != size {
		// The object is already written; remove it rather than keep a short copy.
		_ = s.Delete(ctx, key)
		return storage.NewStorageErrorWithMessage("Put", key, nil,
			fmt.Sprintf("size mismatch: expected %d bytes, wrote %d bytes", size, cr.n))
	}

	slog.Debug("object stored in S3", "key", key, "size", cr.n)
	return nil
}

// Get returns the object body.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, storage.NewStorageErrorWithMessage("Get", key, err, "key validation failed")
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NewStorageError("Get", key, storage.ErrNotFound)
		}
		return nil, storage.NewStorageError("Get", key, err)
	}
	return result.Body, nil
}

// Delete removes key. S3 does not error on absent objects.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return storage.NewStorageErrorWithMessage("Delete", key, err, "key validation failed")
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return storage.NewStorageError("Delete", key, err)
	}

	slog.Debug("object deleted from S3", "key", key)
	return nil
}

// Size issues a HEAD request for key.
func (s *Storage) Size(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, storage.NewStorageErrorWithMessage("Size", key, err, "key validation failed")
	}

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, storage.NewStorageError("Size", key, storage.ErrNotFound)
		}
		return 0, storage.NewStorageError("Size", key, err)
	}
	return aws.ToInt64(result.ContentLength), nil
}

// Range requests bytes [start, end]. If the endpoint ignores the Range header
// and answers with the whole object, the body is skipped and truncated here.
func (s *Storage) Range(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, storage.NewStorageErrorWithMessage("Range", key, nil,
			fmt.Sprintf("invalid range: start=%d, end=%d", start, end))
	}
	if err := validateKey(key); err != nil {
		return nil, storage.NewStorageErrorWithMessage("Range", key, err, "key validation failed")
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NewStorageError("Range", key, storage.ErrNotFound)
		}
		return nil, storage.NewStorageError("Range", key, err)
	}

	if aws.ToString(result.ContentRange) == "" && start > 0 {
		if _, err := io.CopyN(io.Discard, result.Body, start); err != nil {
			result.Body.Close()
			return nil, storage.NewStorageError("Range", key, err)
		}
	}

	return storage.LimitReadCloser(result.Body, end-start+1), nil
}

// TotalSize lists every object under the prefix and sums their sizes.
func (s *Storage) TotalSize(ctx context.Context) (int64, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)

	var total int64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, storage.NewStorageError("TotalSize", s.bucket, err)
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
		}
	}
	return total, nil
}

// HealthCheck verifies that the bucket is reachable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(checkCtx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return storage.NewStorageErrorWithMessage("HealthCheck", s.bucket, err, "S3 bucket not accessible")
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	MaxUploads     int
	ConnectTimeout time.Duration

	// Retry settings; the MinIO client also retries internally
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c MinIOConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("minio access key and secret must be set together")
	}
	return nil
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

type putObjectFunc func(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client     *minio.Client
	putObject  putObjectFunc
	config     MinIOConfig
	logger     *zap.Logger
	uploadPool chan struct{}

	metrics MinIOMetrics
}

// NewMinIOStore builds the client without contacting the server; EnsureBucket does that.
func NewMinIOStore(config MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxUploads == 0 {
		config.MaxUploads = 2
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return newMinIOStore(config, client, client.PutObject, logger), nil
}

func newMinIOStore(config MinIOConfig, client *minio.Client, put putObjectFunc, logger *zap.Logger) *MinIOStore {
	store := &MinIOStore{
		client:     client,
		putObject:  put,
		config:     config,
		logger:     logger.Named("minio-store"),
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}
	return store
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return &StorageError{Op: "bucket_exists", Key: s.config.Bucket, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.config.Bucket, minio.MakeBucketOptions{Region: s.config.Region}); err != nil {
		return &StorageError{Op: "make_bucket", Key: s.config.Bucket, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	s.logger.Info("Created MinIO bucket", zap.String("bucket", s.config.Bucket))
	return nil
}

// Put uploads r, rewinding it before every retry.
func (s *MinIOStore) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error {
	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	opts := minio.PutObjectOptions{ContentType: contentType}

	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	var bo backoff.BackOff = ebo
	if s.config.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := r.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := s.putObject(ctx, s.config.Bucket, key, r, size, opts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			if code := getMinioStatusCode(err); code >= 400 && code < 500 {
				return backoff.Permanent(err)
			}
			return err
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("upload failed, retrying", zap.String("key", key), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  getMinioStatusCode(err) >= 500,
		}
	}
	return nil
}

func (s *MinIOStore) Metrics() map[string]any {
	return map[string]any{
		"total_uploads":  s.metrics.TotalUploads.Load(),
		"upload_bytes":   s.metrics.UploadBytes.Load(),
		"upload_errors":  s.metrics.UploadErrors.Load(),
		"active_uploads": s.metrics.ActiveUploads.Load(),
	}
}

func getMinioStatusCode(err error) int {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode
	}
	return 0
}

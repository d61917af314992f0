package mio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Retry           RetryConfig
}

type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CheckTimeout bounds a single bucket check.
	CheckTimeout    time.Duration
}

var ErrPermanent = errors.New("minio: permanent error")

// NewClient opens a client and waits until the bucket exists.
func NewClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	client, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := WaitBucket(ctx, client, cfg.Bucket, cfg.Retry); err != nil {
		return nil, err
	}
	return client, nil
}

// Open validates cfg and builds a client without touching the network.
func Open(cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty MinIO endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty MinIO bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}
	return client, nil
}

// WaitBucket creates the bucket when missing, retrying transient failures
// with a doubling interval. Rejected credentials stop the retries at once.
func WaitBucket(ctx context.Context, client *minio.Client, bucket string, retry RetryConfig) error {
	retry = retry.withDefaults()

	var lastErr error
	interval := retry.InitialInterval

	for attempt := 1; attempt <= retry.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("wait for bucket %q: %w", bucket, ctx.Err())
		}

		cctx, cancel := context.WithTimeout(ctx, retry.CheckTimeout)
		lastErr = ensureBucket(cctx, client, bucket)
		cancel()

		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}

		if attempt < retry.MaxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("wait for bucket %q: %w", bucket, ctx.Err())
			case <-time.After(interval):
				interval = min(interval*2, retry.MaxInterval)
			}
		}
	}

	return fmt.Errorf("bucket %q unavailable after %d attempts: %w", bucket, retry.MaxRetries, lastErr)
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = 500 * time.Millisecond
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 5 * time.Second
	}
	if r.CheckTimeout <= 0 {
		r.CheckTimeout = 5 * time.Second
	}
	return r
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return classify("check bucket exists", err)
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// a concurrent worker may have won the race
		if code(err) == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return classify("create bucket", err)
	}
	return nil
}

func classify(op string, err error) error {
	switch code(err) {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
		return fmt.Errorf("%s: %w: %w", op, ErrPermanent, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func code(err error) string {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code
	}
	return ""
}

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinioConfig contains connection settings for the S3-compatible store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStorage stores submission payloads in an S3-compatible bucket.
type MinioStorage struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewMinio constructs a minio-backed storage instance and ensures the bucket exists.
func NewMinio(cfg MinioConfig, logger zerolog.Logger) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket must be provided")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStorage{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With().Str("component", "objectstore_minio").Logger(),
	}, nil
}

// Upload stores the payload under a date-prefixed key and returns its URL.
func (s *MinioStorage) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read payload: %w", err)
	}

	key := path.Join(time.Now().UTC().Format("2006/01/02"), name)

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	s.logger.Debug().Str("key", key).Int("size", len(payload)).Msg("payload stored")

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// PresignedReadURL returns a temporary download link for a stored object key.
func (s *MinioStorage) PresignedReadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign object url: %w", err)
	}

	return presigned.String(), nil
}

package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"stemfm/config"
	"stemfm/logger"
)

// Scheme marks catalog sources stored in MinIO: minio://bucket/key.
const Scheme = "minio://"

// Store resolves minio:// track sources to presigned URLs the decoder can open.
type Store struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewStore 创建 MinIO 客户端. It does not contact the server.
func NewStore(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Store{client: client, bucket: cfg.MinioBucket, expiry: expiry}, nil
}

// Bucket is the default bucket for keys without one.
func (s *Store) Bucket() string { return s.bucket }

// Ensure checks the default bucket and creates it when missing.
func (s *Store) Ensure(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		logger.Info("存储桶已存在", logger.String("bucket", s.bucket))
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("成功创建存储桶", logger.String("bucket", s.bucket))
	return nil
}

// ParseLocator splits minio://bucket/key. ok is false for other sources.
func ParseLocator(src string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(src, Scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(src, Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Resolve returns a presigned GET URL for minio:// sources and src unchanged
// otherwise.
func (s *Store) Resolve(ctx context.Context, src string) (string, error) {
	if !strings.HasPrefix(src, Scheme) {
		return src, nil
	}
	bucket, key, ok := ParseLocator(src)
	if !ok {
		return "", fmt.Errorf("malformed object locator %q", src)
	}
	return s.Presign(ctx, bucket, key)
}

// Presign returns a time-limited GET URL for bucket/key.
func (s *Store) Presign(ctx context.Context, bucket, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

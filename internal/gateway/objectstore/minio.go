// Package objectstore implements gateway.Storage on MinIO.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/gateway"
)

// ErrObjectExists is returned when an upload targets a key that is already stored.
var ErrObjectExists = errors.New("object already exists")

// Config holds connection parameters.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// PublicURL prefixes returned object URLs, e.g. https://cdn.example.com.
	PublicURL string
}

type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Option configures optional behaviour for the Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store uploads objects to MinIO buckets.
type Store struct {
	api       objectAPI
	publicURL string
	logger    *zap.Logger
}

// New connects a Store using cfg.
func New(cfg Config, opts ...Option) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}
	return newStore(client, publicURL, opts...), nil
}

func newStore(api objectAPI, publicURL string, opts ...Option) *Store {
	s := &Store{api: api, publicURL: strings.TrimRight(publicURL, "/"), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureBuckets creates any missing bucket.
func (s *Store) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		exists, err := s.api.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		s.logger.Info("created bucket", zap.String("bucket", bucket))
	}
	return nil
}

// Upload writes the object unless the key already exists and returns its public URL.
func (s *Store) Upload(ctx context.Context, upload gateway.Upload) (string, error) {
	if upload.Bucket == "" || upload.Key == "" {
		return "", fmt.Errorf("upload: bucket and key are required")
	}

	_, err := s.api.StatObject(ctx, upload.Bucket, upload.Key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: %s/%s", ErrObjectExists, upload.Bucket, upload.Key)
	case !isNotFound(err):
		return "", fmt.Errorf("stat %s/%s: %w", upload.Bucket, upload.Key, err)
	}

	size := upload.Size
	if size <= 0 {
		size = -1
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.api.PutObject(ctx, upload.Bucket, upload.Key, upload.Body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", upload.Bucket, upload.Key, err)
	}
	s.logger.Debug("uploaded object",
		zap.String("bucket", upload.Bucket),
		zap.String("key", upload.Key),
		zap.Int64("size", info.Size))
	return s.URL(upload.Bucket, upload.Key), nil
}

// URL returns the public URL of an object.
func (s *Store) URL(bucket, key string) string {
	return s.publicURL + "/" + bucket + "/" + strings.TrimLeft(key, "/")
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.StatusCode == http.StatusNotFound
}

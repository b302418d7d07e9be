package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Nick67672/Gymsta/internal/gateway"
)

type stubAPI struct {
	buckets map[string]bool
	objects map[string]string
	types   map[string]string
	statErr error
}

func newStubAPI() *stubAPI {
	return &stubAPI{buckets: map[string]bool{}, objects: map[string]string{}, types: map[string]string{}}
}

func (s *stubAPI) BucketExists(_ context.Context, bucket string) (bool, error) {
	return s.buckets[bucket], nil
}

func (s *stubAPI) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	s.buckets[bucket] = true
	return nil
}

func (s *stubAPI) StatObject(_ context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if s.statErr != nil {
		return minio.ObjectInfo{}, s.statErr
	}
	if _, ok := s.objects[bucket+"/"+key]; ok {
		return minio.ObjectInfo{Key: key}, nil
	}
	return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
}

func (s *stubAPI) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.objects[bucket+"/"+key] = string(data)
	s.types[bucket+"/"+key] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func TestUploadRefusesOverwrite(t *testing.T) {
	api := newStubAPI()
	store := newStore(api, "https://cdn.example.com/", WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	url, err := store.Upload(ctx, gateway.Upload{Bucket: "stories", Key: "u1/1700000000000.jpg", Body: strings.NewReader("img"), ContentType: "image/jpeg"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/stories/u1/1700000000000.jpg", url)
	require.Equal(t, "img", api.objects["stories/u1/1700000000000.jpg"])
	require.Equal(t, "image/jpeg", api.types["stories/u1/1700000000000.jpg"])

	_, err = store.Upload(ctx, gateway.Upload{Bucket: "stories", Key: "u1/1700000000000.jpg", Body: strings.NewReader("other")})
	require.ErrorIs(t, err, ErrObjectExists)
	require.Equal(t, "img", api.objects["stories/u1/1700000000000.jpg"])
}

func TestUploadStatFailure(t *testing.T) {
	api := newStubAPI()
	api.statErr = errors.New("connection refused")
	store := newStore(api, "http://localhost:9000")

	_, err := store.Upload(context.Background(), gateway.Upload{Bucket: "products", Key: "k.jpg", Body: strings.NewReader("x")})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrObjectExists)
	require.Empty(t, api.objects)

	_, err = store.Upload(context.Background(), gateway.Upload{Key: "k.jpg"})
	require.Error(t, err)
}

func TestEnsureBuckets(t *testing.T) {
	api := newStubAPI()
	api.buckets["stories"] = true
	store := newStore(api, "http://localhost:9000")

	require.NoError(t, store.EnsureBuckets(context.Background(), "stories", "products"))
	require.True(t, api.buckets["products"])
}

// Package s3storage is the MinIO/S3 blob store for audio uploads and
// transcript results.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// Storage wraps MinIO/S3 interactions for the two logical buckets.
type Storage struct {
	client  *minio.Client
	buckets map[model.Bucket]string
	region  string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		buckets: map[model.Bucket]string{
			model.BucketAudio:   cfg.AudioBucket,
			model.BucketResults: cfg.ResultsBucket,
		},
		region: cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the audio/results buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range s.buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *Storage) name(bucket model.Bucket) (string, error) {
	name, ok := s.buckets[bucket]
	if !ok {
		return "", fmt.Errorf("%w: unknown bucket %q", model.ErrStorage, bucket)
	}
	return name, nil
}

// Put streams size bytes from r into bucket/key.
func (s *Storage) Put(ctx context.Context, bucket model.Bucket, key string, r io.Reader, size int64, contentType string) error {
	name, err := s.name(bucket)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, name, key, r, size, opts); err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", model.ErrStorage, bucket, key, err)
	}
	return nil
}

// Get reads a whole object. Missing objects report model.ErrNotFound.
func (s *Storage) Get(ctx context.Context, bucket model.Bucket, key string) ([]byte, error) {
	name, err := s.name(bucket)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, name, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("get", bucket, key, err)
	}
	defer obj.Close()
	// GetObject is lazy; the first read surfaces NoSuchKey.
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap("read", bucket, key, err)
	}
	return buf, nil
}

// Exists reports whether bucket/key is present.
func (s *Storage) Exists(ctx context.Context, bucket model.Bucket, key string) (bool, error) {
	name, err := s.name(bucket)
	if err != nil {
		return false, err
	}
	if _, err := s.client.StatObject(ctx, name, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrap("stat", bucket, key, err)
	}
	return true, nil
}

// Delete removes one object. Removing a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, bucket model.Bucket, key string) error {
	name, err := s.name(bucket)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, name, key, minio.RemoveObjectOptions{}); err != nil {
		return s.wrap("remove", bucket, key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and returns how many were
// removed. It keeps going after individual failures and returns the first.
func (s *Storage) DeletePrefix(ctx context.Context, bucket model.Bucket, prefix string) (int, error) {
	name, err := s.name(bucket)
	if err != nil {
		return 0, err
	}
	var (
		removed  int
		firstErr error
	)
	for obj := range s.client.ListObjects(ctx, name, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return removed, s.wrap("list", bucket, prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, name, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			if firstErr == nil {
				firstErr = s.wrap("remove", bucket, obj.Key, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// SignRead returns a presigned GET URL valid for ttl.
func (s *Storage) SignRead(ctx context.Context, bucket model.Bucket, key string, ttl time.Duration) (string, error) {
	name, err := s.name(bucket)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, name, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("%w: presign %s/%s: %v", model.ErrStorage, bucket, key, err)
	}
	return u.String(), nil
}

func (s *Storage) wrap(op string, bucket model.Bucket, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s/%s", model.ErrNotFound, bucket, key)
	}
	return fmt.Errorf("%w: %s %s/%s: %v", model.ErrStorage, op, bucket, key, err)
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	resp = minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}

package s3storage

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

func TestUnknownBucket(t *testing.T) {
	s, err := New(&config.Config{S3Endpoint: "localhost:9000", AudioBucket: "a", ResultsBucket: "r"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.name("thumbnails"); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected storage error for unknown bucket, got %v", err)
	}
	if name, _ := s.name(model.BucketResults); name != "r" {
		t.Fatalf("expected results bucket mapped to r, got %s", name)
	}
}

func TestWrapNotFound(t *testing.T) {
	s := &Storage{}
	missing := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	if err := s.wrap("get", model.BucketAudio, "k", fmt.Errorf("read: %w", missing)); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	if err := s.wrap("get", model.BucketAudio, "k", denied); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

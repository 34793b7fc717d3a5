package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
	"github.com/dharsanguruparan/ScribeDrop/internal/signing"
)

type blob struct {
	data        []byte
	contentType string
}

// MemoryBlobStore keeps objects in memory. Signed reads are HMAC links to
// the API's /blobs route, so an engine can fetch audio the same way it would
// fetch a presigned S3 URL.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[model.Bucket]map[string]blob
	signer  *signing.Signer
	baseURL string
}

// NewMemoryBlobStore constructs a store whose signed URLs point at baseURL.
func NewMemoryBlobStore(signer *signing.Signer, baseURL string) *MemoryBlobStore {
	return &MemoryBlobStore{
		objects: map[model.Bucket]map[string]blob{
			model.BucketAudio:   {},
			model.BucketResults: {},
		},
		signer:  signer,
		baseURL: baseURL,
	}
}

func (m *MemoryBlobStore) bucket(b model.Bucket) (map[string]blob, error) {
	objs, ok := m.objects[b]
	if !ok {
		return nil, fmt.Errorf("%w: unknown bucket %q", model.ErrStorage, b)
	}
	return objs, nil
}

// Put stores the bytes read from r. size is advisory.
func (m *MemoryBlobStore) Put(_ context.Context, bucket model.Bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: read %s/%s: %v", model.ErrStorage, bucket, key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("%w: %s/%s: expected %d bytes, got %d", model.ErrStorage, bucket, key, size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, err := m.bucket(bucket)
	if err != nil {
		return err
	}
	objs[key] = blob{data: data, contentType: contentType}
	return nil
}

// Get returns a copy of the object bytes.
func (m *MemoryBlobStore) Get(_ context.Context, bucket model.Bucket, key string) ([]byte, error) {
	data, _, err := m.Open(bucket, key)
	return data, err
}

// Open returns the object bytes and content type.
func (m *MemoryBlobStore) Open(bucket model.Bucket, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, err := m.bucket(bucket)
	if err != nil {
		return nil, "", err
	}
	b, ok := objs[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s/%s", model.ErrNotFound, bucket, key)
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, b.contentType, nil
}

// Exists reports whether the object is present.
func (m *MemoryBlobStore) Exists(_ context.Context, bucket model.Bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, err := m.bucket(bucket)
	if err != nil {
		return false, err
	}
	_, ok := objs[key]
	return ok, nil
}

// Delete removes one object; missing keys are ignored.
func (m *MemoryBlobStore) Delete(_ context.Context, bucket model.Bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, err := m.bucket(bucket)
	if err != nil {
		return err
	}
	delete(objs, key)
	return nil
}

// DeletePrefix removes every object under prefix.
func (m *MemoryBlobStore) DeletePrefix(_ context.Context, bucket model.Bucket, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, err := m.bucket(bucket)
	if err != nil {
		return 0, err
	}
	removed := 0
	for key := range objs {
		if strings.HasPrefix(key, prefix) {
			delete(objs, key)
			removed++
		}
	}
	return removed, nil
}

// Keys lists the keys in a bucket; tests use it to assert garbage collection.
func (m *MemoryBlobStore) Keys(bucket model.Bucket) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for key := range m.objects[bucket] {
		out = append(out, key)
	}
	return out
}

// SignRead returns an HMAC-signed link served by the API download route.
func (m *MemoryBlobStore) SignRead(_ context.Context, bucket model.Bucket, key string, ttl time.Duration) (string, error) {
	if _, err := m.bucket(bucket); err != nil {
		return "", err
	}
	return m.signer.URL(m.baseURL, string(bucket), key, ttl), nil
}

// Verify checks a signed link's parameters.
func (m *MemoryBlobStore) Verify(bucket, key, expires, signature string) bool {
	return m.signer.Validate(bucket, key, expires, signature)
}

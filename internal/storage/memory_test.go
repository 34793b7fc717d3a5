package storage

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
	"github.com/dharsanguruparan/ScribeDrop/internal/signing"
)

func TestMemoryJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	if err := store.Create(ctx, &model.Job{ID: "j1", DoctorID: "doc"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkRunning(ctx, "j1"); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected conflict running a job without audio, got %v", err)
	}
	if err := store.SetAudio(ctx, "j1", "visit.mp3", "j1/1-visit.mp3"); err != nil {
		t.Fatalf("set audio: %v", err)
	}
	if err := store.MarkRunning(ctx, "j1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	// Re-entrant trigger.
	if err := store.MarkRunning(ctx, "j1"); err != nil {
		t.Fatalf("mark running twice: %v", err)
	}
	dur := 5.0
	if err := store.MarkCompleted(ctx, "j1", model.Completion{ResultPath: "j1/r.json", DurationSeconds: &dur, ProcessedAt: time.Now()}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// done is final.
	if err := store.MarkFailed(ctx, "j1", "late watchdog"); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected done to be final, got %v", err)
	}
	job, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != model.StateDone || job.ResultPath == nil || *job.DurationSeconds != 5 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestMemoryJobStoreFailAndRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	store.Create(ctx, &model.Job{ID: "j1"})
	store.SetAudio(ctx, "j1", "a.mp3", "j1/a.mp3")
	store.MarkRunning(ctx, "j1")
	if err := store.MarkFailed(ctx, "j1", "engine down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	job, _ := store.Get(ctx, "j1")
	if job.FailedState != model.StateRunning || job.Progress() != 66 {
		t.Fatalf("expected progress frozen at running, got %s %d", job.FailedState, job.Progress())
	}
	if err := store.MarkCompleted(ctx, "j1", model.Completion{ResultPath: "x"}); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected late completion to conflict, got %v", err)
	}
	if err := store.ResetForRetry(ctx, "j1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	job, _ = store.Get(ctx, "j1")
	if job.State != model.StateUploaded || job.ErrorReason != nil || job.FailedState != "" {
		t.Fatalf("expected clean uploaded job, got %+v", job)
	}
	if err := store.ResetForRetry(ctx, "j1"); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected retry of a non-failed job to conflict, got %v", err)
	}
}

func TestMemoryJobStoreNotFound(t *testing.T) {
	store := NewMemoryJobStore()
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkRunning(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListRunningOlderThan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for id, age := range map[string]time.Duration{"old": 40 * time.Minute, "young": 10 * time.Minute} {
		store.Create(ctx, &model.Job{ID: id, State: model.StateRunning, CreatedAt: now.Add(-age)})
	}
	store.Create(ctx, &model.Job{ID: "idle", CreatedAt: now.Add(-time.Hour)})
	jobs, err := store.ListRunningOlderThan(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "old" {
		t.Fatalf("expected only the old running job, got %+v", jobs)
	}
}

func TestMemoryBlobStore(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore(signing.NewSigner([]byte("s")), "http://api.local")
	if err := blobs.Put(ctx, model.BucketResults, "j1/1-result.json", bytes.NewReader([]byte("{}")), 2, "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	blobs.Put(ctx, model.BucketResults, "j1/2-result.json", strings.NewReader("{}"), -1, "application/json")
	blobs.Put(ctx, model.BucketResults, "j10/1-result.json", strings.NewReader("{}"), -1, "application/json")
	if _, err := blobs.Get(ctx, model.BucketAudio, "j1/1-result.json"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected buckets to be separate, got %v", err)
	}
	n, err := blobs.DeletePrefix(ctx, model.BucketResults, "j1/")
	if err != nil || n != 2 {
		t.Fatalf("expected two removed, got %d %v", n, err)
	}
	if ok, _ := blobs.Exists(ctx, model.BucketResults, "j10/1-result.json"); !ok {
		t.Fatalf("prefix delete must not touch other jobs")
	}
	if err := blobs.Put(ctx, model.BucketAudio, "k", strings.NewReader("abc"), 5, ""); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected short write to fail, got %v", err)
	}
}

func TestMemoryBlobStoreSignRead(t *testing.T) {
	blobs := NewMemoryBlobStore(signing.NewSigner([]byte("s")), "http://api.local")
	raw, err := blobs.SignRead(context.Background(), model.BucketAudio, "j1/a.mp3", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Path != "/blobs/audio/j1/a.mp3" {
		t.Fatalf("unexpected path %s", u.Path)
	}
	q := u.Query()
	if !blobs.Verify("audio", "j1/a.mp3", q.Get("expires"), q.Get("signature")) {
		t.Fatalf("expected signed url to verify")
	}
	if blobs.Verify("results", "j1/a.mp3", q.Get("expires"), q.Get("signature")) {
		t.Fatalf("signature must be bound to the bucket")
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/corrections"
	"github.com/dharsanguruparan/ScribeDrop/internal/engine"
	"github.com/dharsanguruparan/ScribeDrop/internal/events"
	"github.com/dharsanguruparan/ScribeDrop/internal/lock"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
	"github.com/dharsanguruparan/ScribeDrop/internal/signing"
	"github.com/dharsanguruparan/ScribeDrop/internal/storage"
)

type engineFunc func(ctx context.Context, audioURL, language string) (*model.Transcript, error)

func (f engineFunc) Transcribe(ctx context.Context, audioURL, language string) (*model.Transcript, error) {
	return f(ctx, audioURL, language)
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.events = append(p.events, ev)
	return nil
}

type harness struct {
	orch   *Orchestrator
	jobs   *storage.MemoryJobStore
	blobs  *storage.MemoryBlobStore
	rules  *storage.MemoryRules
	locker *lock.MemoryLocker
	events *recordingPublisher
}

func newHarness(t *testing.T, eng Transcriber) *harness {
	t.Helper()
	h := &harness{
		jobs:   storage.NewMemoryJobStore(),
		blobs:  storage.NewMemoryBlobStore(signing.NewSigner([]byte("test")), "http://api.local"),
		rules:  storage.NewMemoryRules(),
		locker: lock.NewMemoryLocker(),
		events: &recordingPublisher{},
	}
	h.orch = New(Config{Language: "en"}, Deps{
		Jobs:      h.jobs,
		Blobs:     h.blobs,
		Engine:    eng,
		Rules:     h.rules,
		Locker:    h.locker,
		Publisher: h.events,
	})
	return h
}

// uploaded creates a job with a stored audio blob.
func (h *harness) uploaded(t *testing.T, id, doctorID string) {
	t.Helper()
	ctx := context.Background()
	if err := h.jobs.Create(ctx, &model.Job{ID: id, DoctorID: doctorID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	key := id + "/visit.mp3"
	if err := h.blobs.Put(ctx, model.BucketAudio, key, strings.NewReader("audio"), 5, "audio/mpeg"); err != nil {
		t.Fatalf("put audio: %v", err)
	}
	if err := h.jobs.SetAudio(ctx, id, "visit.mp3", key); err != nil {
		t.Fatalf("set audio: %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return job
}

func timed(text string, start, end float64) *model.Transcript {
	return &model.Transcript{Segments: []model.Segment{{Start: &start, End: &end, Text: text}}}
}

func TestEndToEndWithEngineAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"segments":[{"start":0,"end":5,"text":" Hello world"}]}`)
	}))
	defer srv.Close()
	adapter := engine.New(engine.Config{BaseURL: srv.URL, Client: srv.Client()})

	h := newHarness(t, adapter)
	h.rules.Add("doc-1", corrections.Rule{Before: "Hello", After: "Hi"})
	h.uploaded(t, "job-1", "doc-1")

	job, err := h.orch.StartProcessing(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if job.State != model.StateDone || job.Progress() != 100 {
		t.Fatalf("expected done at 100, got %s %d", job.State, job.Progress())
	}
	if job.DurationSeconds == nil || *job.DurationSeconds != 5 {
		t.Fatalf("expected duration inferred as 5, got %v", job.DurationSeconds)
	}
	if job.ResultPath == nil || job.ProcessedAt == nil || job.ErrorReason != nil {
		t.Fatalf("unexpected completion fields %+v", job)
	}
	data, err := h.blobs.Get(context.Background(), model.BucketResults, *job.ResultPath)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var stored model.Transcript
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if stored.Segments[0].Text != "Hi world" {
		t.Fatalf("expected corrected text, got %q", stored.Segments[0].Text)
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != events.TypeJobDone {
		t.Fatalf("expected one done event, got %+v", h.events.events)
	}
}

func TestMissingAudioLeavesJobUntouched(t *testing.T) {
	h := newHarness(t, engineFunc(func(context.Context, string, string) (*model.Transcript, error) {
		t.Fatalf("engine must not be called")
		return nil, nil
	}))
	h.jobs.Create(context.Background(), &model.Job{ID: "job-1"})
	_, err := h.orch.StartProcessing(context.Background(), "job-1")
	if !errors.Is(err, model.ErrMissingAudio) {
		t.Fatalf("expected ErrMissingAudio, got %v", err)
	}
	if st := h.job(t, "job-1").State; st != model.StateCreated {
		t.Fatalf("expected state unchanged, got %s", st)
	}
}

func TestUnknownJob(t *testing.T) {
	h := newHarness(t, engineFunc(nil))
	if _, err := h.orch.StartProcessing(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEngineFailureMarksError(t *testing.T) {
	h := newHarness(t, engineFunc(func(context.Context, string, string) (*model.Transcript, error) {
		return nil, &engine.Error{Kind: model.ErrEngineUnavailable}
	}))
	h.uploaded(t, "job-1", "")
	_, err := h.orch.StartProcessing(context.Background(), "job-1")
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageTranscribe {
		t.Fatalf("expected transcribe stage error, got %v", err)
	}
	if !errors.Is(err, model.ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable to be preserved, got %v", err)
	}
	job := h.job(t, "job-1")
	if job.State != model.StateError || job.ErrorReason == nil || !strings.Contains(*job.ErrorReason, "engine unavailable") {
		t.Fatalf("expected error with engine reason, got %+v", job)
	}
	if job.ResultPath != nil {
		t.Fatalf("failed job must not have a result path")
	}
	if job.Progress() != model.StateRunning.Progress() {
		t.Fatalf("expected progress frozen at running, got %d", job.Progress())
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != events.TypeJobError {
		t.Fatalf("expected one error event, got %+v", h.events.events)
	}
}

func TestInvalidTranscriptIsNotPersisted(t *testing.T) {
	h := newHarness(t, engineFunc(func(context.Context, string, string) (*model.Transcript, error) {
		// Flat text normalizes to one untimed segment.
		return &model.Transcript{Segments: []model.Segment{{Text: "untimed"}}}, nil
	}))
	h.uploaded(t, "job-1", "")
	_, err := h.orch.StartProcessing(context.Background(), "job-1")
	if !errors.Is(err, model.ErrInvalidTranscript) {
		t.Fatalf("expected ErrInvalidTranscript, got %v", err)
	}
	if keys := h.blobs.Keys(model.BucketResults); len(keys) != 0 {
		t.Fatalf("expected no result blob, got %v", keys)
	}
	if st := h.job(t, "job-1").State; st != model.StateError {
		t.Fatalf("expected error, got %s", st)
	}
}

func TestNonStringSegmentTextFailsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"segments":[{"start":0,"end":2,"text":12345}]}`)
	}))
	defer srv.Close()
	h := newHarness(t, engine.New(engine.Config{BaseURL: srv.URL, Client: srv.Client()}))
	h.uploaded(t, "job-1", "")

	_, err := h.orch.StartProcessing(context.Background(), "job-1")
	if !errors.Is(err, model.ErrInvalidTranscript) {
		t.Fatalf("expected ErrInvalidTranscript, got %v", err)
	}
	job := h.job(t, "job-1")
	if job.State != model.StateError || job.ResultPath != nil {
		t.Fatalf("expected error without result, got %s %v", job.State, job.ResultPath)
	}
	if keys := h.blobs.Keys(model.BucketResults); len(keys) != 0 {
		t.Fatalf("expected no result blob, got %v", keys)
	}
}

func TestDuplicateTriggerRejected(t *testing.T) {
	h := newHarness(t, engineFunc(func(context.Context, string, string) (*model.Transcript, error) {
		return timed("x", 0, 1), nil
	}))
	h.uploaded(t, "job-1", "")
	release, err := h.locker.Acquire(context.Background(), lock.KeyForJob("job-1"), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	if _, err := h.orch.StartProcessing(context.Background(), "job-1"); !errors.Is(err, model.ErrAlreadyProcessing) {
		t.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}
	if st := h.job(t, "job-1").State; st != model.StateUploaded {
		t.Fatalf("expected state unchanged, got %s", st)
	}
}

func TestPanicIsRecordedAsError(t *testing.T) {
	h := newHarness(t, engineFunc(func(context.Context, string, string) (*model.Transcript, error) {
		panic("engine client bug")
	}))
	h.uploaded(t, "job-1", "")
	_, err := h.orch.StartProcessing(context.Background(), "job-1")
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Reason != "internal error" || stageErr.Stage != StageTranscribe {
		t.Fatalf("expected internal error in transcribe, got %v", err)
	}
	if st := h.job(t, "job-1").State; st != model.StateError {
		t.Fatalf("job must not stay running after a panic, got %s", st)
	}
	// The lock must be released by the deferred release.
	if _, err := h.locker.Acquire(context.Background(), lock.KeyForJob("job-1"), time.Minute); err != nil {
		t.Fatalf("expected lock released: %v", err)
	}
}

func TestCancelledRequestStillRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, engineFunc(func(ctx context.Context, _, _ string) (*model.Transcript, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h.uploaded(t, "job-1", "")
	if _, err := h.orch.StartProcessing(ctx, "job-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if st := h.job(t, "job-1").State; st != model.StateError {
		t.Fatalf("expected error after cancellation, got %s", st)
	}
}

func TestRuleLoadFailure(t *testing.T) {
	h := newHarness(t, engineFunc(func(context.Context, string, string) (*model.Transcript, error) {
		return timed("x", 0, 1), nil
	}))
	h.rules.FailWith(errors.New("db down"))
	h.uploaded(t, "job-1", "doc-1")
	_, err := h.orch.StartProcessing(context.Background(), "job-1")
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageCorrections {
		t.Fatalf("expected corrections stage error, got %v", err)
	}
}

func TestLateCompletionAfterWatchdogIsDropped(t *testing.T) {
	var h *harness
	h = newHarness(t, engineFunc(func(ctx context.Context, _, _ string) (*model.Transcript, error) {
		// The watchdog fails the job while the engine is still working.
		if err := h.jobs.MarkFailed(ctx, "job-1", "Watchdog: exceeded 30m"); err != nil {
			t.Fatalf("watchdog mark: %v", err)
		}
		return timed("late", 0, 2), nil
	}))
	h.uploaded(t, "job-1", "")
	_, err := h.orch.StartProcessing(context.Background(), "job-1")
	if !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	job := h.job(t, "job-1")
	if job.State != model.StateError || *job.ErrorReason != "Watchdog: exceeded 30m" {
		t.Fatalf("expected watchdog outcome to stand, got %+v", job)
	}
	if keys := h.blobs.Keys(model.BucketResults); len(keys) != 0 {
		t.Fatalf("expected orphaned result to be deleted, got %v", keys)
	}
}

func TestRetryProducesFreshResult(t *testing.T) {
	calls := 0
	h := newHarness(t, engineFunc(func(context.Context, string, string) (*model.Transcript, error) {
		calls++
		if calls == 1 {
			return nil, &engine.Error{Kind: model.ErrEngineRejected}
		}
		return timed("second try", 0, 3), nil
	}))
	h.uploaded(t, "job-1", "")
	if _, err := h.orch.StartProcessing(context.Background(), "job-1"); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	if _, err := h.orch.StartProcessing(context.Background(), "job-1"); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected failed job to require retry, got %v", err)
	}
	job, err := h.orch.Retry(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.State != model.StateDone || job.ErrorReason != nil || *job.DurationSeconds != 3 {
		t.Fatalf("unexpected job after retry %+v", job)
	}
	if _, err := h.orch.Retry(context.Background(), "job-1"); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected retry of a done job to conflict, got %v", err)
	}
	if st := h.job(t, "job-1").State; st != model.StateDone {
		t.Fatalf("done must be final, got %s", st)
	}
}

func TestResultPathIsFreshPerAttempt(t *testing.T) {
	a := ResultPath("job-1", time.UnixMilli(1000))
	b := ResultPath("job-1", time.UnixMilli(2000))
	if a == b || !strings.HasPrefix(a, "job-1/") || !strings.HasSuffix(a, "-result.json") {
		t.Fatalf("unexpected result paths %s %s", a, b)
	}
}

// Package pipeline drives one job from uploaded to a terminal state: sign the
// audio, transcribe, correct, validate, persist the result and record it.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ScribeDrop/internal/corrections"
	"github.com/dharsanguruparan/ScribeDrop/internal/events"
	"github.com/dharsanguruparan/ScribeDrop/internal/lock"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/metrics"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// JobStore is the slice of the job repository the orchestrator mutates.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkCompleted(ctx context.Context, id string, c model.Completion) error
	ResetForRetry(ctx context.Context, id string) error
}

// BlobStore signs audio reads and writes results.
type BlobStore interface {
	Put(ctx context.Context, bucket model.Bucket, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, bucket model.Bucket, key string) error
	SignRead(ctx context.Context, bucket model.Bucket, key string, ttl time.Duration) (string, error)
}

// Transcriber is the engine adapter.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL, language string) (*model.Transcript, error)
}

// RuleSource lists a doctor's correction rules.
type RuleSource interface {
	ListRules(ctx context.Context, doctorID string) ([]corrections.Rule, error)
}

// Locker guards a job against concurrent processing.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Release, error)
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Config tunes one orchestrator.
type Config struct {
	Language  string
	SignedTTL time.Duration
	LockTTL   time.Duration
}

// Deps groups the collaborators.
type Deps struct {
	Jobs      JobStore
	Blobs     BlobStore
	Engine    Transcriber
	Rules     RuleSource
	Locker    Locker
	Publisher Publisher
	Metrics   *metrics.Metrics
}

// failureTimeout bounds the detached writes that record a failure.
const failureTimeout = 10 * time.Second

// Orchestrator runs processing attempts.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New builds an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SignedTTL <= 0 {
		cfg.SignedTTL = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 20 * time.Minute
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

// StartProcessing runs one attempt for jobID and returns the job as stored
// afterwards. A job without audio fails with model.ErrMissingAudio and is not
// touched; a concurrent attempt yields model.ErrAlreadyProcessing. Every other
// failure leaves the job in error and is returned as *StageError.
func (o *Orchestrator) StartProcessing(ctx context.Context, jobID string) (*model.Job, error) {
	log := logging.WithJob("pipeline", jobID)

	release, err := o.acquire(ctx, jobID, log)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := o.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AudioPath == "" {
		return nil, fmt.Errorf("%w: job %s", model.ErrMissingAudio, jobID)
	}
	if err := o.deps.Jobs.MarkRunning(ctx, jobID); err != nil {
		return nil, err
	}

	start := time.Now()
	o.deps.Metrics.ProcessingLive.Inc()
	defer o.deps.Metrics.ProcessingLive.Dec()
	log.Info().Msg("processing started")

	completion, stageErr := o.run(ctx, job, log)
	if stageErr != nil {
		o.fail(ctx, job, stageErr, log)
		o.deps.Metrics.RecordProcessing("error", time.Since(start).Seconds())
		return nil, stageErr
	}

	o.publish(ctx, events.Event{
		Type:            events.TypeJobDone,
		JobID:           jobID,
		DoctorID:        job.DoctorID,
		State:           model.StateDone,
		ResultPath:      completion.ResultPath,
		DurationSeconds: completion.DurationSeconds,
	}, log)
	o.deps.Metrics.RecordProcessing("done", time.Since(start).Seconds())
	log.Info().
		Str("resultPath", completion.ResultPath).
		Dur("elapsed", time.Since(start)).
		Msg("processing finished")
	return o.deps.Jobs.Get(ctx, jobID)
}

// Retry resets a failed job to uploaded and runs a fresh attempt.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*model.Job, error) {
	if err := o.deps.Jobs.ResetForRetry(ctx, jobID); err != nil {
		return nil, err
	}
	log := logging.WithJob("pipeline", jobID)
	log.Info().Msg("job reset for retry")
	return o.StartProcessing(ctx, jobID)
}

func (o *Orchestrator) acquire(ctx context.Context, jobID string, log zerolog.Logger) (lock.Release, error) {
	noop := func() {}
	if o.deps.Locker == nil {
		return noop, nil
	}
	release, err := o.deps.Locker.Acquire(ctx, lock.KeyForJob(jobID), o.cfg.LockTTL)
	switch {
	case errors.Is(err, lock.ErrLocked):
		o.deps.Metrics.RecordLock("held")
		return nil, fmt.Errorf("%w: job %s", model.ErrAlreadyProcessing, jobID)
	case err != nil:
		// The lock only guards against duplicate triggers; the conditional
		// row updates still keep the job consistent without it.
		o.deps.Metrics.RecordLock("error")
		log.Warn().Err(err).Msg("processing lock unavailable, continuing without it")
		return noop, nil
	}
	o.deps.Metrics.RecordLock("acquired")
	return release, nil
}

// run executes the stages after the job is running. A panic in any stage is
// converted into a StageError for the stage that was executing.
func (o *Orchestrator) run(ctx context.Context, job *model.Job, log zerolog.Logger) (completion *model.Completion, stageErr *StageError) {
	stage := StageSign
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stage", stage).Interface("panic", r).Msg("processing panicked")
			completion = nil
			stageErr = &StageError{Stage: stage, Reason: "internal error", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	audioURL, err := o.deps.Blobs.SignRead(ctx, model.BucketAudio, job.AudioPath, o.cfg.SignedTTL)
	if err != nil {
		return nil, stageError(stage, err)
	}

	stage = StageTranscribe
	transcript, err := o.deps.Engine.Transcribe(ctx, audioURL, o.cfg.Language)
	if err != nil {
		return nil, stageError(stage, err)
	}

	stage = StageCorrections
	rules, err := o.deps.Rules.ListRules(ctx, job.DoctorID)
	if err != nil {
		return nil, stageError(stage, fmt.Errorf("load correction rules: %w", err))
	}
	corrector := corrections.Compile(rules)
	transcript.MapText(corrector.Apply)
	log.Debug().Int("rules", corrector.Len()).Int("segments", len(transcript.Segments)).Msg("corrections applied")

	stage = StageValidate
	if err := transcript.Validate(); err != nil {
		return nil, stageError(stage, err)
	}

	stage = StagePersist
	data, err := json.Marshal(transcript)
	if err != nil {
		return nil, stageError(stage, fmt.Errorf("encode transcript: %w", err))
	}
	now := o.now()
	resultPath := ResultPath(job.ID, now)
	if err := o.deps.Blobs.Put(ctx, model.BucketResults, resultPath, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return nil, stageError(stage, err)
	}

	stage = StageFinalize
	c := model.Completion{
		ResultPath:      resultPath,
		DurationSeconds: transcript.Duration(),
		ProcessedAt:     now,
	}
	if err := o.deps.Jobs.MarkCompleted(ctx, job.ID, c); err != nil {
		// The row does not reference the new blob, so it would be orphaned.
		o.deleteOrphan(ctx, resultPath, log)
		return nil, stageError(stage, err)
	}
	return &c, nil
}

// fail records the failure on the job row. It runs detached from the
// caller's context so a cancelled request still leaves the job in error.
func (o *Orchestrator) fail(ctx context.Context, job *model.Job, stageErr *StageError, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()

	log.Error().
		Str("stage", stageErr.Stage).
		Str("reason", stageErr.Reason).
		Msg("processing failed")
	if err := o.deps.Jobs.MarkFailed(ctx, job.ID, stageErr.Reason); err != nil {
		if errors.Is(err, model.ErrStateConflict) || errors.Is(err, model.ErrNotFound) {
			// Already failed by the watchdog, or deleted meanwhile.
			log.Info().Err(err).Msg("job moved on before failure was recorded")
			return
		}
		log.Error().Err(err).Msg("could not record failure")
		return
	}
	o.publish(ctx, events.Event{
		Type:     events.TypeJobError,
		JobID:    job.ID,
		DoctorID: job.DoctorID,
		State:    model.StateError,
		Reason:   stageErr.Reason,
	}, log)
}

func (o *Orchestrator) deleteOrphan(ctx context.Context, resultPath string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()
	if err := o.deps.Blobs.Delete(ctx, model.BucketResults, resultPath); err != nil {
		log.Warn().Err(err).Str("resultPath", resultPath).Msg("could not delete orphaned result")
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event, log zerolog.Logger) {
	if o.deps.Publisher == nil {
		return
	}
	if err := o.deps.Publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("type", ev.Type).Msg("event not published")
	}
}

// ResultPath is the fresh per-attempt result key. Keys stay under the job id
// prefix so deletion can sweep every attempt.
func ResultPath(jobID string, at time.Time) string {
	return fmt.Sprintf("%s/%d-result.json", jobID, at.UnixMilli())
}

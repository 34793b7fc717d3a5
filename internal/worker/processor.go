package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
	"github.com/dharsanguruparan/ScribeDrop/internal/queue"
	"github.com/dharsanguruparan/ScribeDrop/internal/watchdog"
)

// Pipeline runs processing attempts.
type Pipeline interface {
	StartProcessing(ctx context.Context, jobID string) (*model.Job, error)
}

// Sweeper runs the watchdog.
type Sweeper interface {
	SweepStale(ctx context.Context, thresholdMinutes int) (*watchdog.Report, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	pipeline       Pipeline
	sweeper        Sweeper
	defaultMinutes int
}

// NewProcessor constructs a worker processor. defaultMinutes applies to
// sweep tasks that carry no threshold.
func NewProcessor(pipeline Pipeline, sweeper Sweeper, defaultMinutes int) *Processor {
	return &Processor{pipeline: pipeline, sweeper: sweeper, defaultMinutes: defaultMinutes}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessJobTask, p.handleProcess)
	mux.HandleFunc(queue.SweepTask, p.handleSweep)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	log := logging.WithJob("worker", payload.JobID)
	_, err := p.pipeline.StartProcessing(ctx, payload.JobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrAlreadyProcessing):
		// Another attempt owns the job; this trigger is a duplicate.
		log.Info().Msg("job already processing, dropping task")
		return nil
	default:
		// The job row already carries the failure; retrying is explicit.
		log.Warn().Err(err).Msg("processing task failed")
		return fmt.Errorf("process job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
}

func (p *Processor) handleSweep(ctx context.Context, task *asynq.Task) error {
	var payload queue.SweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	minutes := payload.ThresholdMinutes
	if minutes <= 0 {
		minutes = p.defaultMinutes
	}
	if _, err := p.sweeper.SweepStale(ctx, minutes); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}

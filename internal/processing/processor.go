// Package processing runs processing attempts on an in-process worker pool.
// It backs async processing when no Redis queue is configured.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// ErrQueueFull is returned when the buffer has no room for another job.
var ErrQueueFull = errors.New("processing queue full")

// Pipeline runs one attempt.
type Pipeline interface {
	StartProcessing(ctx context.Context, jobID string) (*model.Job, error)
}

// Processor consumes job ids and hands them to the pipeline.
type Processor struct {
	pipeline Pipeline
	queue    chan string
	workers  int
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup
}

// New builds a Processor with queue capacity tied to worker count.
func New(pipeline Pipeline, workers int) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		pipeline: pipeline,
		queue:    make(chan string, workers*4),
		workers:  workers,
		log:      logging.WithComponent("processing"),
		pending:  make(map[string]struct{}),
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Enqueue queues an attempt for jobID. A job that is already queued is
// rejected with model.ErrAlreadyProcessing.
func (p *Processor) Enqueue(ctx context.Context, jobID string) (string, error) {
	p.mu.Lock()
	if _, ok := p.pending[jobID]; ok {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: job %s already queued", model.ErrAlreadyProcessing, jobID)
	}
	p.pending[jobID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- jobID:
		return "local:" + jobID, nil
	case <-ctx.Done():
		p.done(jobID)
		return "", ctx.Err()
	default:
		p.done(jobID)
		p.log.Warn().Str("jobId", jobID).Msg("processor queue full, rejecting job")
		return "", ErrQueueFull
	}
}

func (p *Processor) done(jobID string) {
	p.mu.Lock()
	delete(p.pending, jobID)
	p.mu.Unlock()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.process(ctx, jobID)
		}
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	defer p.done(jobID)
	job, err := p.pipeline.StartProcessing(ctx, jobID)
	if err != nil {
		p.log.Warn().Err(err).Str("jobId", jobID).Msg("background processing failed")
		return
	}
	p.log.Info().Str("jobId", jobID).Str("state", string(job.State)).Msg("background processing finished")
}

package processing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

type blockingPipeline struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
	calls   chan string
}

func (b *blockingPipeline) StartProcessing(ctx context.Context, jobID string) (*model.Job, error) {
	b.mu.Lock()
	b.started = append(b.started, jobID)
	b.mu.Unlock()
	b.calls <- jobID
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.Job{ID: jobID, State: model.StateDone}, nil
}

func TestEnqueueRunsPipeline(t *testing.T) {
	pipe := &blockingPipeline{release: make(chan struct{}), calls: make(chan string, 4)}
	close(pipe.release)
	ctx, cancel := context.WithCancel(context.Background())
	p := New(pipe, 1)
	p.Start(ctx)

	taskID, err := p.Enqueue(ctx, "job-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if taskID != "local:job-1" {
		t.Fatalf("unexpected task id %q", taskID)
	}
	select {
	case id := <-pipe.calls:
		if id != "job-1" {
			t.Fatalf("expected job-1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline was not called")
	}
	cancel()
	p.Wait()
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	pipe := &blockingPipeline{release: make(chan struct{}), calls: make(chan string, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(pipe, 1)
	p.Start(ctx)

	if _, err := p.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-pipe.calls
	if _, err := p.Enqueue(ctx, "job-1"); !errors.Is(err, model.ErrAlreadyProcessing) {
		t.Fatalf("expected already processing, got %v", err)
	}
	close(pipe.release)
	cancel()
	p.Wait()
}

func TestEnqueueQueueFull(t *testing.T) {
	pipe := &blockingPipeline{release: make(chan struct{}), calls: make(chan string, 16)}
	// No workers started, so the buffer fills.
	p := New(pipe, 1)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := p.Enqueue(ctx, string(rune('a'+i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := p.Enqueue(ctx, "overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if _, err := p.Enqueue(ctx, "overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("rejected job should not stay pending, got %v", err)
	}
}

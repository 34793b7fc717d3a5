// Package storage contains the in-memory backends: job rows, blobs,
// correction rules and the export audit. They back BACKEND=memory and serve
// as fakes in tests.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// MemoryJobStore keeps job rows in a map guarded by an RWMutex. Every
// transition is checked against the state machine the same way the
// Postgres repository's conditional UPDATEs are.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	now  func() time.Time
}

// NewMemoryJobStore constructs an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*model.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source; tests use it to age rows.
func (m *MemoryJobStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create inserts a new job.
func (m *MemoryJobStore) Create(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", model.ErrStateConflict, job.ID)
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = model.StateCreated
	}
	rec := *job
	m.jobs[job.ID] = &rec
	return nil
}

// Get returns a copy of the row.
func (m *MemoryJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	out := *rec
	return &out, nil
}

// update applies fn under the write lock when the row is in one of from.
func (m *MemoryJobStore) update(id string, from []model.JobState, fn func(rec *model.Job, now time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	allowed := false
	for _, st := range from {
		if rec.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: job %s is %s", model.ErrStateConflict, id, rec.State)
	}
	now := m.now()
	fn(rec, now)
	rec.UpdatedAt = now
	return nil
}

// SetAudio records a new audio blob and moves the job to uploaded.
func (m *MemoryJobStore) SetAudio(_ context.Context, id, fileName, audioPath string) error {
	return m.update(id, []model.JobState{model.StateCreated, model.StateUploaded}, func(rec *model.Job, _ time.Time) {
		rec.FileName = fileName
		rec.AudioPath = audioPath
		rec.State = model.StateUploaded
	})
}

// MarkRunning moves the job to running.
func (m *MemoryJobStore) MarkRunning(_ context.Context, id string) error {
	return m.update(id, model.SourcesFor(model.StateRunning), func(rec *model.Job, _ time.Time) {
		rec.State = model.StateRunning
	})
}

// MarkFailed moves the job to error, remembering the state it failed from.
func (m *MemoryJobStore) MarkFailed(_ context.Context, id, reason string) error {
	return m.update(id, model.SourcesFor(model.StateError), func(rec *model.Job, _ time.Time) {
		rec.FailedState = rec.State
		rec.State = model.StateError
		rec.ErrorReason = &reason
	})
}

// MarkCompleted moves a running job to done with its result.
func (m *MemoryJobStore) MarkCompleted(_ context.Context, id string, c model.Completion) error {
	return m.update(id, model.SourcesFor(model.StateDone), func(rec *model.Job, _ time.Time) {
		path := c.ResultPath
		processed := c.ProcessedAt
		rec.State = model.StateDone
		rec.ResultPath = &path
		rec.DurationSeconds = c.DurationSeconds
		rec.ProcessedAt = &processed
		rec.ErrorReason = nil
		rec.FailedState = ""
	})
}

// ResetForRetry moves an errored job back to uploaded and clears the
// previous attempt's outcome.
func (m *MemoryJobStore) ResetForRetry(_ context.Context, id string) error {
	return m.update(id, []model.JobState{model.StateError}, func(rec *model.Job, _ time.Time) {
		rec.State = model.StateUploaded
		rec.ResultPath = nil
		rec.ErrorReason = nil
		rec.FailedState = ""
		rec.ProcessedAt = nil
		rec.DurationSeconds = nil
	})
}

// Delete removes the row.
func (m *MemoryJobStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	delete(m.jobs, id)
	return nil
}

// ListRunningOlderThan returns running jobs created before cutoff, oldest
// first.
func (m *MemoryJobStore) ListRunningOlderThan(_ context.Context, cutoff time.Time) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Job
	for _, rec := range m.jobs {
		if rec.State == model.StateRunning && rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

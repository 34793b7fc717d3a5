package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

const (
	// ProcessJobTask runs one processing attempt for an uploaded job.
	ProcessJobTask = "job:process"
	// SweepTask runs the watchdog on a schedule.
	SweepTask = "job:sweep"
)

// ProcessPayload names the job to process.
type ProcessPayload struct {
	JobID string `json:"job_id"`
}

// SweepPayload carries the staleness threshold; zero means the worker's
// configured default.
type SweepPayload struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}

// Enqueuer is the part of *asynq.Client used to enqueue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector used to clear finished
// process tasks whose ids are still reserved.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// processQueue is the asynq queue process tasks are enqueued on.
const processQueue = "default"

// ProcessTaskID is the task id reserved for jobID.
func ProcessTaskID(jobID string) string {
	return "process:" + jobID
}

// EnqueueProcess schedules a processing attempt. Failed attempts are not
// retried by the queue; retry is an explicit operation. The task id is derived
// from the job so a second trigger while one is pending is rejected. An
// archived or completed task holding the id is deleted first when inspector
// is set.
func EnqueueProcess(ctx context.Context, client Enqueuer, inspector TaskInspector, jobID string) (string, error) {
	data, err := json.Marshal(ProcessPayload{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	taskID := ProcessTaskID(jobID)
	enqueue := func() (*asynq.TaskInfo, error) {
		task := asynq.NewTask(ProcessJobTask, data)
		return client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.TaskID(taskID), asynq.Queue(processQueue))
	}
	info, err := enqueue()
	if errors.Is(err, asynq.ErrTaskIDConflict) && clearFinished(inspector, taskID) {
		info, err = enqueue()
	}
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", fmt.Errorf("%w: job %s already queued", model.ErrAlreadyProcessing, jobID)
		}
		return "", fmt.Errorf("enqueue process task: %w", err)
	}
	return info.ID, nil
}

// clearFinished deletes taskID when it no longer represents queued work.
func clearFinished(inspector TaskInspector, taskID string) bool {
	if inspector == nil {
		return false
	}
	info, err := inspector.GetTaskInfo(processQueue, taskID)
	if err != nil {
		return false
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false
	}
	return inspector.DeleteTask(processQueue, taskID) == nil
}

// NewSweepTask builds the task registered with the scheduler.
func NewSweepTask(thresholdMinutes int) (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{ThresholdMinutes: thresholdMinutes})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(SweepTask, data, asynq.MaxRetry(0)), nil
}

// ProcessQueue adapts an asynq client to the API's enqueue surface.
type ProcessQueue struct {
	client    Enqueuer
	inspector TaskInspector
}

// NewProcessQueue wraps client. inspector may be nil.
func NewProcessQueue(client Enqueuer, inspector TaskInspector) *ProcessQueue {
	return &ProcessQueue{client: client, inspector: inspector}
}

// Enqueue schedules a processing attempt for jobID.
func (q *ProcessQueue) Enqueue(ctx context.Context, jobID string) (string, error) {
	return EnqueueProcess(ctx, q.client, q.inspector, jobID)
}

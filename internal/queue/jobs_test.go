package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
	// conflicts makes the first n calls fail with ErrTaskIDConflict.
	conflicts int
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.conflicts > 0 {
		f.conflicts--
		return nil, asynq.ErrTaskIDConflict
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "process:j1", Type: task.Type()}, nil
}

func TestEnqueueProcess(t *testing.T) {
	client := &fakeEnqueuer{}
	id, err := EnqueueProcess(context.Background(), client, nil, "j1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "process:j1" || len(client.tasks) != 1 || client.tasks[0].Type() != ProcessJobTask {
		t.Fatalf("unexpected enqueue %s %+v", id, client.tasks)
	}
	var payload ProcessPayload
	if err := json.Unmarshal(client.tasks[0].Payload(), &payload); err != nil || payload.JobID != "j1" {
		t.Fatalf("unexpected payload %s", client.tasks[0].Payload())
	}
}

func TestEnqueueProcessDuplicate(t *testing.T) {
	client := &fakeEnqueuer{err: asynq.ErrTaskIDConflict}
	if _, err := EnqueueProcess(context.Background(), client, nil, "j1"); !errors.Is(err, model.ErrAlreadyProcessing) {
		t.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}
}

type fakeInspector struct {
	state   asynq.TaskState
	err     error
	deleted []string
}

func (f *fakeInspector) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: f.state}, nil
}

func (f *fakeInspector) DeleteTask(queue, id string) error {
	f.deleted = append(f.deleted, queue+"/"+id)
	return nil
}

func TestEnqueueProcessReplacesFinishedTask(t *testing.T) {
	for _, state := range []asynq.TaskState{asynq.TaskStateArchived, asynq.TaskStateCompleted} {
		client := &fakeEnqueuer{conflicts: 1}
		inspector := &fakeInspector{state: state}
		id, err := EnqueueProcess(context.Background(), client, inspector, "j1")
		if err != nil {
			t.Fatalf("%s: enqueue: %v", state, err)
		}
		if id != "process:j1" || len(client.tasks) != 1 {
			t.Fatalf("%s: expected task re-enqueued, got %s %d", state, id, len(client.tasks))
		}
		if len(inspector.deleted) != 1 || inspector.deleted[0] != "default/process:j1" {
			t.Fatalf("%s: expected finished task deleted, got %v", state, inspector.deleted)
		}
	}
}

func TestEnqueueProcessKeepsQueuedTask(t *testing.T) {
	for _, state := range []asynq.TaskState{asynq.TaskStatePending, asynq.TaskStateActive} {
		client := &fakeEnqueuer{conflicts: 1}
		inspector := &fakeInspector{state: state}
		if _, err := EnqueueProcess(context.Background(), client, inspector, "j1"); !errors.Is(err, model.ErrAlreadyProcessing) {
			t.Fatalf("%s: expected ErrAlreadyProcessing, got %v", state, err)
		}
		if len(inspector.deleted) != 0 {
			t.Fatalf("%s: queued task must not be deleted", state)
		}
	}
	client := &fakeEnqueuer{conflicts: 1}
	inspector := &fakeInspector{err: errors.New("redis down")}
	if _, err := EnqueueProcess(context.Background(), client, inspector, "j1"); !errors.Is(err, model.ErrAlreadyProcessing) {
		t.Fatalf("expected ErrAlreadyProcessing when inspection fails, got %v", err)
	}
}

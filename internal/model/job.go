// Package model contains the job record, its lifecycle states, and the
// transcript document shared across packages.
package model

import (
	"time"
)

// JobState is the stored lifecycle state of a transcription job.
type JobState string

const (
	StateCreated  JobState = "created"
	StateUploaded JobState = "uploaded"
	StateRunning  JobState = "running"
	StateDone     JobState = "done"
	StateError    JobState = "error"
)

// progressOrder is the ordered happy path used for the coarse progress value.
var progressOrder = []JobState{StateCreated, StateUploaded, StateRunning, StateDone}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case StateCreated, StateUploaded, StateRunning, StateDone, StateError:
		return true
	}
	return false
}

// IsTerminal reports whether s ends a processing attempt.
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// Progress maps a state onto 0..100 by its index in the happy path. The value
// is a display aid only. StateError has no position of its own and reports 0;
// callers that know the failing stage use ProgressAt instead.
func (s JobState) Progress() int {
	for i, st := range progressOrder {
		if st == s {
			return i * 100 / (len(progressOrder) - 1)
		}
	}
	return 0
}

// CanTransition enforces the allowed job state machine edges. Re-entering
// uploaded (audio replaced) and running (duplicate trigger) is allowed; done
// is final.
func CanTransition(from, to JobState) bool {
	switch from {
	case StateCreated:
		return to == StateUploaded
	case StateUploaded:
		return to == StateUploaded || to == StateRunning || to == StateError
	case StateRunning:
		return to == StateRunning || to == StateDone || to == StateError
	case StateError:
		return to == StateUploaded
	default:
		return false
	}
}

// SourcesFor lists every state from which a transition into to is allowed.
// Repositories use it to make row updates conditional.
func SourcesFor(to JobState) []JobState {
	var out []JobState
	for _, from := range []JobState{StateCreated, StateUploaded, StateRunning, StateDone, StateError} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Job holds one audio-to-transcript work unit. Pointer fields are nullable
// columns; omitempty drops them from JSON when unset.
type Job struct {
	ID              string     `json:"id"`
	DoctorID        string     `json:"doctorId,omitempty"`
	FileName        string     `json:"fileName,omitempty"`
	AudioPath       string     `json:"audioPath,omitempty"`
	ResultPath      *string    `json:"resultPath,omitempty"`
	State           JobState   `json:"state"`
	FailedState     JobState   `json:"failedState,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	ErrorReason     *string    `json:"errorReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
}

// Progress returns the coarse progress for the job. A failed job keeps the
// value of the stage it failed from; rows written before failed_state existed
// fall back to whether audio had been uploaded.
func (j *Job) Progress() int {
	if j.State != StateError {
		return j.State.Progress()
	}
	if j.FailedState != "" && j.FailedState != StateError {
		return j.FailedState.Progress()
	}
	if j.AudioPath != "" {
		return StateUploaded.Progress()
	}
	return StateCreated.Progress()
}

// Completion carries the fields written when a job reaches done.
type Completion struct {
	ResultPath      string
	DurationSeconds *float64
	ProcessedAt     time.Time
}

// Bucket names one of the two logical blob buckets.
type Bucket string

const (
	BucketAudio   Bucket = "audio"
	BucketResults Bucket = "results"
)

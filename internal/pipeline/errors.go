package pipeline

import "fmt"

// Stage names, in execution order.
const (
	StageSign        = "sign"
	StageTranscribe  = "transcribe"
	StageCorrections = "corrections"
	StageValidate    = "validate"
	StagePersist     = "persist"
	StageFinalize    = "finalize"
)

// StageError is returned when a processing attempt lands in error. Reason is
// the text stored on the job row.
type StageError struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Reason: err.Error(), Err: err}
}

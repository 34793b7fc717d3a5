package model

import "errors"

// Sentinel errors shared by the stores, the pipeline and the HTTP layer.
// Callers compare with errors.Is; wrapped context is added with %w.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrNotReady          = errors.New("result not ready")
	ErrMissingAudio      = errors.New("job has no uploaded audio")
	ErrStateConflict     = errors.New("job state does not allow this transition")
	ErrAlreadyProcessing = errors.New("job is already being processed")
	ErrStorage           = errors.New("storage error")
	ErrInvalidTranscript = errors.New("invalid transcript")
	ErrDownloadFailed    = errors.New("audio download failed")
	ErrEngineRejected    = errors.New("engine rejected request")
	ErrEngineUnavailable = errors.New("engine unavailable")
)

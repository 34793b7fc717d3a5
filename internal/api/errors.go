package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
	"github.com/dharsanguruparan/ScribeDrop/internal/pipeline"
	"github.com/dharsanguruparan/ScribeDrop/internal/processing"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrMissingAudio):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotReady),
		errors.Is(err, model.ErrStateConflict),
		errors.Is(err, model.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidTranscript):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEngineRejected),
		errors.Is(err, model.ErrEngineUnavailable),
		errors.Is(err, model.ErrDownloadFailed):
		return http.StatusBadGateway
	case errors.Is(err, processing.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are logged
// and reported generically.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		body.Stage = stageErr.Stage
		body.Reason = stageErr.Reason
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if stageErr == nil {
			body.Error = "internal error"
		}
	}
	respondJSON(w, status, body)
}

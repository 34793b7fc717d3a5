package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

type createRequest struct {
	DoctorID string `json:"doctorId"`
}

// jobView is a job with its derived progress.
type jobView struct {
	*model.Job
	Progress int `json:"progress"`
}

func toResponse(j *model.Job) jobView {
	return jobView{Job: j, Progress: j.Progress()}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, 64*1024))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.respondError(w, r, fmt.Errorf("%w: invalid json body", model.ErrValidation))
			return
		}
	}
	job, err := s.deps.Jobs.Create(r.Context(), req.DoctorID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toResponse(job))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponse(job))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Jobs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	body, err := s.deps.Jobs.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Jobs.Integrity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProcess runs the pipeline inline, or hands it to the queue when
// async=true and a queue is configured.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async && s.deps.Queue != nil {
		job, err := s.deps.Jobs.Get(ctx, id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if job.AudioPath == "" {
			s.respondError(w, r, fmt.Errorf("%w: %s", model.ErrMissingAudio, id))
			return
		}
		taskID, err := s.deps.Queue.Enqueue(ctx, id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{
			"jobId":  id,
			"taskId": taskID,
			"state":  string(job.State),
		})
		return
	}
	job, err := s.deps.Pipeline.StartProcessing(ctx, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponse(job))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Pipeline.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponse(job))
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	minutes := s.cfg.WatchdogMinutes
	if raw := strings.TrimSpace(r.URL.Query().Get("minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, r, fmt.Errorf("%w: minutes must be a positive integer", model.ErrValidation))
			return
		}
		minutes = n
	}
	report, err := s.deps.Watchdog.SweepStale(r.Context(), minutes)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Package api exposes the job pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/jobs"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
	"github.com/dharsanguruparan/ScribeDrop/internal/watchdog"
)

// JobService is the job operations surface.
type JobService interface {
	Create(ctx context.Context, doctorID string) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Upload(ctx context.Context, up jobs.Upload) (*jobs.UploadResult, error)
	GetStatus(ctx context.Context, id string) (*jobs.Status, error)
	GetResult(ctx context.Context, id string) ([]byte, error)
	Integrity(ctx context.Context, id string) (*jobs.Integrity, error)
	Delete(ctx context.Context, id string) error
}

// Pipeline runs processing attempts synchronously.
type Pipeline interface {
	StartProcessing(ctx context.Context, jobID string) (*model.Job, error)
	Retry(ctx context.Context, jobID string) (*model.Job, error)
}

// Sweeper runs the watchdog on demand.
type Sweeper interface {
	SweepStale(ctx context.Context, thresholdMinutes int) (*watchdog.Report, error)
}

// EngineHealth probes the transcription engine.
type EngineHealth interface {
	Ping(ctx context.Context) (int, []byte, error)
}

// Enqueuer hands a processing attempt to the background queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) (string, error)
}

// SignedBlobs serves HMAC-signed blob links for the memory backend.
type SignedBlobs interface {
	Open(bucket model.Bucket, key string) ([]byte, string, error)
	Verify(bucket, key, expires, signature string) bool
}

// Deps groups the server's collaborators. Queue and Blobs may be nil.
type Deps struct {
	Jobs     JobService
	Pipeline Pipeline
	Watchdog Sweeper
	Engine   EngineHealth
	Queue    Enqueuer
	Blobs    SignedBlobs
}

// Server exposes HTTP endpoints for the job lifecycle.
type Server struct {
	cfg    *config.Config
	deps   Deps
	log    zerolog.Logger
	router http.Handler
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logging.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("address", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/healthz/engine", s.handleEngineHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Post("/watchdog", s.handleWatchdog)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Post("/upload", s.handleUpload)
			r.Post("/process", s.handleProcess)
			r.Post("/retry", s.handleRetry)
			r.Get("/status", s.handleStatus)
			r.Get("/result", s.handleResult)
			r.Get("/integrity", s.handleIntegrity)
		})
	})
	r.Get("/blobs/{bucket}/*", s.handleDownload)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	code, body, err := s.deps.Engine.Ping(ctx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if code < 200 || code > 299 {
		status = http.StatusBadGateway
	}
	resp := map[string]any{"engineStatus": code}
	if json.Valid(body) {
		resp["engine"] = json.RawMessage(body)
	} else if len(body) > 0 {
		resp["engine"] = string(body)
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	// Headers must be set before WriteHeader.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log := logging.WithComponent("api")
		log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("requestId", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Package engine talks to the external transcription engine over HTTP. The
// engine's accepted request shape is not known in advance, so Transcribe walks
// an ordered list of request encodings until one succeeds.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/metrics"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

const (
	primaryPath   = "/transcribe"
	alternatePath = "/transcribe-upload"
	healthPath    = "/health"

	errorSnippetBytes = 512
)

// Transcriber is implemented by the HTTP adapter and the mock engine.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL, language string) (*model.Transcript, error)
	Ping(ctx context.Context) (int, []byte, error)
}

// Config configures the HTTP adapter.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MaxAudioBytes int64
	Client        *http.Client
	Metrics       *metrics.Metrics
}

// Adapter is stateless per call; one instance is shared by every job.
type Adapter struct {
	baseURL       string
	client        *http.Client
	maxAudioBytes int64
	metrics       *metrics.Metrics
	log           zerolog.Logger
	strategies    []strategy
}

// New builds an adapter. A zero Timeout leaves the client without a deadline.
func New(cfg Config) *Adapter {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	a := &Adapter{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		client:        client,
		maxAudioBytes: cfg.MaxAudioBytes,
		metrics:       m,
		log:           logging.WithComponent("engine"),
	}
	a.strategies = []strategy{
		{name: "json-url", send: a.postJSON},
		{name: "multipart", send: a.postMultipart(primaryPath)},
		{name: "multipart-alt", send: a.postMultipart(alternatePath)},
		{name: "octet", send: a.postOctet},
	}
	return a
}

// request carries one Transcribe call. Audio bytes are fetched lazily, once,
// and shared by every upload strategy.
type request struct {
	audioURL string
	language string
	audio    *audioPayload
}

type audioPayload struct {
	data        []byte
	contentType string
	name        string
}

type strategy struct {
	name string
	send func(ctx context.Context, req *request) (*http.Response, error)
}

// Transcribe tries each encoding in order and returns the first normalized
// result. No encoding is tried twice. A failed audio download aborts the
// cascade since every remaining strategy needs the bytes.
func (a *Adapter) Transcribe(ctx context.Context, audioURL, language string) (*model.Transcript, error) {
	req := &request{audioURL: audioURL, language: language}
	var attempts []Attempt
	for _, s := range a.strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Strategy: s.name, Kind: KindUnavailable, Err: err})
			return nil, &Error{Kind: model.ErrEngineUnavailable, Attempts: attempts}
		}
		tr, attempt := a.try(ctx, s, req)
		if attempt == nil {
			if len(attempts) > 0 {
				a.log.Info().Str("strategy", s.name).Int("failedAttempts", len(attempts)).Msg("engine fallback succeeded")
			}
			return tr, nil
		}
		attempts = append(attempts, *attempt)
		a.log.Warn().
			Str("strategy", s.name).
			Int("status", attempt.Status).
			Str("kind", string(attempt.Kind)).
			Msg("engine attempt failed")
		if attempt.Kind == KindDownload {
			return nil, &Error{Kind: model.ErrDownloadFailed, Attempts: attempts}
		}
	}
	return nil, exhausted(attempts)
}

func (a *Adapter) try(ctx context.Context, s strategy, req *request) (*model.Transcript, *Attempt) {
	start := time.Now()
	resp, err := s.send(ctx, req)
	if err != nil {
		kind := KindUnavailable
		if errors.Is(err, errDownload) {
			kind = KindDownload
		}
		a.metrics.RecordEngineAttempt(s.name, string(kind), time.Since(start).Seconds())
		return nil, &Attempt{Strategy: s.name, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetBytes))
		kind := classify(resp.StatusCode, snippet)
		a.metrics.RecordEngineAttempt(s.name, string(kind), time.Since(start).Seconds())
		return nil, &Attempt{
			Strategy: s.name,
			Status:   resp.StatusCode,
			Kind:     kind,
			Err:      fmt.Errorf("engine status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.metrics.RecordEngineAttempt(s.name, string(KindUnavailable), time.Since(start).Seconds())
		return nil, &Attempt{Strategy: s.name, Status: resp.StatusCode, Kind: KindUnavailable, Err: fmt.Errorf("read engine response: %w", err)}
	}
	tr, err := Normalize(body)
	if err != nil {
		a.metrics.RecordEngineAttempt(s.name, string(KindBadResponse), time.Since(start).Seconds())
		return nil, &Attempt{Strategy: s.name, Status: resp.StatusCode, Kind: KindBadResponse, Err: err}
	}
	a.metrics.RecordEngineAttempt(s.name, "ok", time.Since(start).Seconds())
	return tr, nil
}

// classify maps a non-2xx answer onto a failure kind.
func classify(status int, body []byte) FailureKind {
	switch {
	case status == http.StatusUnprocessableEntity && bodyRequired(body):
		return KindBodyRequired
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
		return KindRouteMissing
	case status >= 400 && status < 500:
		return KindRejected
	default:
		return KindUnavailable
	}
}

// bodyRequired detects validation errors of the form
// {"detail":[{"loc":["body","audio"],"msg":"Field required"}]}.
func bodyRequired(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "field required") && strings.Contains(lower, `"audio"`)
}

type referenceBody struct {
	URL      string `json:"url"`
	Language string `json:"language"`
}

func (a *Adapter) postJSON(ctx context.Context, req *request) (*http.Response, error) {
	payload, err := json.Marshal(referenceBody{URL: req.audioURL, Language: req.language})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+primaryPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return a.client.Do(httpReq)
}

func (a *Adapter) postMultipart(route string) func(ctx context.Context, req *request) (*http.Response, error) {
	return func(ctx context.Context, req *request) (*http.Response, error) {
		audio, err := a.download(ctx, req)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, audio.name))
		header.Set("Content-Type", audio.contentType)
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(audio.data); err != nil {
			return nil, err
		}
		if err := mw.WriteField("language", req.language); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+route, &buf)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		return a.client.Do(httpReq)
	}
}

func (a *Adapter) postOctet(ctx context.Context, req *request) (*http.Response, error) {
	audio, err := a.download(ctx, req)
	if err != nil {
		return nil, err
	}
	target := a.baseURL + primaryPath + "?language=" + url.QueryEscape(req.language)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(audio.data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	return a.client.Do(httpReq)
}

// download fetches the signed audio once per request.
func (a *Adapter) download(ctx context.Context, req *request) (*audioPayload, error) {
	if req.audio != nil {
		return req.audio, nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDownload, withoutURL(err))
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDownload, withoutURL(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", errDownload, resp.StatusCode)
	}
	var reader io.Reader = resp.Body
	if a.maxAudioBytes > 0 {
		reader = io.LimitReader(resp.Body, a.maxAudioBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDownload, err)
	}
	if a.maxAudioBytes > 0 && int64(len(data)) > a.maxAudioBytes {
		return nil, fmt.Errorf("%w: audio exceeds %d bytes", errDownload, a.maxAudioBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.audio = &audioPayload{data: data, contentType: contentType, name: audioName(req.audioURL)}
	return req.audio, nil
}

// withoutURL drops the request URL from transport errors; signed links
// carry credentials and end up in stored failure reasons otherwise.
func withoutURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}

func audioName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "audio"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "audio"
	}
	return name
}

// Ping proxies the engine health endpoint.
func (a *Adapter) Ping(ctx context.Context) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+healthPath, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", model.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

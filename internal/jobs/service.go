// Package jobs implements the job operations around processing: creation,
// audio upload, status and result reads, integrity checks and deletion.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/ScribeDrop/internal/audio"
	"github.com/dharsanguruparan/ScribeDrop/internal/events"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/metrics"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// JobStore is the slice of the job repository used here.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	SetAudio(ctx context.Context, id, fileName, audioPath string) error
	Delete(ctx context.Context, id string) error
}

// BlobStore reads and writes audio and result objects.
type BlobStore interface {
	Put(ctx context.Context, bucket model.Bucket, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket model.Bucket, key string) ([]byte, error)
	Exists(ctx context.Context, bucket model.Bucket, key string) (bool, error)
	Delete(ctx context.Context, bucket model.Bucket, key string) error
	DeletePrefix(ctx context.Context, bucket model.Bucket, prefix string) (int, error)
}

// ExportAudit records result reads.
type ExportAudit interface {
	RecordExport(ctx context.Context, jobID string) error
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// auditTimeout bounds one detached audit write.
const auditTimeout = 5 * time.Second

// Service implements the job operations.
type Service struct {
	jobs      JobStore
	blobs     BlobStore
	audit     ExportAudit
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time

	// audits tracks in-flight audit writes so shutdown can drain them.
	audits sync.WaitGroup
}

// NewService wires the service. audit and publisher may be nil.
func NewService(jobs JobStore, blobs BlobStore, audit ExportAudit, publisher Publisher) *Service {
	return &Service{
		jobs:      jobs,
		blobs:     blobs,
		audit:     audit,
		publisher: publisher,
		metrics:   metrics.DefaultMetrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new job in state created.
func (s *Service) Create(ctx context.Context, doctorID string) (*model.Job, error) {
	job := &model.Job{
		ID:       uuid.NewString(),
		DoctorID: strings.TrimSpace(doctorID),
		State:    model.StateCreated,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	s.metrics.JobsCreated.Inc()
	log := logging.WithJob("jobs", job.ID)
	log.Info().Bool("hasDoctor", job.DoctorID != "").Msg("job created")
	return job, nil
}

// Get returns the job row.
func (s *Service) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Upload is one audio file for a job.
type Upload struct {
	JobID       string
	FileName    string
	ContentType string
	Body        io.ReadSeeker
	Size        int64
}

// UploadResult reports the stored audio.
type UploadResult struct {
	Job *model.Job `json:"job"`
	// AudioSeconds is set when the upload was probed as MP3.
	AudioSeconds *float64 `json:"audioSeconds,omitempty"`
}

// Upload stores the audio blob and then points the job at it. The blob is
// written first so the row never references a missing object. A previous
// audio blob is removed afterwards.
func (s *Service) Upload(ctx context.Context, up Upload) (*UploadResult, error) {
	if strings.TrimSpace(up.JobID) == "" {
		return nil, fmt.Errorf("%w: job id is required", model.ErrValidation)
	}
	if up.Body == nil || up.Size <= 0 {
		return nil, fmt.Errorf("%w: audio file is required", model.ErrValidation)
	}
	job, err := s.jobs.Get(ctx, up.JobID)
	if err != nil {
		return nil, err
	}
	if job.State != model.StateCreated && job.State != model.StateUploaded {
		return nil, fmt.Errorf("%w: cannot upload audio to a %s job", model.ErrStateConflict, job.State)
	}
	log := logging.WithJob("jobs", job.ID)

	fileName := cleanFileName(up.FileName)
	result := &UploadResult{}
	if audio.IsMP3(fileName, up.ContentType) {
		info, err := audio.ProbeMP3(up.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
		}
		seconds := info.Seconds()
		result.AudioSeconds = &seconds
		if _, err := up.Body.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: rewind upload: %v", model.ErrStorage, err)
		}
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := AudioPath(job.ID, fileName, s.now())
	if err := s.blobs.Put(ctx, model.BucketAudio, key, up.Body, up.Size, contentType); err != nil {
		return nil, err
	}
	if err := s.jobs.SetAudio(ctx, job.ID, fileName, key); err != nil {
		s.removeBlob(ctx, model.BucketAudio, key)
		return nil, err
	}
	if job.AudioPath != "" && job.AudioPath != key {
		s.removeBlob(ctx, model.BucketAudio, job.AudioPath)
	}
	s.metrics.RecordUpload(up.Size)
	log.Info().Int64("bytes", up.Size).Str("audioPath", key).Msg("audio uploaded")

	if result.Job, err = s.jobs.Get(ctx, job.ID); err != nil {
		return nil, err
	}
	return result, nil
}

// Status is the polling projection of a job.
type Status struct {
	JobID       string         `json:"jobId"`
	State       model.JobState `json:"state"`
	Progress    int            `json:"progress"`
	ErrorReason *string        `json:"errorReason,omitempty"`
}

// GetStatus returns state and coarse progress. It never mutates the job.
func (s *Service) GetStatus(ctx context.Context, id string) (*Status, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobID:       job.ID,
		State:       job.State,
		Progress:    job.Progress(),
		ErrorReason: job.ErrorReason,
	}, nil
}

// GetResult returns the stored transcript JSON. The read is audited in the
// background; audit failures are logged and counted only.
func (s *Service) GetResult(ctx context.Context, id string) ([]byte, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.ResultPath == nil {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrNotReady, id, job.State)
	}
	data, err := s.blobs.Get(ctx, model.BucketResults, *job.ResultPath)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: result blob missing for job %s", model.ErrStorage, id)
		}
		return nil, err
	}
	s.metrics.ResultReads.Inc()
	s.recordExport(ctx, id)
	return data, nil
}

func (s *Service) recordExport(ctx context.Context, id string) {
	if s.audit == nil {
		return
	}
	s.audits.Add(1)
	go func() {
		defer s.audits.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		if err := s.audit.RecordExport(ctx, id); err != nil {
			s.metrics.AuditErrors.Inc()
			log := logging.WithJob("jobs", id)
			log.Warn().Err(err).Msg("export audit failed")
		}
	}()
}

// Wait blocks until background audit writes have finished.
func (s *Service) Wait() {
	s.audits.Wait()
}

// Integrity reports whether the blobs a job references exist.
type Integrity struct {
	JobID        string         `json:"jobId"`
	State        model.JobState `json:"state"`
	AudioPath    string         `json:"audioPath,omitempty"`
	AudioExists  bool           `json:"audioExists"`
	ResultPath   string         `json:"resultPath,omitempty"`
	ResultExists bool           `json:"resultExists"`
	Consistent   bool           `json:"consistent"`
}

// Integrity checks the job's blob references.
func (s *Service) Integrity(ctx context.Context, id string) (*Integrity, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &Integrity{JobID: job.ID, State: job.State, AudioPath: job.AudioPath, Consistent: true}
	if job.AudioPath != "" {
		if report.AudioExists, err = s.blobs.Exists(ctx, model.BucketAudio, job.AudioPath); err != nil {
			return nil, err
		}
		report.Consistent = report.AudioExists
	}
	if job.ResultPath != nil {
		report.ResultPath = *job.ResultPath
		if report.ResultExists, err = s.blobs.Exists(ctx, model.BucketResults, *job.ResultPath); err != nil {
			return nil, err
		}
		report.Consistent = report.Consistent && report.ResultExists
	}
	if (job.State == model.StateDone) != (job.ResultPath != nil) {
		report.Consistent = false
	}
	return report, nil
}

// Delete removes the job row, then every blob under the job's prefixes in
// both buckets. Blob removal is best-effort.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.jobs.Delete(ctx, id); err != nil {
		return err
	}
	log := logging.WithJob("jobs", id)
	prefix := id + "/"
	for _, bucket := range []model.Bucket{model.BucketAudio, model.BucketResults} {
		n, err := s.blobs.DeletePrefix(ctx, bucket, prefix)
		if err != nil {
			log.Warn().Err(err).Str("bucket", string(bucket)).Msg("blob cleanup incomplete")
			continue
		}
		log.Debug().Int("removed", n).Str("bucket", string(bucket)).Msg("blobs removed")
	}
	if s.publisher != nil {
		ev := events.Event{Type: events.TypeJobDeleted, JobID: id, DoctorID: job.DoctorID, State: job.State}
		if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			log.Warn().Err(err).Msg("event not published")
		}
	}
	log.Info().Msg("job deleted")
	return nil
}

func (s *Service) removeBlob(ctx context.Context, bucket model.Bucket, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), bucket, key); err != nil {
		log := logging.WithComponent("jobs")
		log.Warn().Err(err).Str("bucket", string(bucket)).Str("key", key).Msg("could not remove blob")
	}
}

// AudioPath is the key for a new audio upload.
func AudioPath(jobID, fileName string, at time.Time) string {
	return fmt.Sprintf("%s/%d-%s", jobID, at.UnixMilli(), fileName)
}

// cleanFileName keeps the base name and replaces characters that are awkward
// in object keys.
func cleanFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "audio"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

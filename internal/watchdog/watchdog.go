// Package watchdog fails jobs that have been running for too long, which
// happens when a processing attempt dies without recording its outcome.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/metrics"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// JobStore lists and fails running jobs.
type JobStore interface {
	ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]model.Job, error)
	MarkFailed(ctx context.Context, id, reason string) error
}

// Report summarises one sweep.
type Report struct {
	Checked          int `json:"checked"`
	Stale            int `json:"stale"`
	MarkedError      int `json:"markedError"`
	FailedUpdates    int `json:"failedUpdates"`
	ThresholdMinutes int `json:"thresholdMinutes"`
}

// Watchdog sweeps stale running jobs.
type Watchdog struct {
	jobs    JobStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// New constructs a watchdog.
func New(jobs JobStore) *Watchdog {
	return &Watchdog{
		jobs:    jobs,
		metrics: metrics.DefaultMetrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reason is the error_reason stored on swept jobs.
func Reason(thresholdMinutes int) string {
	return fmt.Sprintf("Watchdog: exceeded %dm", thresholdMinutes)
}

// SweepStale fails every running job created more than thresholdMinutes
// ago. Individual update failures are counted, not returned.
func (w *Watchdog) SweepStale(ctx context.Context, thresholdMinutes int) (*Report, error) {
	if thresholdMinutes <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive, got %d", model.ErrValidation, thresholdMinutes)
	}
	log := logging.WithComponent("watchdog")
	now := w.now()
	running, err := w.jobs.ListRunningOlderThan(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	threshold := time.Duration(thresholdMinutes) * time.Minute
	report := &Report{Checked: len(running), ThresholdMinutes: thresholdMinutes}
	reason := Reason(thresholdMinutes)
	for _, job := range running {
		if now.Sub(job.CreatedAt) <= threshold {
			continue
		}
		report.Stale++
		if err := w.jobs.MarkFailed(ctx, job.ID, reason); err != nil {
			report.FailedUpdates++
			log.Warn().Err(err).Str("jobId", job.ID).Msg("could not fail stale job")
			continue
		}
		report.MarkedError++
		log.Info().Str("jobId", job.ID).Time("createdAt", job.CreatedAt).Msg("stale job failed")
	}
	w.metrics.RecordSweep(report.Checked, report.MarkedError, report.FailedUpdates)
	log.Info().
		Int("checked", report.Checked).
		Int("stale", report.Stale).
		Int("markedError", report.MarkedError).
		Int("failedUpdates", report.FailedUpdates).
		Msg("sweep finished")
	return report, nil
}

// Package events publishes job lifecycle events to Kafka. With no brokers
// configured the publisher only logs.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/metrics"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// Event types.
const (
	TypeJobDone    = "job.done"
	TypeJobError   = "job.error"
	TypeJobDeleted = "job.deleted"
)

// Event is the message body. Transcript text is never included.
type Event struct {
	Type            string         `json:"type"`
	JobID           string         `json:"jobId"`
	DoctorID        string         `json:"doctorId,omitempty"`
	State           model.JobState `json:"state,omitempty"`
	ResultPath      string         `json:"resultPath,omitempty"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
}

// writer is the subset of *kafka.Writer the publisher needs.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events keyed by job id so one job's events stay ordered
// within a partition.
type Publisher struct {
	writer  writer
	topic   string
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a publisher. An empty broker list yields a log-only publisher.
func New(cfg Config) *Publisher {
	p := &Publisher{
		topic:   cfg.Topic,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("events"),
	}
	if len(cfg.Brokers) == 0 {
		p.log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher initialized")
	return p
}

// Publish sends one event. Callers treat failures as best-effort.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.metrics.RecordEvent(ev.Type, err)
		return err
	}
	p.log.Debug().
		Str("type", ev.Type).
		Str("jobId", ev.JobID).
		Msg("publishing event")
	if p.writer == nil {
		p.metrics.RecordEvent(ev.Type, nil)
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(ev.JobID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).
			Str("type", ev.Type).
			Str("jobId", ev.JobID).
			Msg("failed to write event")
		p.metrics.RecordEvent(ev.Type, err)
		return err
	}
	p.metrics.RecordEvent(ev.Type, nil)
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

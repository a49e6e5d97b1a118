// Package notify publishes batch run summaries to downstream consumers.
// Publishing is best effort: a failed publish is logged by the caller and
// never changes the outcome of the run.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/PerterPon/open-back/internal/config"
	"github.com/PerterPon/open-back/internal/models"
)

// Publisher delivers run summaries.
type Publisher interface {
	PublishSummary(ctx context.Context, summary models.ExecutionSummary) error
	Close() error
}

// RunEvent is the message body published for each run.
type RunEvent struct {
	RunID         string         `json:"run_id"`
	TotalJobs     int            `json:"total_jobs"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	TotalInserted int            `json:"total_inserted"`
	SuccessRate   float64        `json:"success_rate"`
	TotalElapsed  string         `json:"total_elapsed"`
	WallClock     string         `json:"wall_clock"`
	Failures      []FailureEvent `json:"failures,omitempty"`
	PublishedAt   time.Time      `json:"published_at"`
}

// FailureEvent describes one failed job.
type FailureEvent struct {
	JobID    string `json:"job_id"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Error    string `json:"error"`
}

// NewRunEvent flattens a summary into its published form.
func NewRunEvent(s models.ExecutionSummary, now time.Time) RunEvent {
	ev := RunEvent{
		RunID:         s.RunID,
		TotalJobs:     s.TotalJobs,
		Succeeded:     s.Succeeded,
		Failed:        s.Failed,
		TotalInserted: s.TotalInserted,
		SuccessRate:   s.SuccessRate(),
		TotalElapsed:  s.TotalElapsed.String(),
		WallClock:     s.WallClock.String(),
		PublishedAt:   now.UTC(),
	}
	for _, f := range s.Failures {
		ev.Failures = append(ev.Failures, FailureEvent{
			JobID:    f.JobID,
			Symbol:   f.Symbol,
			Interval: f.Interval.String(),
			Error:    f.ErrorMessage(),
		})
	}
	return ev
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one JSON message per run, keyed by run ID.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewKafkaPublisher creates a publisher for cfg.Topic on cfg.Brokers.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafka.Transport{
			ClientID: "open-back",
		},
	}
	return newKafkaPublisher(w, cfg.Topic, cfg.WriteTimeout, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, timeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer:  w,
		topic:   topic,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With("component", "kafka_publisher", "topic", topic),
	}
}

// PublishSummary implements Publisher.
func (p *KafkaPublisher) PublishSummary(ctx context.Context, summary models.ExecutionSummary) error {
	ev := NewRunEvent(summary, p.now())
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(summary.RunID),
		Value: value,
		Time:  ev.PublishedAt,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish run %s: %w", summary.RunID, err)
	}

	p.logger.Debug("run summary published", "run_id", summary.RunID, "bytes", len(value))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher discards summaries.
type NopPublisher struct{}

// PublishSummary implements Publisher.
func (NopPublisher) PublishSummary(context.Context, models.ExecutionSummary) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// New returns a Kafka publisher when enabled, otherwise a NopPublisher.
func New(cfg config.NotifyConfig, logger *slog.Logger) (Publisher, error) {
	if !cfg.Kafka.Enabled {
		return NopPublisher{}, nil
	}
	return NewKafkaPublisher(cfg.Kafka, logger)
}

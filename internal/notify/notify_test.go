package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PerterPon/open-back/internal/config"
	"github.com/PerterPon/open-back/internal/models"
)

type recordingWriter struct {
	msgs     []kafka.Message
	err      error
	closed   bool
	deadline bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func testSummary() models.ExecutionSummary {
	return models.ExecutionSummary{
		RunID:         "run-42",
		TotalJobs:     4,
		Succeeded:     3,
		Failed:        1,
		TotalInserted: 96,
		TotalElapsed:  4 * time.Second,
		WallClock:     2 * time.Second,
		Failures: []models.JobResult{
			{JobID: "job-1", Symbol: "DOGEUSDT", Interval: "1h", Err: errors.New("invalid symbol")},
		},
	}
}

func TestKafkaPublisher_PublishSummary(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisher(w, "runs", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	require.NoError(t, p.PublishSummary(context.Background(), testSummary()))
	require.Len(t, w.msgs, 1)
	assert.True(t, w.deadline)

	msg := w.msgs[0]
	assert.Equal(t, "run-42", string(msg.Key))
	assert.Equal(t, fixed, msg.Time)

	var ev RunEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "run-42", ev.RunID)
	assert.Equal(t, 3, ev.Succeeded)
	assert.Equal(t, 96, ev.TotalInserted)
	assert.Equal(t, 75.0, ev.SuccessRate)
	assert.Equal(t, "2s", ev.WallClock)
	require.Len(t, ev.Failures, 1)
	assert.Equal(t, FailureEvent{JobID: "job-1", Symbol: "DOGEUSDT", Interval: "1h", Error: "invalid symbol"}, ev.Failures[0])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	p := newKafkaPublisher(w, "runs", 0, nil)

	err := p.PublishSummary(context.Background(), testSummary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-42")
	assert.False(t, w.deadline)
}

func TestNew(t *testing.T) {
	pub, err := New(config.NotifyConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, pub)
	assert.NoError(t, pub.PublishSummary(context.Background(), testSummary()))

	_, err = New(config.NotifyConfig{Kafka: config.KafkaConfig{Enabled: true, Topic: "runs"}}, nil)
	assert.Error(t, err)

	pub, err = New(config.NotifyConfig{Kafka: config.KafkaConfig{
		Enabled: true,
		Brokers: []string{"localhost:9092"},
		Topic:   "runs",
	}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, pub)
	assert.NoError(t, pub.Close())
}

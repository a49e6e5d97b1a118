package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a collection job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // queued, not yet picked up by a worker
	StatusRunning   JobStatus = "running"   // owned by a worker
	StatusSucceeded JobStatus = "succeeded" // finished without error
	StatusFailed    JobStatus = "failed"    // finished with a terminal error
)

// CollectionJob is one unit of work: a single (symbol, interval) pair and the
// requested [RequestedFrom, RequestedTo) window. A job is owned by exactly one
// worker while it runs and is never shared.
type CollectionJob struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Interval      Interval  `json:"interval"`
	RequestedFrom time.Time `json:"requested_from"`
	RequestedTo   time.Time `json:"requested_to"`

	MissingWindows []Window  `json:"missing_windows,omitempty"`
	InsertedCount  int       `json:"inserted_count"`
	Discarded      int       `json:"discarded"`
	Status         JobStatus `json:"status"`
	Err            error     `json:"-"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewCollectionJob creates a pending job with a fresh ID.
func NewCollectionJob(symbol string, interval Interval, from, to time.Time) *CollectionJob {
	return &CollectionJob{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Interval:      interval,
		RequestedFrom: from.UTC(),
		RequestedTo:   to.UTC(),
		Status:        StatusPending,
	}
}

// Start transitions the job from pending to running.
func (j *CollectionJob) Start() error {
	if j.Status != StatusPending {
		return fmt.Errorf("cannot start job: current status is %s, expected %s", j.Status, StatusPending)
	}
	j.Status = StatusRunning
	j.StartedAt = time.Now().UTC()
	return nil
}

// Succeed transitions a running job to succeeded.
func (j *CollectionJob) Succeed() error {
	if j.Status != StatusRunning {
		return fmt.Errorf("cannot complete job: current status is %s, expected %s", j.Status, StatusRunning)
	}
	j.Status = StatusSucceeded
	j.FinishedAt = time.Now().UTC()
	return nil
}

// Fail transitions a running job to failed and records the cause.
func (j *CollectionJob) Fail(err error) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("cannot fail job: current status is %s, expected %s", j.Status, StatusRunning)
	}
	if err == nil {
		err = fmt.Errorf("job failed without a recorded cause")
	}
	j.Status = StatusFailed
	j.Err = err
	j.FinishedAt = time.Now().UTC()
	return nil
}

// Elapsed returns the running time of a finished job, or the time since
// start for a job still running.
func (j *CollectionJob) Elapsed() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.FinishedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// IsTerminal reports whether the job reached succeeded or failed.
func (j *CollectionJob) IsTerminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Result freezes the job outcome.
func (j *CollectionJob) Result() JobResult {
	windows := make([]Window, len(j.MissingWindows))
	copy(windows, j.MissingWindows)

	return JobResult{
		JobID:         j.ID,
		Symbol:        j.Symbol,
		Interval:      j.Interval,
		Windows:       windows,
		InsertedCount: j.InsertedCount,
		Discarded:     j.Discarded,
		Elapsed:       j.Elapsed(),
		Err:           j.Err,
	}
}

// JobResult is the immutable outcome of one CollectionJob. Err is non-nil
// exactly when the job failed.
type JobResult struct {
	JobID         string        `json:"job_id"`
	Symbol        string        `json:"symbol"`
	Interval      Interval      `json:"interval"`
	Windows       []Window      `json:"windows,omitempty"`
	InsertedCount int           `json:"inserted_count"`
	Discarded     int           `json:"discarded"`
	Elapsed       time.Duration `json:"elapsed"`
	Err           error         `json:"-"`
}

// Failed reports whether the job ended in failure.
func (r JobResult) Failed() bool {
	return r.Err != nil
}

// ErrorMessage returns the failure text, or "" for a successful job.
func (r JobResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

package models

import "time"

// ExecutionSummary aggregates the JobResults of one batch run. It is computed
// once after the run completes and is read-only afterwards.
type ExecutionSummary struct {
	RunID         string        `json:"run_id"`
	TotalJobs     int           `json:"total_jobs"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	TotalInserted int           `json:"total_inserted"`
	TotalElapsed  time.Duration `json:"total_elapsed"`
	AveragePerJob time.Duration `json:"average_per_job"`

	// WallClock is the duration of the whole batch, which is shorter than
	// TotalElapsed whenever jobs overlapped.
	WallClock time.Duration `json:"wall_clock"`

	Failures []JobResult `json:"-"`
}

// SuccessRate returns the percentage of succeeded jobs, 0 for an empty run.
func (s ExecutionSummary) SuccessRate() float64 {
	if s.TotalJobs == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.TotalJobs) * 100
}

// HasFailures reports whether any job failed.
func (s ExecutionSummary) HasFailures() bool {
	return s.Failed > 0
}

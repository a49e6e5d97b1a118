package collector

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

// Summarize aggregates job results. It does not modify its input.
func Summarize(results []models.JobResult) models.ExecutionSummary {
	s := models.ExecutionSummary{TotalJobs: len(results)}
	for _, r := range results {
		if r.Failed() {
			s.Failed++
			s.Failures = append(s.Failures, r)
		} else {
			s.Succeeded++
		}
		s.TotalInserted += r.InsertedCount
		s.TotalElapsed += r.Elapsed
	}
	if s.TotalJobs > 0 {
		s.AveragePerJob = s.TotalElapsed / time.Duration(s.TotalJobs)
	}
	return s
}

// resultCollector gathers job results from concurrent workers.
type resultCollector struct {
	mu      sync.Mutex
	results []models.JobResult
}

func (c *resultCollector) add(r models.JobResult) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func (c *resultCollector) all() []models.JobResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.JobResult, len(c.results))
	copy(out, c.results)
	return out
}

// Reporter renders execution summaries as plain text.
type Reporter struct {
	w io.Writer
}

// NewReporter creates a Reporter writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Report writes totals and the failed jobs, failures sorted by pair.
func (r *Reporter) Report(s models.ExecutionSummary) error {
	var b strings.Builder

	b.WriteString("=== Collection summary ===\n")
	if s.RunID != "" {
		fmt.Fprintf(&b, "Run:            %s\n", s.RunID)
	}
	fmt.Fprintf(&b, "Jobs:           %d\n", s.TotalJobs)
	fmt.Fprintf(&b, "Succeeded:      %d\n", s.Succeeded)
	fmt.Fprintf(&b, "Failed:         %d\n", s.Failed)
	fmt.Fprintf(&b, "Success rate:   %.1f%%\n", s.SuccessRate())
	fmt.Fprintf(&b, "Inserted:       %d candles\n", s.TotalInserted)
	fmt.Fprintf(&b, "Total elapsed:  %s\n", s.TotalElapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "Average / job:  %s\n", s.AveragePerJob.Round(time.Millisecond))
	if s.WallClock > 0 {
		fmt.Fprintf(&b, "Wall clock:     %s\n", s.WallClock.Round(time.Millisecond))
	}

	if s.HasFailures() {
		failures := make([]models.JobResult, len(s.Failures))
		copy(failures, s.Failures)
		sort.Slice(failures, func(i, j int) bool {
			if failures[i].Symbol != failures[j].Symbol {
				return failures[i].Symbol < failures[j].Symbol
			}
			return failures[i].Interval < failures[j].Interval
		})

		b.WriteString("\nFailed jobs:\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "  - %s %s: %s\n", f.Symbol, f.Interval, f.ErrorMessage())
		}
	}

	_, err := io.WriteString(r.w, b.String())
	return err
}

package models

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxWorkers is the pool size used when a request leaves MaxWorkers
// unset. It is kept small to stay inside upstream rate limits.
const DefaultMaxWorkers = 3

// BatchRequest describes one batch collection run: every symbol is collected
// at every interval over [From, To).
type BatchRequest struct {
	Symbols    []string  `json:"symbols" validate:"required,min=1,dive,required"`
	Intervals  []string  `json:"intervals" validate:"required,min=1,dive,required"`
	From       time.Time `json:"from" validate:"required"`
	To         time.Time `json:"to" validate:"required,gtfield=From"`
	MaxWorkers int       `json:"max_workers" validate:"gte=0"`
	Sequential bool      `json:"sequential"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request shape and that every interval is supported.
func (r BatchRequest) Validate() error {
	if err := structValidator().Struct(r); err != nil {
		return fmt.Errorf("invalid batch request: %w", err)
	}
	for i, s := range r.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("invalid batch request: symbol %d is blank", i)
		}
	}
	if _, err := ParseIntervals(r.Intervals); err != nil {
		return fmt.Errorf("invalid batch request: %w", err)
	}
	return nil
}

// Workers returns the effective pool size. Sequential mode is a pool of one.
func (r BatchRequest) Workers() int {
	if r.Sequential {
		return 1
	}
	if r.MaxWorkers <= 0 {
		return DefaultMaxWorkers
	}
	return r.MaxWorkers
}

// Expand produces one pending job per (symbol, interval) pair. Symbols are
// upper-cased and duplicates collapsed.
func (r BatchRequest) Expand() ([]*CollectionJob, error) {
	intervals, err := ParseIntervals(r.Intervals)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(r.Symbols))
	jobs := make([]*CollectionJob, 0, len(r.Symbols)*len(intervals))
	for _, raw := range r.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		for _, iv := range intervals {
			jobs = append(jobs, NewCollectionJob(symbol, iv, r.From, r.To))
		}
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("batch request expands to no jobs")
	}
	return jobs, nil
}

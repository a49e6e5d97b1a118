// Package storage persists validated candles. Every backend is keyed on
// (symbol, interval, open time) and ignores duplicates on insert, so a
// re-run of the same window never stores a candle twice.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

// CandleWriter stores candles.
type CandleWriter interface {
	// BulkInsert stores candles and returns how many were new. Candles whose
	// key already exists are skipped without error. The batch is applied
	// atomically per call.
	BulkInsert(ctx context.Context, candles []models.Candle) (int, error)
}

// CandleReader reads stored candles.
type CandleReader interface {
	// LatestCandleTime returns the open time of the newest stored candle for
	// the pair. ok is false when nothing is stored yet.
	LatestCandleTime(ctx context.Context, symbol string, interval models.Interval) (latest time.Time, ok bool, err error)

	// Range returns stored candles with open time in [from, to), oldest
	// first.
	Range(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Candle, error)
}

// Lifecycle covers backend setup and teardown.
type Lifecycle interface {
	// Initialize creates tables and indexes. Safe to call more than once.
	Initialize(ctx context.Context) error

	// HealthCheck performs a lightweight round trip to the backend.
	HealthCheck(ctx context.Context) error

	// Close releases connections. The store must not be used afterwards.
	Close() error
}

// CandleStore is the full store used by the collector.
type CandleStore interface {
	CandleWriter
	CandleReader
	Lifecycle
}

// StorageError describes a failed storage operation.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the table involved, if any
	Table string

	// Query is the SQL or operation detail (may be empty)
	Query string

	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for a read.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError for a write.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// checkBatch rejects candles that cannot be keyed.
func checkBatch(candles []models.Candle) error {
	for i, c := range candles {
		if c.Symbol == "" {
			return fmt.Errorf("candle at index %d has no symbol", i)
		}
		if c.Interval.Step() <= 0 {
			return fmt.Errorf("candle at index %d has invalid interval %q", i, c.Interval)
		}
		if c.OpenTime.IsZero() {
			return fmt.Errorf("candle at index %d has no open time", i)
		}
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PerterPon/open-back/internal/models"
)

type seriesKey struct {
	symbol   string
	interval models.Interval
}

// MemoryStorage keeps candles in nested maps. It is used for tests and dry
// runs; contents are lost on Close.
type MemoryStorage struct {
	mu sync.RWMutex

	// series -> open time (unix ms) -> candle
	candles map[seriesKey]map[int64]models.Candle

	closed bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[seriesKey]map[int64]models.Candle),
	}
}

// Initialize implements Lifecycle.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return nil
}

// HealthCheck implements Lifecycle.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", "", errors.New("storage is closed"))
	}
	return nil
}

// Close implements Lifecycle.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.candles = make(map[seriesKey]map[int64]models.Candle)
	return nil
}

// BulkInsert implements CandleWriter. The whole batch is applied under one
// lock, so concurrent inserts of the same pair cannot double count.
func (m *MemoryStorage) BulkInsert(ctx context.Context, candles []models.Candle) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewInsertError("candles", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}
	if err := checkBatch(candles); err != nil {
		return 0, NewInsertError("candles", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewInsertError("candles", errors.New("storage is closed"))
	}

	inserted := 0
	for _, c := range candles {
		key := seriesKey{symbol: c.Symbol, interval: c.Interval}
		series, ok := m.candles[key]
		if !ok {
			series = make(map[int64]models.Candle)
			m.candles[key] = series
		}

		ts := c.OpenTime.UnixMilli()
		if _, exists := series[ts]; exists {
			continue
		}
		c.OpenTime = c.OpenTime.UTC()
		series[ts] = c
		inserted++
	}
	return inserted, nil
}

// LatestCandleTime implements CandleReader.
func (m *MemoryStorage) LatestCandleTime(ctx context.Context, symbol string, interval models.Interval) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return time.Time{}, false, NewQueryError("candles", "latest", errors.New("storage is closed"))
	}

	series := m.candles[seriesKey{symbol: symbol, interval: interval}]
	if len(series) == 0 {
		return time.Time{}, false, nil
	}

	var latest int64
	first := true
	for ts := range series {
		if first || ts > latest {
			latest = ts
			first = false
		}
	}
	return time.UnixMilli(latest).UTC(), true, nil
}

// Range implements CandleReader.
func (m *MemoryStorage) Range(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Candle, error) {
	if !from.Before(to) {
		return nil, NewQueryError("candles", "range", fmt.Errorf("from %s must be before to %s", from, to))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("candles", "range", errors.New("storage is closed"))
	}

	series := m.candles[seriesKey{symbol: symbol, interval: interval}]
	out := make([]models.Candle, 0)
	for _, c := range series {
		if !c.OpenTime.Before(from) && c.OpenTime.Before(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

// Count returns the number of stored candles for a pair.
func (m *MemoryStorage) Count(symbol string, interval models.Interval) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candles[seriesKey{symbol: symbol, interval: interval}])
}

var _ CandleStore = (*MemoryStorage)(nil)

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PerterPon/open-back/internal/models"
)

var seriesStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestCandles builds count consecutive candles starting at start.
func createTestCandles(symbol string, interval models.Interval, count int, start time.Time) []models.Candle {
	step := interval.Step()
	candles := make([]models.Candle, count)
	for i := 0; i < count; i++ {
		open := 42000.0 + float64(i)*10
		candles[i] = models.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: start.Add(time.Duration(i) * step),
			Open:     open,
			High:     open + 50,
			Low:      open - 50,
			Close:    open + 5,
			Volume:   100 + float64(i),
			Extra:    fmt.Sprintf(`{"trades":%d}`, i),
			Comment:  "test",
		}
	}
	return candles
}

// backends returns a fresh, initialized store per backend.
func backends(t *testing.T) map[string]CandleStore {
	t.Helper()
	ctx := context.Background()

	duck, err := NewDuckDBStorage(":memory:", createTestLogger())
	require.NoError(t, err)

	lite, err := NewGormStorage("sqlite", ":memory:", createTestLogger())
	require.NoError(t, err)

	stores := map[string]CandleStore{
		"memory": NewMemoryStorage(),
		"duckdb": duck,
		"sqlite": lite,
	}
	for name, s := range stores {
		require.NoError(t, s.Initialize(ctx), name)
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

func TestCandleStore_LatestCandleTime(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.LatestCandleTime(ctx, "BTCUSDT", "1h")
			require.NoError(t, err)
			assert.False(t, ok, "empty store has no latest candle")

			candles := createTestCandles("BTCUSDT", "1h", 24, seriesStart)
			n, err := store.BulkInsert(ctx, candles)
			require.NoError(t, err)
			assert.Equal(t, 24, n)

			latest, ok, err := store.LatestCandleTime(ctx, "BTCUSDT", "1h")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, latest.Equal(seriesStart.Add(23*time.Hour)), "got %s", latest)

			_, ok, err = store.LatestCandleTime(ctx, "BTCUSDT", "4h")
			require.NoError(t, err)
			assert.False(t, ok, "other interval is a separate series")

			_, ok, err = store.LatestCandleTime(ctx, "ETHUSDT", "1h")
			require.NoError(t, err)
			assert.False(t, ok, "other symbol is a separate series")
		})
	}
}

func TestCandleStore_BulkInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			candles := createTestCandles("ETHUSDT", "15m", 10, seriesStart)

			n, err := store.BulkInsert(ctx, candles)
			require.NoError(t, err)
			assert.Equal(t, 10, n)

			n, err = store.BulkInsert(ctx, candles)
			require.NoError(t, err)
			assert.Zero(t, n, "re-inserting the same candles stores nothing new")

			// overlapping batch: 5 old + 5 new
			overlap := createTestCandles("ETHUSDT", "15m", 10, seriesStart.Add(5*15*time.Minute))
			n, err = store.BulkInsert(ctx, overlap)
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			stored, err := store.Range(ctx, "ETHUSDT", "15m", seriesStart, seriesStart.Add(24*time.Hour))
			require.NoError(t, err)
			assert.Len(t, stored, 15)
		})
	}
}

func TestCandleStore_DuplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			candles := createTestCandles("BNBUSDT", "1d", 3, seriesStart)
			batch := append(candles, candles[1])

			n, err := store.BulkInsert(ctx, batch)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestCandleStore_Range(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			candles := createTestCandles("SOLUSDT", "1h", 10, seriesStart)
			_, err := store.BulkInsert(ctx, candles)
			require.NoError(t, err)

			got, err := store.Range(ctx, "SOLUSDT", "1h", seriesStart.Add(2*time.Hour), seriesStart.Add(5*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 3, "to is exclusive")

			for i, c := range got {
				want := candles[i+2]
				assert.True(t, want.OpenTime.Equal(c.OpenTime))
				assert.Equal(t, want.Symbol, c.Symbol)
				assert.Equal(t, want.Interval, c.Interval)
				assert.InDelta(t, want.Open, c.Open, 1e-9)
				assert.InDelta(t, want.Close, c.Close, 1e-9)
				assert.InDelta(t, want.Volume, c.Volume, 1e-9)
				assert.Equal(t, want.Extra, c.Extra)
				assert.Equal(t, want.Comment, c.Comment)
			}

			_, err = store.Range(ctx, "SOLUSDT", "1h", seriesStart, seriesStart)
			assert.Error(t, err)
		})
	}
}

func TestCandleStore_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			symbols := []string{"BTCUSDT", "ETHUSDT", "XRPUSDT", "ADAUSDT"}
			candles := createTestCandles("DOGEUSDT", "5m", 50, seriesStart)

			var wg sync.WaitGroup
			var mu sync.Mutex
			sameTotal := 0

			for _, sym := range symbols {
				wg.Add(2)
				go func(sym string) {
					defer wg.Done()
					n, err := store.BulkInsert(ctx, createTestCandles(sym, "5m", 50, seriesStart))
					assert.NoError(t, err)
					assert.Equal(t, 50, n)
				}(sym)
				go func() {
					defer wg.Done()
					n, err := store.BulkInsert(ctx, candles)
					assert.NoError(t, err)
					mu.Lock()
					sameTotal += n
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 50, sameTotal, "same pair inserted concurrently is stored once")
			for _, sym := range symbols {
				got, err := store.Range(ctx, sym, "5m", seriesStart, seriesStart.Add(24*time.Hour))
				require.NoError(t, err)
				assert.Len(t, got, 50, sym)
			}
		})
	}
}

func TestCandleStore_RejectsUnkeyedCandles(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.BulkInsert(ctx, []models.Candle{{Interval: "1h", OpenTime: seriesStart}})
			require.Error(t, err)

			var storageErr *StorageError
			assert.True(t, errors.As(err, &storageErr))
			assert.Equal(t, "insert", storageErr.Operation)

			n, err := store.BulkInsert(ctx, nil)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCandleStore_HealthCheck(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, store.HealthCheck(ctx))
			require.NoError(t, store.Close())
			assert.Error(t, store.HealthCheck(ctx))
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{backend: "memory"},
		{backend: "duckdb"},
		{backend: "sqlite"},
		{backend: "mysql", wantErr: true}, // no DSN
		{backend: "postgres", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			store, err := New(Config{Backend: tt.backend}, createTestLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, store.Close())
		})
	}
}

func TestStorageError(t *testing.T) {
	base := errors.New("disk full")

	err := NewInsertError("candles", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "storage operation insert on table candles failed: disk full", err.Error())

	err = NewStorageError("close", "", "", base)
	assert.Equal(t, "storage operation close failed: disk full", err.Error())
}

func TestMemoryStorage_Count(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))

	_, err := store.BulkInsert(ctx, createTestCandles("LINKUSDT", "30m", 7, seriesStart))
	require.NoError(t, err)
	assert.Equal(t, 7, store.Count("LINKUSDT", "30m"))
	assert.Zero(t, store.Count("LINKUSDT", "1h"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.BulkInsert(cancelled, createTestCandles("LINKUSDT", "30m", 1, seriesStart))
	assert.Error(t, err)
}

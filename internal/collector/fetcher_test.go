package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/PerterPon/open-back/internal/errors"
	"github.com/PerterPon/open-back/internal/exchange"
	"github.com/PerterPon/open-back/internal/models"
)

var (
	day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day1 = day0.Add(24 * time.Hour)
	day2 = day0.Add(48 * time.Hour)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noSleep records requested delays without waiting.
type noSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *noSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *noSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// fakeSource synthesizes one candle per step for any window, ending at
// availableUntil. Failures and latency are injected per symbol.
type fakeSource struct {
	availableUntil time.Time
	maxLimit       int
	latency        time.Duration

	mu        sync.Mutex
	calls     []exchange.CandleRequest
	callTimes []time.Time
	failAll   map[string]error
	failFirst map[string]int
	failWith  map[string]error
	nilClose  map[time.Time]bool
	onCall    func(req exchange.CandleRequest)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeSource(availableUntil time.Time) *fakeSource {
	return &fakeSource{
		availableUntil: availableUntil,
		maxLimit:       exchange.MaxPageSize,
		failAll:        map[string]error{},
		failFirst:      map[string]int{},
		failWith:       map[string]error{},
		nilClose:       map[time.Time]bool{},
	}
}

func (f *fakeSource) Name() string  { return "fake" }
func (f *fakeSource) MaxLimit() int { return f.maxLimit }

func (f *fakeSource) GetCandles(ctx context.Context, req exchange.CandleRequest) ([]models.RawCandle, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.callTimes = append(f.callTimes, time.Now())
	hook := f.onCall
	err := f.failAll[req.Symbol]
	if err == nil && f.failFirst[req.Symbol] > 0 {
		f.failFirst[req.Symbol]--
		err = f.failWith[req.Symbol]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	if err != nil {
		return nil, err
	}

	if err := req.Validate(f.maxLimit); err != nil {
		return nil, apperrors.Permanent("fake", err)
	}

	step := req.Interval.Step()
	end := req.End
	if f.availableUntil.Before(end) {
		end = f.availableUntil
	}

	var out []models.RawCandle
	for t := req.Start; t.Before(end) && len(out) < req.Limit; t = t.Add(step) {
		price := strconv.FormatInt(100+t.Unix()%97, 10)
		raw := models.RawCandle{
			OpenTime:  t,
			Open:      price,
			High:      price,
			Low:       price,
			Volume:    "1.5",
			CloseTime: t.Add(step - time.Millisecond),
		}
		if !f.nilClose[t] {
			raw.Close = models.StringPtr(price)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) requests() []exchange.CandleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.CandleRequest(nil), f.calls...)
}

func (f *fakeSource) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.callTimes...)
}

func testPolicy() apperrors.Policy {
	return apperrors.Policy{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
	}
}

func collectPages(t *testing.T, f *Fetcher, window models.Window) ([][]models.RawCandle, int, error) {
	t.Helper()
	var pages [][]models.RawCandle
	n, err := f.Fetch(context.Background(), "BTCUSDT", "1h", window, func(_ context.Context, page []models.RawCandle) error {
		pages = append(pages, page)
		return nil
	})
	return pages, n, err
}

func TestFetcher_PagesUntilShortPage(t *testing.T) {
	source := newFakeSource(day2)
	f := NewFetcher(source, nil, FetcherConfig{PageSize: 10, Policy: testPolicy()}, discardLogger())

	pages, n, err := collectPages(t, f, models.Window{From: day0, To: day2})
	require.NoError(t, err)

	// 48 hourly candles in pages of 10: 10, 10, 10, 10, 8
	assert.Equal(t, 5, n)
	require.Len(t, pages, 5)
	assert.Len(t, pages[4], 8)
	assert.Equal(t, 5, source.callCount())

	// each page starts where the previous ended
	reqs := source.requests()
	for i := 1; i < len(reqs); i++ {
		assert.Equal(t, reqs[i-1].Start.Add(10*time.Hour), reqs[i].Start)
		assert.Equal(t, day2, reqs[i].End)
		assert.Equal(t, 10, reqs[i].Limit)
	}

	m := f.Metrics()
	assert.EqualValues(t, 5, m.Requests)
	assert.EqualValues(t, 5, m.PagesFetched)
	assert.EqualValues(t, 48, m.CandlesFetched)
}

func TestFetcher_StopsAtWindowEnd(t *testing.T) {
	source := newFakeSource(day2)
	f := NewFetcher(source, nil, FetcherConfig{PageSize: 12, Policy: testPolicy()}, discardLogger())

	_, n, err := collectPages(t, f, models.Window{From: day0, To: day1})
	require.NoError(t, err)

	// 24 candles fill exactly two pages; no third request is sent
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, source.callCount())
}

func TestFetcher_EmptyUpstream(t *testing.T) {
	source := newFakeSource(day0)
	f := NewFetcher(source, nil, FetcherConfig{Policy: testPolicy()}, discardLogger())

	pages, n, err := collectPages(t, f, models.Window{From: day0, To: day1})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pages)
	assert.Equal(t, 1, source.callCount())
}

func TestFetcher_PageSizeCappedBySource(t *testing.T) {
	source := newFakeSource(day2)
	source.maxLimit = 5
	f := NewFetcher(source, nil, FetcherConfig{PageSize: 500, Policy: testPolicy()}, discardLogger())

	_, _, err := collectPages(t, f, models.Window{From: day0, To: day0.Add(7 * time.Hour)})
	require.NoError(t, err)

	for _, req := range source.requests() {
		assert.Equal(t, 5, req.Limit)
	}
	assert.Equal(t, 2, source.callCount())
}

func TestFetcher_RetriesTransientErrors(t *testing.T) {
	source := newFakeSource(day1)
	source.failFirst["BTCUSDT"] = 2
	source.failWith["BTCUSDT"] = apperrors.Transient("fake", errors.New("connection reset"))

	sleeper := &noSleep{}
	f := NewFetcher(source, nil, FetcherConfig{Policy: testPolicy(), Sleeper: sleeper.sleep}, discardLogger())

	pages, _, err := collectPages(t, f, models.Window{From: day0, To: day1})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Len(t, pages[0], 24)

	assert.Equal(t, 3, source.callCount())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.recorded())

	m := f.Metrics()
	assert.EqualValues(t, 2, m.Retries)
	assert.EqualValues(t, 2, m.UpstreamErrors)
}

func TestFetcher_RateLimitExhaustsRetries(t *testing.T) {
	source := newFakeSource(day1)
	source.failAll["BTCUSDT"] = apperrors.RateLimited("fake", 50*time.Millisecond, errors.New("too many requests"))

	sleeper := &noSleep{}
	f := NewFetcher(source, nil, FetcherConfig{Policy: testPolicy(), Sleeper: sleeper.sleep}, discardLogger())

	_, n, err := collectPages(t, f, models.Window{From: day0, To: day1})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))

	// one call plus MaxRetries retries; the Retry-After hint wins over the
	// shorter backoff
	assert.Equal(t, 4, source.callCount())
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}, sleeper.recorded())
	assert.EqualValues(t, 4, f.Metrics().RateLimitHits)
}

func TestFetcher_PermanentErrorNotRetried(t *testing.T) {
	source := newFakeSource(day1)
	source.failAll["BTCUSDT"] = apperrors.Permanent("fake", errors.New("invalid symbol"))

	sleeper := &noSleep{}
	f := NewFetcher(source, nil, FetcherConfig{Policy: testPolicy(), Sleeper: sleeper.sleep}, discardLogger())

	_, _, err := collectPages(t, f, models.Window{From: day0, To: day1})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPermanent)
	assert.Equal(t, 1, source.callCount())
	assert.Empty(t, sleeper.recorded())
}

func TestFetcher_HandlerErrorStopsFetch(t *testing.T) {
	source := newFakeSource(day2)
	f := NewFetcher(source, nil, FetcherConfig{PageSize: 10, Policy: testPolicy()}, discardLogger())

	boom := errors.New("store down")
	n, err := f.Fetch(context.Background(), "BTCUSDT", "1h", models.Window{From: day0, To: day2},
		func(context.Context, []models.RawCandle) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
	assert.Equal(t, 1, source.callCount())
}

func TestFetcher_InvalidInterval(t *testing.T) {
	f := NewFetcher(newFakeSource(day1), nil, FetcherConfig{}, discardLogger())
	_, err := f.Fetch(context.Background(), "BTCUSDT", "bogus", models.Window{From: day0, To: day1},
		func(context.Context, []models.RawCandle) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrPermanent)
}

func TestClip(t *testing.T) {
	page := []models.RawCandle{
		{OpenTime: day0.Add(-time.Hour)},
		{OpenTime: day0},
		{OpenTime: day0.Add(time.Hour)},
		{OpenTime: day1},
	}
	out := clip(page, day0, day1)
	require.Len(t, out, 2)
	assert.Equal(t, day0, out[0].OpenTime)
	assert.Len(t, page, 4)
}

package collector

import (
	"sync/atomic"
	"time"

	apperrors "github.com/PerterPon/open-back/internal/errors"
)

// CollectionMetrics is a point-in-time snapshot of engine counters.
type CollectionMetrics struct {
	Requests        int64
	PagesFetched    int64
	CandlesFetched  int64
	CandlesStored   int64
	Discarded       int64
	Retries         int64
	RateLimitHits   int64
	UpstreamErrors  int64
	AvgResponseTime time.Duration
}

// metricsCollector tracks collection counters shared by all workers.
type metricsCollector struct {
	requests       atomic.Int64
	pagesFetched   atomic.Int64
	candlesFetched atomic.Int64
	candlesStored  atomic.Int64
	discarded      atomic.Int64
	retries        atomic.Int64
	rateLimitHits  atomic.Int64
	upstreamErrors atomic.Int64

	// nanoseconds
	totalResponseTime atomic.Int64
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{}
}

func (m *metricsCollector) recordRequest(duration time.Duration, err error) {
	m.requests.Add(1)
	m.totalResponseTime.Add(duration.Nanoseconds())
	if err == nil {
		return
	}
	m.upstreamErrors.Add(1)
	if apperrors.KindOf(err) == apperrors.KindRateLimited {
		m.rateLimitHits.Add(1)
	}
}

func (m *metricsCollector) recordPage(candles int) {
	m.pagesFetched.Add(1)
	m.candlesFetched.Add(int64(candles))
}

func (m *metricsCollector) recordRetry() {
	m.retries.Add(1)
}

func (m *metricsCollector) recordStored(inserted, discarded int) {
	m.candlesStored.Add(int64(inserted))
	m.discarded.Add(int64(discarded))
}

func (m *metricsCollector) snapshot() CollectionMetrics {
	requests := m.requests.Load()
	var avg time.Duration
	if requests > 0 {
		avg = time.Duration(m.totalResponseTime.Load() / requests)
	}

	return CollectionMetrics{
		Requests:        requests,
		PagesFetched:    m.pagesFetched.Load(),
		CandlesFetched:  m.candlesFetched.Load(),
		CandlesStored:   m.candlesStored.Load(),
		Discarded:       m.discarded.Load(),
		Retries:         m.retries.Load(),
		RateLimitHits:   m.rateLimitHits.Load(),
		UpstreamErrors:  m.upstreamErrors.Load(),
		AvgResponseTime: avg,
	}
}

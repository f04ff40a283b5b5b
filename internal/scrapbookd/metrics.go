package scrapbookd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides low-cardinality Prometheus metrics for scrapbookd.
//
// Requests are labeled only by action verb (view, save, list, ...), never by
// full request path, to keep cardinality bounded.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	permissionDenialsTotal *prometheus.CounterVec

	zipCacheOpen       prometheus.Gauge
	zipCacheEvictions  prometheus.Counter
	zipIntegrityPassed prometheus.Counter
	zipIntegrityFailed prometheus.Counter

	entryCacheHits      prometheus.Counter
	entryCacheMisses    prometheus.Counter
	entryCacheEvictions prometheus.Counter
	entryCacheBytes     prometheus.Gauge
	entryCacheItems     prometheus.Gauge

	archiveRewritesTotal  prometheus.Counter
	archiveRewriteFailure prometheus.Counter

	locksHeld      prometheus.Gauge
	lockTakeovers  prometheus.Counter
	lockTimeouts   prometheus.Counter
	tokensIssued   prometheus.Counter
	tokensConsumed prometheus.Counter
	tokensSwept    prometheus.Counter
}

// NewMetrics constructs and registers the service's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of requests, labeled by action verb.",
		}, []string{"verb"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scrapbookd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests in seconds, labeled by action verb.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		permissionDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Subsystem: "http",
			Name:      "permission_denials_total",
			Help:      "Total number of requests denied by the permission gate, labeled by verb.",
		}, []string{"verb"}),

		zipCacheOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapbookd",
			Name:      "zip_cache_open",
			Help:      "Current number of open zip archives held by the zip cache.",
		}),
		zipCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "zip_cache_evictions_total",
			Help:      "Total number of zip cache evictions.",
		}),
		zipIntegrityPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "zip_integrity_passed_total",
			Help:      "Total number of archives that passed structural integrity checks.",
		}),
		zipIntegrityFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "zip_integrity_failed_total",
			Help:      "Total number of archives that failed structural integrity checks.",
		}),

		entryCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "entry_cache_hits_total",
			Help:      "Total number of entry content cache hits.",
		}),
		entryCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "entry_cache_misses_total",
			Help:      "Total number of entry content cache misses.",
		}),
		entryCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "entry_cache_evictions_total",
			Help:      "Total number of entry content cache evictions.",
		}),
		entryCacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapbookd",
			Name:      "entry_cache_bytes",
			Help:      "Current total bytes held by the entry content cache.",
		}),
		entryCacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapbookd",
			Name:      "entry_cache_items",
			Help:      "Current number of items held by the entry content cache.",
		}),

		archiveRewritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "archive_rewrites_total",
			Help:      "Total number of whole-archive write-rewrite-rename operations.",
		}),
		archiveRewriteFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "archive_rewrite_failures_total",
			Help:      "Total number of failed whole-archive rewrite operations.",
		}),

		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrapbookd",
			Name:      "locks_held",
			Help:      "Current number of held advisory locks.",
		}),
		lockTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "lock_takeovers_total",
			Help:      "Total number of stale-lock takeovers.",
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "lock_timeouts_total",
			Help:      "Total number of lock acquisitions that timed out.",
		}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "tokens_issued_total",
			Help:      "Total number of tokens issued.",
		}),
		tokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "tokens_consumed_total",
			Help:      "Total number of tokens consumed by advanced actions.",
		}),
		tokensSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrapbookd",
			Name:      "tokens_swept_total",
			Help:      "Total number of expired tokens removed by the background sweep.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.permissionDenialsTotal,
		m.zipCacheOpen,
		m.zipCacheEvictions,
		m.zipIntegrityPassed,
		m.zipIntegrityFailed,
		m.entryCacheHits,
		m.entryCacheMisses,
		m.entryCacheEvictions,
		m.entryCacheBytes,
		m.entryCacheItems,
		m.archiveRewritesTotal,
		m.archiveRewriteFailure,
		m.locksHeld,
		m.lockTakeovers,
		m.lockTimeouts,
		m.tokensIssued,
		m.tokensConsumed,
		m.tokensSwept,
	)

	return m
}

func (m *Metrics) ObserveRequest(verb string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(verb).Inc()
	m.requestDuration.WithLabelValues(verb).Observe(d.Seconds())
}

func (m *Metrics) IncPermissionDenied(verb string) {
	if m == nil {
		return
	}
	m.permissionDenialsTotal.WithLabelValues(verb).Inc()
}

func (m *Metrics) SetZipCacheOpen(n int) {
	if m == nil {
		return
	}
	m.zipCacheOpen.Set(float64(n))
}

func (m *Metrics) IncZipCacheEvictions() {
	if m == nil {
		return
	}
	m.zipCacheEvictions.Inc()
}

func (m *Metrics) IncZipIntegrityPassed() {
	if m == nil {
		return
	}
	m.zipIntegrityPassed.Inc()
}

func (m *Metrics) IncZipIntegrityFailed() {
	if m == nil {
		return
	}
	m.zipIntegrityFailed.Inc()
}

func (m *Metrics) IncEntryCacheHits() {
	if m == nil {
		return
	}
	m.entryCacheHits.Inc()
}

func (m *Metrics) IncEntryCacheMisses() {
	if m == nil {
		return
	}
	m.entryCacheMisses.Inc()
}

func (m *Metrics) IncEntryCacheEvictions() {
	if m == nil {
		return
	}
	m.entryCacheEvictions.Inc()
}

func (m *Metrics) SetEntryCacheBytes(n int64) {
	if m == nil {
		return
	}
	m.entryCacheBytes.Set(float64(n))
}

func (m *Metrics) SetEntryCacheItems(n int) {
	if m == nil {
		return
	}
	m.entryCacheItems.Set(float64(n))
}

func (m *Metrics) IncArchiveRewrites() {
	if m == nil {
		return
	}
	m.archiveRewritesTotal.Inc()
}

func (m *Metrics) IncArchiveRewriteFailure() {
	if m == nil {
		return
	}
	m.archiveRewriteFailure.Inc()
}

func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.locksHeld.Set(float64(n))
}

func (m *Metrics) IncLockTakeovers() {
	if m == nil {
		return
	}
	m.lockTakeovers.Inc()
}

func (m *Metrics) IncLockTimeouts() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}

func (m *Metrics) IncTokensIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) IncTokensConsumed() {
	if m == nil {
		return
	}
	m.tokensConsumed.Inc()
}

func (m *Metrics) IncTokensSwept(n int) {
	if m == nil {
		return
	}
	m.tokensSwept.Add(float64(n))
}

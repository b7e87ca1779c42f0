package fbauth

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for token verification and key refresh.
type Metrics struct {
	verificationTotal    *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	keyRefreshTotal      *prometheus.CounterVec
	keyRefreshDuration   prometheus.Histogram
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	cachedKeys           prometheus.Gauge
	registry             *prometheus.Registry
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fbauth"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.verificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_total",
			Help:      "Total number of token verification attempts",
		},
		[]string{"result", "code"},
	)
	m.verificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Token verification duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"result"},
	)
	m.keyRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_refresh_total",
			Help:      "Total number of signing key refresh attempts",
		},
		[]string{"status"},
	)
	m.keyRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_refresh_duration_seconds",
			Help:      "Signing key refresh duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_cache_hits_total",
		Help:      "Key lookups served from the fresh cache",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_cache_misses_total",
		Help:      "Key lookups that required a refresh",
	})
	m.cachedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "key_cache_keys",
		Help:      "Number of signing keys currently cached",
	})

	m.registry.MustRegister(m.collectors()...)
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.verificationTotal,
		m.verificationDuration,
		m.keyRefreshTotal,
		m.keyRefreshDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cachedKeys,
	}
}

// RecordVerification records one Verify outcome. err == nil counts as success.
func (m *Metrics) RecordVerification(err error, duration time.Duration) {
	if m == nil {
		return
	}
	result, code := "success", "ok"
	if err != nil {
		result, code = "error", string(CodeOf(err))
	}
	m.verificationTotal.WithLabelValues(result, code).Inc()
	m.verificationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordKeyRefresh records a key refresh attempt.
func (m *Metrics) RecordKeyRefresh(err error, keys int, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.cachedKeys.Set(float64(keys))
	}
	m.keyRefreshTotal.WithLabelValues(status).Inc()
	m.keyRefreshDuration.Observe(duration.Seconds())
}

// RecordCacheHit records a lookup served without refreshing.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss records a lookup that had to refresh.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// Registry returns the Prometheus registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with registerer, ignoring duplicates so
// that verifiers rebuilt on config reload do not panic.
func (m *Metrics) MustRegister(registerer prometheus.Registerer) {
	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

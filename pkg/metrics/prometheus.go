package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cacheLookups *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	fetchErrors  *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	optCompleted *prometheus.GaugeVec
	optTotal     *prometheus.GaugeVec
	errorsTotal  *prometheus.CounterVec
}

// New creates a recorder on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder whose collectors are registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finbacktest_cache_lookups_total",
				Help: "Bar cache lookups by result",
			},
			[]string{"result"},
		),
		fetchLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finbacktest_provider_fetch_seconds",
				Help:    "Market data fetch latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		fetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finbacktest_provider_fetch_errors_total",
				Help: "Failed market data fetches",
			},
			[]string{"provider"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finbacktest_run_duration_seconds",
				Help:    "Backtest run duration by kind",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"kind"},
		),
		optCompleted: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finbacktest_optimizer_completed",
				Help: "Evaluated combinations of the running search",
			},
			[]string{"symbol"},
		),
		optTotal: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finbacktest_optimizer_total",
				Help: "Total combinations of the running search",
			},
			[]string{"symbol"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finbacktest_errors_total",
				Help: "Total number of errors by stage",
			},
			[]string{"stage"},
		),
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (r *Recorder) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// RecordFetch records one provider attempt.
func (r *Recorder) RecordFetch(provider string, seconds float64, err error) {
	r.fetchLatency.WithLabelValues(provider).Observe(seconds)
	if err != nil {
		r.fetchErrors.WithLabelValues(provider).Inc()
	}
}

// RecordBacktest records a finished run.
func (r *Recorder) RecordBacktest(kind string, seconds float64) {
	r.runDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordOptimizerProgress publishes search progress.
func (r *Recorder) RecordOptimizerProgress(symbol string, completed, total int) {
	r.optCompleted.WithLabelValues(symbol).Set(float64(completed))
	r.optTotal.WithLabelValues(symbol).Set(float64(total))
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(stage string) {
	r.errorsTotal.WithLabelValues(stage).Inc()
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes tracker metrics on its own registry.
type Recorder struct {
	reg *prometheus.Registry

	stageFills   *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	staleTickers *prometheus.GaugeVec
	captures     *prometheus.CounterVec
	exports      *prometheus.CounterVec
}

// New creates a recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		stageFills: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dowtracker_stage_fills_total",
				Help: "Tickers resolved per provider stage",
			},
			[]string{"provider"},
		),
		fetchLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dowtracker_fetch_duration_seconds",
				Help:    "Per-ticker provider fetch latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
			},
			[]string{"provider", "outcome"},
		),
		staleTickers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dowtracker_stale_tickers",
				Help: "Tickers left stale after the last capture of a bucket",
			},
			[]string{"bucket"},
		),
		captures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dowtracker_captures_total",
				Help: "Completed bucket captures",
			},
			[]string{"bucket"},
		),
		exports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dowtracker_exports_total",
				Help: "Export attempts by reason and outcome",
			},
			[]string{"reason", "outcome"},
		),
	}
}

// RecordStageFill counts n tickers resolved by provider.
func (r *Recorder) RecordStageFill(provider string, n int) {
	r.stageFills.WithLabelValues(provider).Add(float64(n))
}

// RecordFetch observes one per-ticker fetch.
func (r *Recorder) RecordFetch(provider string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.fetchLatency.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// RecordCapture sets the stale gauge for bucket and counts the capture.
func (r *Recorder) RecordCapture(bucket, stale int) {
	b := strconv.Itoa(bucket)
	r.staleTickers.WithLabelValues(b).Set(float64(stale))
	r.captures.WithLabelValues(b).Inc()
}

// RecordExport counts one export outcome: success, retry, failure or skipped.
func (r *Recorder) RecordExport(reason, outcome string) {
	r.exports.WithLabelValues(reason, outcome).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

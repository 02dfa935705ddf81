package mesh

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsObserver records registration progress as Prometheus metrics on
// its own registry. It is safe for concurrent use.
type MetricsObserver struct {
	registry *prometheus.Registry

	iterations  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	stepSize    *prometheus.HistogramVec
	inlierMean  *prometheus.GaugeVec
	validCorrs  *prometheus.GaugeVec
	runDuration *prometheus.HistogramVec
}

// NewMetricsObserver creates an observer with a fresh registry.
func NewMetricsObserver() *MetricsObserver {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &MetricsObserver{
		registry: reg,
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshreg_iterations_total",
			Help: "Registration iterations completed, by mode",
		}, []string{"mode"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshreg_runs_total",
			Help: "Registration runs finished, by mode and result",
		}, []string{"mode", "result"}),
		stepSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshreg_step_size",
			Help:    "Largest per-iteration vertex move or transform change",
			Buckets: prometheus.ExponentialBuckets(1e-6, 10, 9), // 1e-6 to 100
		}, []string{"mode"}),
		inlierMean: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshreg_mean_inlier_weight",
			Help: "Mean inlier weight of the latest iteration",
		}, []string{"mode"}),
		validCorrs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshreg_valid_correspondences",
			Help: "Flagged-valid correspondences of the latest iteration",
		}, []string{"mode"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshreg_run_duration_seconds",
			Help:    "Wall time of a registration run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"mode"}),
	}
}

// Registry returns the registry holding the observer's metrics.
func (m *MetricsObserver) Registry() *prometheus.Registry { return m.registry }

func (m *MetricsObserver) OnIteration(ev IterationEvent) {
	mode := string(ev.Mode)
	m.iterations.WithLabelValues(mode).Inc()
	m.stepSize.WithLabelValues(mode).Observe(ev.StepSize)
	m.inlierMean.WithLabelValues(mode).Set(ev.MeanInlierWeight)
	m.validCorrs.WithLabelValues(mode).Set(float64(ev.ValidCorrespondences))
}

func (m *MetricsObserver) OnComplete(s RunSummary) {
	result := "ok"
	if s.Error != "" {
		result = "error"
	}
	mode := string(s.Mode)
	m.runs.WithLabelValues(mode, result).Inc()
	m.runDuration.WithLabelValues(mode).Observe(s.Elapsed.Seconds())
}

// WriteTextfile writes the metrics in the Prometheus text format, for
// the node exporter textfile collector.
func (m *MetricsObserver) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics file: %w", err)
	}
	return nil
}

var _ Observer = (*MetricsObserver)(nil)

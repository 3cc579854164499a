package nnfx

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run results recorded by Metrics.
const (
	resultOK            = "ok"
	resultShapeMismatch = "shape_mismatch"
	resultEngineError   = "engine_error"
	resultFatal         = "fatal"
	resultError         = "error"
)

// Metrics exports runner counters to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	discoveries *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	resizes     *prometheus.CounterVec
	buffers     *prometheus.GaugeVec
	bufferBytes *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		discoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nnfx",
				Subsystem: "runner",
				Name:      "discoveries_total",
				Help:      "Total number of output shape discovery runs",
			},
			[]string{"topology"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nnfx",
				Subsystem: "runner",
				Name:      "runs_total",
				Help:      "Total number of inference runs by result",
			},
			[]string{"topology", "result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nnfx",
				Subsystem: "runner",
				Name:      "run_duration_seconds",
				Help:      "Host-side duration of inference runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topology"},
		),
		resizes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nnfx",
				Subsystem: "runner",
				Name:      "resizes_total",
				Help:      "Total number of IO resizes",
			},
			[]string{"topology"},
		),
		buffers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nnfx",
				Subsystem: "runner",
				Name:      "buffers",
				Help:      "Tensor buffers currently owned by the runner",
			},
			[]string{"topology"},
		),
		bufferBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nnfx",
				Subsystem: "runner",
				Name:      "buffer_bytes",
				Help:      "Bytes of tensor buffers currently owned by the runner",
			},
			[]string{"topology"},
		),
	}
	reg.MustRegister(m.discoveries, m.runs, m.runDuration, m.resizes, m.buffers, m.bufferBytes)
	return m
}

func (m *Metrics) observeDiscovery(t Topology) {
	if m == nil {
		return
	}
	m.discoveries.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) observeRun(t Topology, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(t.String(), result).Inc()
	m.runDuration.WithLabelValues(t.String()).Observe(d.Seconds())
}

func (m *Metrics) observeResize(t Topology) {
	if m == nil {
		return
	}
	m.resizes.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) setBuffers(t Topology, count int, bytes uint64) {
	if m == nil {
		return
	}
	m.buffers.WithLabelValues(t.String()).Set(float64(count))
	m.bufferBytes.WithLabelValues(t.String()).Set(float64(bytes))
}

package main

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metric collectors for pipeline,
// controller and system metrics
type PrometheusMetrics struct {
	// Pipeline metrics (with 'band' label)
	bandPower  *prometheus.GaugeVec // Latest absolute band power
	zScore     *prometheus.GaugeVec // Latest baseline-normalized z-score
	bandState  *prometheus.GaugeVec // Band state: -1 low, 0 normal, 1 elevated
	lastMetric *prometheus.GaugeVec // Unix timestamp of last usable metric

	// Window accounting
	windowsTotal *prometheus.CounterVec // Analysis windows by quality flag
	gapsTotal    prometheus.Counter     // Sample stream gaps that reset the pipeline
	latency      prometheus.Histogram   // Per-sample pipeline processing time

	// Controller metrics
	commandsTotal    *prometheus.CounterVec // Stimulus commands by type
	transitionsTotal *prometheus.CounterVec // Phase transitions (from, to)
	entrainmentSecs  prometheus.Counter     // Cumulative entrainment time

	// System metrics
	activeSessions prometheus.Gauge
	goroutineCount prometheus.Gauge
	memoryUsage    prometheus.Gauge

	mu              sync.Mutex
	entrainingSince time.Time
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		bandPower: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowstate_band_power",
				Help: "Latest band power in squared device units",
			},
			[]string{"band"},
		),
		zScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowstate_z_score",
				Help: "Latest band power z-score against the personal baseline",
			},
			[]string{"band"},
		),
		bandState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowstate_band_state",
				Help: "Band state classification: -1 low, 0 normal, 1 elevated",
			},
			[]string{"band"},
		),
		lastMetric: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowstate_last_metric_timestamp",
				Help: "Unix timestamp of the last usable metric",
			},
			[]string{"band"},
		),
		windowsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowstate_windows_total",
				Help: "Analysis windows processed, by gate verdict",
			},
			[]string{"quality"},
		),
		gapsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flowstate_sample_gaps_total",
				Help: "Sample stream gaps that discarded pipeline state",
			},
		),
		latency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowstate_pipeline_seconds",
				Help:    "Time spent processing one sample through the pipeline",
				Buckets: prometheus.ExponentialBuckets(10e-6, 4, 8),
			},
		),
		commandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowstate_stimulus_commands_total",
				Help: "Stimulus commands delivered to the sink, by type",
			},
			[]string{"type"},
		),
		transitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowstate_controller_transitions_total",
				Help: "Controller phase transitions",
			},
			[]string{"from", "to"},
		),
		entrainmentSecs: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flowstate_entrainment_seconds_total",
				Help: "Cumulative seconds of active stimulus",
			},
		),
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_active_sessions",
				Help: "Number of active sessions",
			},
		),
		goroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_memory_bytes",
				Help: "Allocated heap bytes",
			},
		),
	}
	return pm
}

// RecordMetric updates the per-band gauges from one pipeline metric
func (pm *PrometheusMetrics) RecordMetric(band string, m EEGMetric) {
	pm.windowsTotal.WithLabelValues(m.Quality.String()).Inc()
	if !m.Usable() {
		return
	}
	pm.bandPower.WithLabelValues(band).Set(m.BandPower)
	pm.zScore.WithLabelValues(band).Set(m.ZScore)
	pm.lastMetric.WithLabelValues(band).Set(float64(m.Timestamp.Unix()))

	state := 0.0
	switch m.BandState {
	case BandLow:
		state = -1
	case BandElevated:
		state = 1
	}
	pm.bandState.WithLabelValues(band).Set(state)
}

// RecordGap counts one sample stream discontinuity
func (pm *PrometheusMetrics) RecordGap() {
	pm.gapsTotal.Inc()
}

// ObservePipelineLatency records per-sample processing time
func (pm *PrometheusMetrics) ObservePipelineLatency(d time.Duration) {
	pm.latency.Observe(d.Seconds())
}

// RecordCommand counts one delivered stimulus command
func (pm *PrometheusMetrics) RecordCommand(t CommandType) {
	pm.commandsTotal.WithLabelValues(t.String()).Inc()
}

// RecordTransition counts a phase change and accumulates entrainment time
func (pm *PrometheusMetrics) RecordTransition(tr Transition) {
	pm.transitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	switch {
	case tr.To == PhaseEntraining:
		pm.entrainingSince = tr.At
	case tr.From == PhaseEntraining && !pm.entrainingSince.IsZero():
		pm.entrainmentSecs.Add(tr.At.Sub(pm.entrainingSince).Seconds())
		pm.entrainingSince = time.Time{}
	}
}

// SetActiveSessions updates the session count gauge
func (pm *PrometheusMetrics) SetActiveSessions(n int) {
	pm.activeSessions.Set(float64(n))
}

// StartResourceMonitor samples runtime statistics until stop is closed
func (pm *PrometheusMetrics) StartResourceMonitor(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				pm.memoryUsage.Set(float64(ms.Alloc))
				pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}

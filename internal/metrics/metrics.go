package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame source
	FramesRead     atomic.Uint64
	ReadErrors     atomic.Uint64
	Reconnects     atomic.Uint64
	FrameLatencyMs atomic.Uint64 // Age of the latest frame when it was stored

	// Live preview
	PreviewFrames    atomic.Uint64
	PreviewSkipped   atomic.Uint64
	PreviewLatencyMs atomic.Uint64

	// Mapping cycles
	CyclesRun      atomic.Uint64
	CyclesSkipped  atomic.Uint64
	DetectorErrors atomic.Uint64
	SinkErrors     atomic.Uint64
	AlertsRaised   atomic.Uint64
	LastInROICount atomic.Uint64
	LastExcluded   atomic.Uint64
	CalibrationOK  atomic.Uint64 // 0 = not ready, 1 = ready
	CycleLatencyMs atomic.Uint64
	StreamClients  atomic.Uint64
	cycleDurations prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("density_frames_read_total", "Total frames read from the camera feed", &m.FramesRead)
	m.gauge("density_read_errors_total", "Total failed feed opens and reads", &m.ReadErrors)
	m.gauge("density_reconnects_total", "Total feed reconnect attempts", &m.Reconnects)
	m.gauge("density_frame_latency_ms", "Latest frame age when stored, in milliseconds", &m.FrameLatencyMs)

	m.gauge("density_preview_frames_total", "Annotated preview frames published", &m.PreviewFrames)
	m.gauge("density_preview_skipped_total", "Preview ticks skipped for lack of a frame", &m.PreviewSkipped)
	m.gauge("density_preview_latency_ms", "Latest preview processing time in milliseconds", &m.PreviewLatencyMs)

	m.gauge("density_cycles_total", "Mapping cycles completed", &m.CyclesRun)
	m.gauge("density_cycles_skipped_total", "Mapping cycles skipped (no frame or not ready)", &m.CyclesSkipped)
	m.gauge("density_detector_errors_total", "Detector failures treated as empty detections", &m.DetectorErrors)
	m.gauge("density_sink_errors_total", "Failed uploads, records and notifications", &m.SinkErrors)
	m.gauge("density_alerts_total", "Over-threshold cells reported", &m.AlertsRaised)
	m.gauge("density_in_roi_count", "Detections inside the region of interest in the latest cycle", &m.LastInROICount)
	m.gauge("density_excluded_count", "Detections outside the region of interest in the latest cycle", &m.LastExcluded)
	m.gauge("density_calibration_ready", "Calibration loaded (0=no, 1=yes)", &m.CalibrationOK)
	m.gauge("density_cycle_latency_ms", "Latest mapping cycle duration in milliseconds", &m.CycleLatencyMs)
	m.gauge("density_stream_clients", "Connected MJPEG preview clients", &m.StreamClients)

	m.cycleDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "density_cycle_duration_seconds",
		Help:    "Mapping cycle duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	m.registry.MustRegister(m.cycleDurations)
}

// UpdateFrameLatency records the age of a frame at the moment it was stored
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(captureTime).Milliseconds()))
}

// ObserveCycle records a completed mapping cycle
func (m *Metrics) ObserveCycle(duration time.Duration, inROI, excluded, alerts int) {
	m.CyclesRun.Add(1)
	m.CycleLatencyMs.Store(uint64(duration.Milliseconds()))
	m.cycleDurations.Observe(duration.Seconds())
	m.LastInROICount.Store(uint64(inROI))
	m.LastExcluded.Store(uint64(excluded))
	m.AlertsRaised.Add(uint64(alerts))
}

// SetCalibrationReady flips the readiness gauge
func (m *Metrics) SetCalibrationReady(ok bool) {
	if ok {
		m.CalibrationOK.Store(1)
		return
	}
	m.CalibrationOK.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

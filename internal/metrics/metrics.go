// Package metrics provides Prometheus metrics for shipyard builds.
//
// Every build and every preview server owns its own registry; nothing is
// registered globally, so repeated builds in one process never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildMetrics holds all Prometheus metrics for one build.
type BuildMetrics struct {
	Registry *prometheus.Registry

	// Output artifacts (gauges, labeled by artifact kind)
	Artifacts     *prometheus.GaugeVec
	ArtifactBytes *prometheus.GaugeVec

	// Compression (labeled by algorithm)
	Sidecars            *prometheus.GaugeVec
	SidecarBytes        *prometheus.GaugeVec
	CompressionSkipped  prometheus.Gauge
	CompressionFailures prometheus.Counter

	// Stage timings
	StageDuration *prometheus.HistogramVec // labels: stage

	// Outcome
	Builds    *prometheus.CounterVec // labels: result
	BuildInfo *prometheus.GaugeVec   // labels: version, mode
}

// stageBuckets cover sub-millisecond stages up to multi-minute builds.
var stageBuckets = prometheus.ExponentialBuckets(0.001, 4, 10)

// NewBuildMetrics registers build metrics on a fresh registry.
func NewBuildMetrics(version, mode string) *BuildMetrics {
	reg := prometheus.NewRegistry()

	m := &BuildMetrics{
		Registry: reg,

		Artifacts: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipyard_artifacts",
			Help: "Number of output artifacts written by the build",
		}, []string{"kind"}),
		ArtifactBytes: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipyard_artifact_bytes",
			Help: "Total size of output artifacts in bytes",
		}, []string{"kind"}),

		Sidecars: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipyard_sidecars",
			Help: "Number of compressed sidecars written",
		}, []string{"algorithm"}),
		SidecarBytes: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipyard_sidecar_bytes",
			Help: "Total size of compressed sidecars in bytes",
		}, []string{"algorithm"}),
		CompressionSkipped: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "shipyard_compression_skipped",
			Help: "Matching artifacts skipped because they were below the size threshold",
		}),
		CompressionFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "shipyard_compression_failures_total",
			Help: "Artifact compressions that failed",
		}),

		StageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shipyard_stage_duration_seconds",
			Help:    "Duration of each build stage",
			Buckets: stageBuckets,
		}, []string{"stage"}),

		Builds: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "shipyard_builds_total",
			Help: "Builds by result",
		}, []string{"result"}),
		BuildInfo: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipyard_build_info",
			Help: "Build information (value is always 1)",
		}, []string{"version", "mode"}),
	}

	m.BuildInfo.WithLabelValues(version, mode).Set(1)

	return m
}

// WriteTextfile writes the registry in the node exporter textfile format.
func (m *BuildMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

// PreviewMetrics holds the metrics of a preview server.
type PreviewMetrics struct {
	Registry *prometheus.Registry

	Requests     *prometheus.CounterVec // labels: code, encoding
	BytesServed  *prometheus.CounterVec // labels: encoding
	RequestTimes prometheus.Histogram
}

// NewPreviewMetrics registers preview metrics on a fresh registry.
func NewPreviewMetrics() *PreviewMetrics {
	reg := prometheus.NewRegistry()

	return &PreviewMetrics{
		Registry: reg,
		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "shipyard_preview_requests_total",
			Help: "Requests served by the preview server",
		}, []string{"code", "encoding"}),
		BytesServed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "shipyard_preview_bytes_total",
			Help: "Response body bytes served by the preview server",
		}, []string{"encoding"}),
		RequestTimes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "shipyard_preview_request_duration_seconds",
			Help:    "Preview request latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns an HTTP handler exposing the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

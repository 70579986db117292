package metrics

import (
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Stream ingest
	ChunksReceived atomic.Uint64
	BytesReceived  atomic.Uint64
	FramesDecoded  atomic.Uint64
	FramesRejected atomic.Uint64
	BufferTrims    atomic.Uint64
	BufferBytes    atomic.Uint64

	// Connection attempts
	ConnectAttempts atomic.Uint64
	ConnectFailures atomic.Uint64

	// Uploads
	UploadsDispatched atomic.Uint64
	UploadsSucceeded  atomic.Uint64
	UploadsFailed     atomic.Uint64
	UploadBytes       atomic.Uint64

	// Display
	FramesDisplayed atomic.Uint64
	DisplayClients  atomic.Int64

	// Detector
	Classifications atomic.Uint64
	FireDetections  atomic.Uint64

	HeapInuseBytes atomic.Uint64

	registry *prometheus.Registry
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	gauges := []gauge{
		{"camstream_chunks_received_total", "Total stream chunks read from the camera", u(&m.ChunksReceived)},
		{"camstream_bytes_received_total", "Total stream bytes read from the camera", u(&m.BytesReceived)},
		{"camstream_frames_decoded_total", "Total JPEG frames decoded", u(&m.FramesDecoded)},
		{"camstream_frames_rejected_total", "Total JPEG slices that failed to decode", u(&m.FramesRejected)},
		{"camstream_buffer_trims_total", "Total accumulator overflow truncations", u(&m.BufferTrims)},
		{"camstream_buffer_bytes", "Current accumulator length in bytes", u(&m.BufferBytes)},
		{"camstream_connect_attempts_total", "Total stream connection attempts", u(&m.ConnectAttempts)},
		{"camstream_connect_failures_total", "Total failed or ended stream attempts", u(&m.ConnectFailures)},
		{"camstream_uploads_dispatched_total", "Total snapshots dispatched for upload", u(&m.UploadsDispatched)},
		{"camstream_uploads_succeeded_total", "Total snapshots uploaded", u(&m.UploadsSucceeded)},
		{"camstream_uploads_failed_total", "Total snapshot uploads that failed", u(&m.UploadsFailed)},
		{"camstream_upload_bytes_total", "Total snapshot bytes uploaded", u(&m.UploadBytes)},
		{"camstream_frames_displayed_total", "Total frames published to the display", u(&m.FramesDisplayed)},
		{"camstream_display_clients", "Number of connected display clients", func() float64 { return float64(m.DisplayClients.Load()) }},
		{"firedetector_classifications_total", "Total images classified", u(&m.Classifications)},
		{"firedetector_fire_detections_total", "Total images classified as fire", u(&m.FireDetections)},
		{"camstream_heap_inuse_bytes", "Heap in use, sampled during housekeeping", u(&m.HeapInuseBytes)},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.fn,
		))
	}
}

// SampleMemory records current heap usage.
func (m *Metrics) SampleMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapInuseBytes.Store(ms.HeapInuse)
	return ms.HeapInuse
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

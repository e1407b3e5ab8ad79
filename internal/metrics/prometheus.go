package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics of a detector process
type Metrics struct {
	registry *prometheus.Registry

	// Input metrics
	SamplesRead        prometheus.Counter
	StreamTerminations *prometheus.CounterVec

	// Inference metrics
	ChunksProcessed  prometheus.Counter
	InferenceLatency prometheus.Histogram

	// Segment metrics
	SegmentsEmitted prometheus.Counter
	SpeechSeconds   prometheus.Counter
	SegmentDuration prometheus.Histogram

	// Run metrics
	RunsFinished *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a fresh registry that also carries the
// Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Input metrics
		SamplesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "vadc_samples_read_total",
			Help: "Total number of 16 kHz samples read from the source",
		}),
		StreamTerminations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vadc_stream_terminations_total",
			Help: "Number of input streams that ended, by stream code",
		}, []string{"code"}),

		// Inference metrics
		ChunksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "vadc_chunks_processed_total",
			Help: "Total number of chunks that produced a speech probability",
		}),
		InferenceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vadc_inference_duration_seconds",
			Help:    "Time spent assembling and running inference for one refill cycle",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),

		// Segment metrics
		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vadc_segments_emitted_total",
			Help: "Total number of speech segments written",
		}),
		SpeechSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "vadc_speech_seconds_total",
			Help: "Total padded speech duration written, in seconds",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vadc_segment_duration_seconds",
			Help:    "Duration of written speech segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		// Run metrics
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vadc_runs_finished_total",
			Help: "Number of detection runs that finished, by result code",
		}, []string{"code"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vadc_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vadc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vadc_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AddSamples counts samples read from the source
func (m *Metrics) AddSamples(n int) {
	m.SamplesRead.Add(float64(n))
}

// AddChunks counts chunks that produced a probability
func (m *Metrics) AddChunks(n int) {
	m.ChunksProcessed.Add(float64(n))
}

// AddSegment records one written segment
func (m *Metrics) AddSegment(seconds float64) {
	m.SegmentsEmitted.Inc()
	m.SpeechSeconds.Add(seconds)
	m.SegmentDuration.Observe(seconds)
}

// ObserveInference records the inference time of one cycle
func (m *Metrics) ObserveInference(d time.Duration) {
	m.InferenceLatency.Observe(d.Seconds())
}

// StreamTerminated counts a stream end by its code
func (m *Metrics) StreamTerminated(code string) {
	m.StreamTerminations.WithLabelValues(code).Inc()
}

// RunFinished counts a finished run by its result code
func (m *Metrics) RunFinished(code string) {
	m.RunsFinished.WithLabelValues(code).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// Package metrics provides Prometheus metrics for the inference service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every collector exported by the service.
type Manager struct {
	namespace      string
	subsystem      string
	latencyBuckets []float64
	loadBuckets    []float64
	registry       prometheus.Registerer
	gatherer       prometheus.Gatherer

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	predictions         *prometheus.CounterVec
	predictionErrors    *prometheus.CounterVec
	inferenceDuration   *prometheus.HistogramVec
	prefilterRejections *prometheus.CounterVec

	modelLoads        *prometheus.CounterVec
	modelLoadDuration *prometheus.HistogramVec
	modelsLoaded      prometheus.Gauge
}

var registry = prometheus.NewRegistry() //nolint:gochecknoglobals // process-wide registry served on /metrics

var global = NewManager(WithPrometheusRegistry(registry)) //nolint:gochecknoglobals // package-level helpers delegate here

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "medscan",
		subsystem:      "api",
		latencyBuckets: prometheus.DefBuckets,
		loadBuckets:    []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		registry:       prometheus.DefaultRegisterer,
		gatherer:       prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by route, method and status code",
	}, []string{"route", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   m.latencyBuckets,
	}, []string{"route", "method", "status_code"})

	m.predictions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "predictions_total",
		Help:      "Successful predictions by task and label",
	}, []string{"task", "label"})

	m.predictionErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "prediction_errors_total",
		Help:      "Failed predictions by task and error kind",
	}, []string{"task", "kind"})

	m.inferenceDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "inference_duration_seconds",
		Help:      "Forward pass duration in seconds",
		Buckets:   m.latencyBuckets,
	}, []string{"task"})

	m.prefilterRejections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "prefilter_rejections_total",
		Help:      "Uploads rejected by the medical image pre-filter",
	}, []string{"task"})

	m.modelLoads = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "model_loads_total",
		Help:      "Model load attempts by model and result",
	}, []string{"model", "result"})

	m.modelLoadDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "model_load_duration_seconds",
		Help:      "Time to fetch and open a model",
		Buckets:   m.loadBuckets,
	}, []string{"model"})

	m.modelsLoaded = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "models_loaded",
		Help:      "Number of models resident in the model cache",
	})
}

// RecordHTTPRequest records one served request.
func (m *Manager) RecordHTTPRequest(route, method, statusCode string, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusCode).Observe(d.Seconds())
}

// RecordPrediction records a successful prediction and its forward pass time.
func (m *Manager) RecordPrediction(task, label string, d time.Duration) {
	m.predictions.WithLabelValues(task, label).Inc()
	m.inferenceDuration.WithLabelValues(task).Observe(d.Seconds())
}

// RecordPredictionError records a failed prediction.
func (m *Manager) RecordPredictionError(task, kind string) {
	m.predictionErrors.WithLabelValues(task, kind).Inc()
}

// RecordPrefilterRejection records an upload turned away by the pre-filter.
func (m *Manager) RecordPrefilterRejection(task string) {
	m.prefilterRejections.WithLabelValues(task).Inc()
}

// RecordModelLoad records a model load attempt.
func (m *Manager) RecordModelLoad(model string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.modelLoads.WithLabelValues(model, result).Inc()
	m.modelLoadDuration.WithLabelValues(model).Observe(d.Seconds())
}

// SetModelsLoaded sets the number of resident models.
func (m *Manager) SetModelsLoaded(n int) {
	m.modelsLoaded.Set(float64(n))
}

// Handler serves the registry the manager's collectors are registered on.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Default returns the process-wide manager.
func Default() *Manager { return global }

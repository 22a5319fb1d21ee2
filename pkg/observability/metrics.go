package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric exported by the service.
const Namespace = "vcmatrix"

// Metrics holds the Prometheus metrics for the API and workers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestSeconds *prometheus.HistogramVec
	HTTPInFlight       prometheus.Gauge

	// Jobs
	QueueDepth         *prometheus.GaugeVec
	JobsProcessedTotal *prometheus.CounterVec
	JobSeconds         *prometheus.HistogramVec
	DLQItemsTotal      *prometheus.CounterVec

	// Domain
	ValuationsTotal         *prometheus.CounterVec
	CellActionsTotal        *prometheus.CounterVec
	CellActionSeconds       *prometheus.HistogramVec
	CellUpdatesTotal        *prometheus.CounterVec
	AgentIntentsTotal       *prometheus.CounterVec
	DocumentsProcessedTotal *prometheus.CounterVec

	// External calls
	LLMTokensTotal           *prometheus.CounterVec
	LLMRequestSeconds        *prometheus.HistogramVec
	IntegrationRequestsTotal *prometheus.CounterVec
	CacheLookupsTotal        *prometheus.CounterVec
}

// DefaultMetrics registers metrics on the default Prometheus registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates and registers the service metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being served",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "queue_depth",
				Help:      "Messages waiting in each job queue",
			},
			[]string{"queue"},
		),
		JobsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "jobs_processed_total",
				Help:      "Queue messages handled by workers",
			},
			[]string{"queue", "status"},
		),
		JobSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "job_duration_seconds",
				Help:      "Time spent handling a queue message",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"queue"},
		),
		DLQItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "dlq_items_total",
				Help:      "Messages moved to a dead letter queue",
			},
			[]string{"queue", "category"},
		),

		ValuationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "valuations_total",
				Help:      "Valuations computed by method",
			},
			[]string{"method", "status"},
		),
		CellActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "cell_actions_total",
				Help:      "Cell actions executed",
			},
			[]string{"action", "status"},
		),
		CellActionSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "cell_action_duration_seconds",
				Help:      "Cell action execution latency",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"action"},
		),
		CellUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "matrix_cell_updates_total",
				Help:      "Matrix cell writes by edit source",
			},
			[]string{"source"},
		),
		AgentIntentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "agent_intents_total",
				Help:      "Agent queries routed per intent",
			},
			[]string{"intent"},
		),
		DocumentsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "documents_processed_total",
				Help:      "Documents processed by detected type",
			},
			[]string{"document_type", "status"},
		),

		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "llm_tokens_total",
				Help:      "LLM tokens consumed",
			},
			[]string{"model", "direction"},
		),
		LLMRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "LLM request latency",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		IntegrationRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "integration_requests_total",
				Help:      "Outbound requests to third-party APIs",
			},
			[]string{"service", "status"},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "cache_lookups_total",
				Help:      "Integration cache lookups",
			},
			[]string{"service", "result"},
		),
	}
}

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// StatusLabel maps an error to a status label.
func StatusLabel(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// InFlight adjusts the in-flight request gauge by delta.
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.HTTPInFlight.Add(delta)
}

// SetQueueDepth records the current depth of a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveJob records one handled queue message.
func (m *Metrics) ObserveJob(queue, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(queue, status).Inc()
	m.JobSeconds.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// RecordDLQ counts a dead-lettered message.
func (m *Metrics) RecordDLQ(queue, category string) {
	if m == nil {
		return
	}
	m.DLQItemsTotal.WithLabelValues(queue, category).Inc()
}

// RecordValuation counts a valuation run.
func (m *Metrics) RecordValuation(method string, err error) {
	if m == nil {
		return
	}
	m.ValuationsTotal.WithLabelValues(method, StatusLabel(err)).Inc()
}

// ObserveCellAction records a cell action execution.
func (m *Metrics) ObserveCellAction(action string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CellActionsTotal.WithLabelValues(action, StatusLabel(err)).Inc()
	m.CellActionSeconds.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RecordCellUpdate counts a matrix cell write.
func (m *Metrics) RecordCellUpdate(source string) {
	if m == nil {
		return
	}
	m.CellUpdatesTotal.WithLabelValues(source).Inc()
}

// RecordIntent counts a routed agent query.
func (m *Metrics) RecordIntent(intent string) {
	if m == nil {
		return
	}
	m.AgentIntentsTotal.WithLabelValues(intent).Inc()
}

// RecordDocument counts a processed document.
func (m *Metrics) RecordDocument(documentType string, err error) {
	if m == nil {
		return
	}
	m.DocumentsProcessedTotal.WithLabelValues(documentType, StatusLabel(err)).Inc()
}

// ObserveLLM records token usage and latency for one LLM call.
func (m *Metrics) ObserveLLM(model string, inputTokens, outputTokens int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LLMTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.LLMTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.LLMRequestSeconds.WithLabelValues(model).Observe(elapsed.Seconds())
}

// RecordIntegration counts an outbound third-party request.
func (m *Metrics) RecordIntegration(service string, err error) {
	if m == nil {
		return
	}
	m.IntegrationRequestsTotal.WithLabelValues(service, StatusLabel(err)).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(service string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(service, result).Inc()
}

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects pipeline execution metrics for production
// monitoring.
//
// Metrics exposed (all namespaced "deepthink"):
//   - inflight_runs (gauge): runs currently executing.
//   - stage_latency_ms (histogram): stage duration by stage and status.
//   - retries_total (counter): upstream retry attempts by reason.
//   - fanout_failures_total (counter): failed fan-out tasks by task ID.
//   - checkpoints_total (counter): budget-exceeded halts by checkpoint kind.
//   - escalations_total (counter): deep-to-ultra escalations.
//
// Wire retries via client Options.OnRetry:
//
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	clientOpts.OnRetry = metrics.IncRetry
//
// Expose for scraping with promhttp:
//
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe; all operations delegate to prometheus primitives.
type PrometheusMetrics struct {
	inflightRuns   prometheus.Gauge
	stageLatency   *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	fanoutFailures *prometheus.CounterVec
	checkpoints    *prometheus.CounterVec
	escalations    prometheus.Counter
}

// NewPrometheusMetrics creates and registers the pipeline metrics with the
// given registry (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepthink",
			Name:      "inflight_runs",
			Help:      "Pipeline runs currently executing",
		}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepthink",
			Name:      "stage_latency_ms",
			Help:      "Stage execution duration in milliseconds",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"stage", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepthink",
			Name:      "retries_total",
			Help:      "Upstream retry attempts by reason",
		}, []string{"reason"}),
		fanoutFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepthink",
			Name:      "fanout_failures_total",
			Help:      "Failed fan-out solver tasks",
		}, []string{"task"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepthink",
			Name:      "checkpoints_total",
			Help:      "Budget-exceeded halts producing a resume checkpoint",
		}, []string{"kind"}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deepthink",
			Name:      "escalations_total",
			Help:      "Deep branch runs escalated to the ultra branch",
		}),
	}
}

// RunStarted marks a run in flight.
func (m *PrometheusMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.inflightRuns.Inc()
}

// RunFinished marks a run settled (any terminal outcome).
func (m *PrometheusMetrics) RunFinished() {
	if m == nil {
		return
	}
	m.inflightRuns.Dec()
}

// ObserveStage records one stage's duration with its outcome status
// ("success", "error", "halted").
func (m *PrometheusMetrics) ObserveStage(stage StageID, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(string(stage), status).Observe(float64(d.Milliseconds()))
}

// IncRetry counts one upstream retry. Matches the client's OnRetry signature.
func (m *PrometheusMetrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

// IncFanoutFailure counts one failed fan-out task.
func (m *PrometheusMetrics) IncFanoutFailure(taskID string) {
	if m == nil {
		return
	}
	m.fanoutFailures.WithLabelValues(taskID).Inc()
}

// IncCheckpoint counts one budget-exceeded halt.
func (m *PrometheusMetrics) IncCheckpoint(kind CheckpointKind) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(string(kind)).Inc()
}

// IncEscalation counts one deep-to-ultra escalation.
func (m *PrometheusMetrics) IncEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

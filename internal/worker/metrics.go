package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's prometheus collectors. Label cardinality is
// bounded: worker_id is fixed per process, activity_type and outcome are
// small enums, and connector_type is capped by the registered source count.
type Metrics struct {
	workerID string
	registry *prometheus.Registry

	activitiesTotal    *prometheus.CounterVec
	activityDuration   *prometheus.HistogramVec
	activitiesInFlight *prometheus.GaugeVec
	entitiesProcessed  *prometheus.CounterVec
	sourceRequests     *prometheus.CounterVec
	queuePending       prometheus.Gauge
}

// NewMetrics builds the collector set for one worker.
func NewMetrics(workerID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		workerID: workerID,
		registry: reg,
		activitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_worker_activities_total",
			Help: "Activities finished by this worker, by type and outcome.",
		}, []string{"worker_id", "activity_type", "outcome"}),
		activityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncd_worker_activity_duration_seconds",
			Help:    "Wall time of finished activities.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"worker_id", "activity_type"}),
		activitiesInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncd_worker_activities_in_flight",
			Help: "Activities currently executing on this worker.",
		}, []string{"worker_id"}),
		entitiesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_entities_processed_total",
			Help: "Entities the pipeline accounted for, by source connector.",
		}, []string{"worker_id", "connector_type"}),
		sourceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_source_requests_total",
			Help: "Outbound API requests issued to source connectors.",
		}, []string{"worker_id", "connector_type"}),
		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_queue_pending",
			Help: "Pending activities observed at the last status poll.",
		}),
	}
}

// Handler serves the worker's metrics in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ActivityStarted marks one activity entering execution.
func (m *Metrics) ActivityStarted(t ActivityType) {
	m.activitiesInFlight.WithLabelValues(m.workerID).Inc()
}

// ActivityFinished marks one activity leaving execution.
func (m *Metrics) ActivityFinished(t ActivityType, d time.Duration, failed bool) {
	m.activitiesInFlight.WithLabelValues(m.workerID).Dec()
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	m.activitiesTotal.WithLabelValues(m.workerID, string(t), outcome).Inc()
	m.activityDuration.WithLabelValues(m.workerID, string(t)).Observe(d.Seconds())
}

// EntitiesProcessed adds n processed entities for a source connector.
func (m *Metrics) EntitiesProcessed(connectorType string, n int64) {
	m.entitiesProcessed.WithLabelValues(m.workerID, connectorType).Add(float64(n))
}

// SourceRequest counts one outbound API request to a source connector.
func (m *Metrics) SourceRequest(connectorType string) {
	m.sourceRequests.WithLabelValues(m.workerID, connectorType).Inc()
}

// ObserveQueueDepth records the pending queue length.
func (m *Metrics) ObserveQueueDepth(pending int64) {
	m.queuePending.Set(float64(pending))
}

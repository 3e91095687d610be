// Package metrics exposes Vigil's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_events_recorded_total",
		Help: "Events appended to the event store, by type",
	}, []string{"type"})

	projections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_historique_projections_total",
		Help: "Historique projections, by outcome",
	}, []string{"outcome"})

	alertsSynthesized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_alerts_synthesized_total",
		Help: "Alerts created by the synthesizer, by severity",
	}, []string{"severity"})

	qualifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_qualifications_total",
		Help: "Qualification decisions, by label and outcome",
	}, []string{"qualification", "outcome"})

	riskUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_risk_updates_total",
		Help: "Risk ledger confirmations, by outcome",
	}, []string{"outcome"})

	workflowResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_workflow_results_total",
		Help: "Document workflow runs, by final status",
	}, []string{"status"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vigil_gateway_request_duration_seconds",
		Help:    "Latency of external scoring service calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service", "outcome"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vigil_http_request_duration_seconds",
		Help:    "HTTP request latency, by route pattern and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_http_active_requests",
		Help: "Current number of in-flight HTTP requests",
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_cache_lookups_total",
		Help: "Cache reads, by layer, key kind and hit or miss",
	}, []string{"layer", "kind", "outcome"})

	busDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_bus_dropped_total",
		Help: "Notifications dropped because a subscriber buffer was full, by topic",
	}, []string{"topic"})

	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_worker_retries_total",
		Help: "Pending events retried by the background worker, by outcome",
	}, []string{"outcome"})
)

// Handler serves the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Counters, one per pipeline step.

func EventRecorded(eventType string)   { eventsRecorded.WithLabelValues(eventType).Inc() }
func Projection(outcome string)        { projections.WithLabelValues(outcome).Inc() }
func AlertSynthesized(severity string) { alertsSynthesized.WithLabelValues(severity).Inc() }
func RiskUpdate(outcome string)        { riskUpdates.WithLabelValues(outcome).Inc() }
func WorkflowResult(status string)     { workflowResults.WithLabelValues(status).Inc() }
func Retry(outcome string)             { retries.WithLabelValues(outcome).Inc() }
func BusDropped(topic string)          { busDropped.WithLabelValues(topic).Inc() }

// CacheLookup counts one cache read.
func CacheLookup(layer, kind string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(layer, kind, outcome).Inc()
}

// Qualification counts one qualification decision.
func Qualification(label, outcome string) {
	qualifications.WithLabelValues(label, outcome).Inc()
}

// ObserveGateway records the latency of one scoring service call.
func ObserveGateway(service string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	gatewayLatency.WithLabelValues(service, outcome).Observe(time.Since(start).Seconds())
}

// ObserveRequest records one served HTTP request. route is the router
// pattern, never the raw path, to keep label cardinality bounded.
func ObserveRequest(method, route string, status int, start time.Time) {
	httpDuration.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Observe(time.Since(start).Seconds())
}

// TrackRequest increments the in-flight gauge and returns its decrement.
func TrackRequest() func() {
	activeRequests.Inc()
	return activeRequests.Dec
}

// Package metrics tracks transit engine metrics for Prometheus export.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector registers and updates all engine metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	locationUpdates  *prometheus.CounterVec
	locationRejected *prometheus.CounterVec
	connections      *prometheus.GaugeVec

	planRequests   prometheus.Counter
	planDuration   prometheus.Histogram
	planCacheHits  prometheus.Counter
	planCacheMiss  prometheus.Counter
	planActive     prometheus.Gauge
	searchStats    *prometheus.CounterVec
	searchTimeouts prometheus.Counter

	controlledBuses prometheus.Gauge
	graceTimers     prometheus.Gauge

	simTickDuration prometheus.Histogram
	simBuses        prometheus.Gauge

	pushesSent       *prometheus.CounterVec
	pushesSuppressed prometheus.Counter
}

// NewCollector creates a collector with its own registry, so tests can hold
// several without duplicate-registration panics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		locationUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_location_updates_total",
			Help: "Accepted location updates by source.",
		}, []string{"source"}),
		locationRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_location_rejected_total",
			Help: "Location updates rejected by the safety validator.",
		}, []string{"reason"}),
		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transit_connections",
			Help: "Connected realtime clients by namespace.",
		}, []string{"namespace"}),
		planRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "transit_plan_requests_total",
			Help: "Route plan requests.",
		}),
		planDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_plan_duration_seconds",
			Help:    "Route plan end-to-end duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		planCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "transit_plan_cache_hits_total",
			Help: "Route plan cache hits.",
		}),
		planCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "transit_plan_cache_misses_total",
			Help: "Route plan cache misses.",
		}),
		planActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transit_plan_active_requests",
			Help: "In-flight route plan requests.",
		}),
		searchStats: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_search_effort_total",
			Help: "Cumulative Dijkstra effort counters.",
		}, []string{"kind"}),
		searchTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "transit_search_timeouts_total",
			Help: "Dijkstra invocations that hit a safety cap.",
		}),
		controlledBuses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transit_controlled_buses",
			Help: "Buses currently under driver control.",
		}),
		graceTimers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transit_grace_timers",
			Help: "Buses in the post-disconnect grace period.",
		}),
		simTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_sim_tick_duration_seconds",
			Help:    "Simulation tick duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		simBuses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transit_sim_buses",
			Help: "Simulated buses being ticked.",
		}),
		pushesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_pushes_sent_total",
			Help: "Push notifications sent by type.",
		}, []string{"type"}),
		pushesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transit_pushes_suppressed_total",
			Help: "Push notifications suppressed by the dedupe sink.",
		}),
	}
}

// Handler returns the Prometheus exposition handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordLocationUpdate(source string) {
	c.locationUpdates.WithLabelValues(source).Inc()
}

func (c *Collector) RecordLocationRejected(reason string) {
	c.locationRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) SetConnections(namespace string, n int) {
	c.connections.WithLabelValues(namespace).Set(float64(n))
}

// PlanStarted marks a plan request in flight; the returned func finishes it.
func (c *Collector) PlanStarted() func(duration time.Duration) {
	c.planRequests.Inc()
	c.planActive.Inc()
	return func(d time.Duration) {
		c.planActive.Dec()
		c.planDuration.Observe(d.Seconds())
	}
}

func (c *Collector) RecordPlanCacheHit()  { c.planCacheHits.Inc() }
func (c *Collector) RecordPlanCacheMiss() { c.planCacheMiss.Inc() }

// RecordSearch rolls one Dijkstra invocation's stats into the counters.
func (c *Collector) RecordSearch(iterations, heapPeak, dominatedPrunes int, timedOut bool) {
	c.searchStats.WithLabelValues("iterations").Add(float64(iterations))
	c.searchStats.WithLabelValues("heap_peak").Add(float64(heapPeak))
	c.searchStats.WithLabelValues("dominated_prunes").Add(float64(dominatedPrunes))
	if timedOut {
		c.searchTimeouts.Inc()
	}
}

func (c *Collector) SetControlledBuses(n int) { c.controlledBuses.Set(float64(n)) }
func (c *Collector) SetGraceTimers(n int)     { c.graceTimers.Set(float64(n)) }

func (c *Collector) RecordSimTick(d time.Duration, buses int) {
	c.simTickDuration.Observe(d.Seconds())
	c.simBuses.Set(float64(buses))
}

func (c *Collector) RecordPushSent(pushType string) {
	c.pushesSent.WithLabelValues(pushType).Inc()
}

func (c *Collector) RecordPushSuppressed() { c.pushesSuppressed.Inc() }

package metrics

import (
	"net/http"

	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hsu_supervisor"

var allStates = []unit.State{
	unit.StateCreated,
	unit.StateInitializing,
	unit.StateRunning,
	unit.StateDegraded,
	unit.StateStopping,
	unit.StateStopped,
	unit.StateFailed,
}

// Collector turns supervisor events into Prometheus series. It is an event sink.
type Collector struct {
	registry *prometheus.Registry

	unitState    *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	unitHealthy  *prometheus.GaugeVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ supervisor.EventSink = (*Collector)(nil)

// NewCollector registers every series on a private registry together with the Go and process collectors
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		unitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unit_state",
				Help:      "Current lifecycle state of each unit (1 for the active state).",
			},
			[]string{"unit_id", "unit_name", "state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_transitions_total",
				Help:      "Total number of unit state transitions.",
			},
			[]string{"unit_id", "unit_name", "to"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_steps_total",
				Help:      "Total number of run-steps by outcome.",
			},
			[]string{"unit_id", "unit_name", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_step_duration_seconds",
				Help:      "Run-step duration in seconds, retries included.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"unit_id", "unit_name"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_retries_total",
				Help:      "Total number of retried lifecycle calls.",
			},
			[]string{"unit_id", "unit_name", "operation"},
		),
		unitHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unit_healthy",
				Help:      "Whether the unit's last health check passed.",
			},
			[]string{"unit_id", "unit_name"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	c.registry.MustRegister(
		c.unitState,
		c.transitions,
		c.steps,
		c.stepDuration,
		c.retries,
		c.unitHealthy,
		c.HTTPRequests,
		c.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Emit records one supervisor event
func (c *Collector) Emit(event supervisor.Event) {
	switch event.Type {
	case supervisor.EventTransition:
		c.transitions.WithLabelValues(event.UnitID, event.UnitName, string(event.To)).Inc()
		for _, state := range allStates {
			value := 0.0
			if state == event.To {
				value = 1
			}
			c.unitState.WithLabelValues(event.UnitID, event.UnitName, string(state)).Set(value)
		}

	case supervisor.EventStep:
		outcome := "success"
		if event.Err != nil {
			outcome = "error"
		}
		c.steps.WithLabelValues(event.UnitID, event.UnitName, outcome).Inc()
		c.stepDuration.WithLabelValues(event.UnitID, event.UnitName).Observe(event.Duration.Seconds())

	case supervisor.EventRetry:
		c.retries.WithLabelValues(event.UnitID, event.UnitName, event.Operation).Inc()

	case supervisor.EventHealth:
		value := 0.0
		if event.Health.Status == monitoring.HealthStatusHealthy {
			value = 1
		}
		c.unitHealthy.WithLabelValues(event.UnitID, event.UnitName).Set(value)

	case supervisor.EventRemoved:
		labels := prometheus.Labels{"unit_id": event.UnitID}
		c.unitState.DeletePartialMatch(labels)
		c.transitions.DeletePartialMatch(labels)
		c.steps.DeletePartialMatch(labels)
		c.stepDuration.DeletePartialMatch(labels)
		c.retries.DeletePartialMatch(labels)
		c.unitHealthy.DeletePartialMatch(labels)
	}
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

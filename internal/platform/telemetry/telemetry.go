// Package telemetry exposes Prometheus metrics for the clinical documentation
// server: HTTP request counters and latencies, cache effectiveness, schema
// validation outcomes, rule execution and submission lifecycle activity.
//
// All recording methods are safe to call on a nil *Metrics, which lets unit
// tests and offline tools run the services with metrics disabled.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clindoc"

// Metrics holds every collector registered by the server.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec   // method, route, status
	httpDuration *prometheus.HistogramVec // method, route

	cacheRequests      *prometheus.CounterVec // entity, result: hit, miss, error
	cacheInvalidations *prometheus.CounterVec // entity, result: ok, error

	schemaValidations *prometheus.CounterVec   // result: valid, invalid, error
	schemaDuration    prometheus.Histogram
	ruleExecutions    *prometheus.CounterVec   // type, result: ok, violation, error

	versionsCreated   prometheus.Counter
	versionConflicts  prometheus.Counter
	submissions       *prometheus.CounterVec // result: accepted, invalid, rejected
	statusTransitions *prometheus.CounterVec // from, to
	voids             prometheus.Counter

	componentChanges *prometheus.CounterVec // action: CREATE, UPDATE, RETIRE
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled",
		}, []string{"method", "route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by entity type and result",
		}, []string{"entity", "result"}),

		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Prefix invalidations by entity type and result",
		}, []string{"entity", "result"}),

		schemaValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "validations_total",
			Help:      "Payload validations against template version schemas",
		}, []string{"result"}),

		schemaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "validation_duration_seconds",
			Help:      "Schema validation latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		ruleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "executions_total",
			Help:      "Processing rule executions by rule type and result",
		}, []string{"type", "result"}),

		versionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "templates",
			Name:      "versions_created_total",
			Help:      "Template versions created",
		}),

		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "templates",
			Name:      "version_conflicts_total",
			Help:      "Version number collisions that triggered a retry",
		}),

		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forms",
			Name:      "submissions_total",
			Help:      "Form submissions by result",
		}, []string{"result"}),

		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forms",
			Name:      "status_transitions_total",
			Help:      "Accepted form status transitions",
		}, []string{"from", "to"}),

		voids: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forms",
			Name:      "voided_total",
			Help:      "Form submissions voided",
		}),

		componentChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "components",
			Name:      "changes_total",
			Help:      "Form component library changes by action",
		}, []string{"action"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.cacheRequests, m.cacheInvalidations,
		m.schemaValidations, m.schemaDuration, m.ruleExecutions,
		m.versionsCreated, m.versionConflicts,
		m.submissions, m.statusTransitions, m.voids,
		m.componentChanges,
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latencies keyed by the matched route
// template, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) CacheLookup(entity, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) CacheInvalidation(entity string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheInvalidations.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) SchemaValidation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.schemaValidations.WithLabelValues(result).Inc()
	m.schemaDuration.Observe(d.Seconds())
}

func (m *Metrics) RuleExecution(ruleType, result string) {
	if m == nil {
		return
	}
	m.ruleExecutions.WithLabelValues(ruleType, result).Inc()
}

func (m *Metrics) VersionCreated() {
	if m == nil {
		return
	}
	m.versionsCreated.Inc()
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) StatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Voided() {
	if m == nil {
		return
	}
	m.voids.Inc()
}

func (m *Metrics) ComponentChanged(action string) {
	if m == nil {
		return
	}
	m.componentChanges.WithLabelValues(action).Inc()
}

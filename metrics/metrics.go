// Package metrics wraps the Prometheus collectors exported by the engine.
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several engines can coexist in one
// process (tests, tools).
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	auditAppends  *prometheus.CounterVec
	auditLatency  prometheus.Histogram
	chainHead     prometheus.Gauge
	disputes      *prometheus.CounterVec
	releases      prometheus.Counter
	refunds       prometheus.Counter
	signatures    prometheus.Counter
	notifyDropped prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "tenderguard"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tender",
		Name:      "transitions_total",
		Help:      "Committed tender stage transitions.",
	}, []string{"from", "to"})
	c.auditAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "appends_total",
		Help:      "Audit chain append attempts by result.",
	}, []string{"result"})
	c.auditLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "append_seconds",
		Help:      "Latency of a single audit append including persistence.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	c.chainHead = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "head_sequence",
		Help:      "Sequence number of the latest committed audit entry.",
	})
	c.disputes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispute",
		Name:      "events_total",
		Help:      "Dispute lifecycle events by resulting status.",
	}, []string{"status"})
	c.releases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "releases_total",
		Help:      "Milestone releases.",
	})
	c.refunds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "refunds_total",
		Help:      "Milestone refunds.",
	})
	c.signatures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "signatures_total",
		Help:      "Distinct milestone signatures recorded.",
	})
	c.notifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the queue was full or delivery failed.",
	})

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route pattern and status code.",
	}, []string{"method", "route", "code"})
	c.httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "API request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	c.registry.MustRegister(
		c.transitions, c.auditAppends, c.auditLatency, c.chainHead,
		c.disputes, c.releases, c.refunds, c.signatures, c.notifyDropped,
		c.httpRequests, c.httpLatency,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) AuditAppend(ok bool, seconds float64, head uint64) {
	if c == nil {
		return
	}
	if !ok {
		c.auditAppends.WithLabelValues("error").Inc()
		return
	}
	c.auditAppends.WithLabelValues("ok").Inc()
	c.auditLatency.Observe(seconds)
	c.chainHead.Set(float64(head))
}

func (c *Collector) Dispute(status string) {
	if c == nil {
		return
	}
	c.disputes.WithLabelValues(status).Inc()
}

func (c *Collector) Release() {
	if c == nil {
		return
	}
	c.releases.Inc()
}

func (c *Collector) Refund() {
	if c == nil {
		return
	}
	c.refunds.Inc()
}

func (c *Collector) Signature() {
	if c == nil {
		return
	}
	c.signatures.Inc()
}

func (c *Collector) NotifyDropped() {
	if c == nil {
		return
	}
	c.notifyDropped.Inc()
}

func (c *Collector) HTTPRequest(method, route string, code int, seconds float64) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(seconds)
}

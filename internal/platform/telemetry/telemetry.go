// Package telemetry exposes Prometheus metrics for the portal API: HTTP
// server metrics recorded by middleware plus domain counters for records,
// stored objects and orphan reconciliation.
package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider owns a private registry so tests can build as many as they like.
type Provider struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	recordsCreated    prometheus.Counter
	recordsUpdated    *prometheus.CounterVec
	recordsSubmitted  prometheus.Counter
	objectsStored     *prometheus.CounterVec
	objectsDeleted    prometheus.Counter
	storedBytes       prometheus.Counter
	orphanCandidates  prometheus.Counter
	orphansReconciled *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
}

func NewProvider(namespace string) *Provider {
	if namespace == "" {
		namespace = "aligner"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Provider{
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served.",
		}),
		recordsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patient_records_created_total",
			Help:      "Patient records created by step 1.",
		}),
		recordsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patient_record_updates_total",
			Help:      "Partial updates by wizard step.",
		}, []string{"step"}),
		recordsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patient_records_submitted_total",
			Help:      "Records that completed step 4.",
		}),
		objectsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_stored_total",
			Help:      "Objects written to the object store by file class.",
		}, []string{"class"}),
		objectsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_deleted_total",
			Help:      "Objects removed from the object store.",
		}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "object_bytes_stored_total",
			Help:      "Bytes written to the object store.",
		}),
		orphanCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_candidates_total",
			Help:      "Storage keys reported as possibly unreferenced.",
		}),
		orphansReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_reconciled_total",
			Help:      "Orphan candidates resolved by reconciliation, by outcome.",
		}, []string{"outcome"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications created by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		p.requestDuration, p.activeRequests,
		p.recordsCreated, p.recordsUpdated, p.recordsSubmitted,
		p.objectsStored, p.objectsDeleted, p.storedBytes,
		p.orphanCandidates, p.orphansReconciled, p.notificationsSent,
	)
	return p
}

// ---------------------------------------------------------------------------
// Domain counters. All methods are safe on a nil provider.
// ---------------------------------------------------------------------------

func (p *Provider) RecordCreated() {
	if p != nil {
		p.recordsCreated.Inc()
	}
}

func (p *Provider) RecordUpdated(step int) {
	if p != nil {
		p.recordsUpdated.WithLabelValues(fmt.Sprintf("%d", step)).Inc()
	}
}

func (p *Provider) RecordSubmitted() {
	if p != nil {
		p.recordsSubmitted.Inc()
	}
}

func (p *Provider) ObjectStored(class string, size int64) {
	if p != nil {
		p.objectsStored.WithLabelValues(class).Inc()
		p.storedBytes.Add(float64(size))
	}
}

func (p *Provider) ObjectDeleted() {
	if p != nil {
		p.objectsDeleted.Inc()
	}
}

func (p *Provider) OrphanCandidates(n int) {
	if p != nil {
		p.orphanCandidates.Add(float64(n))
	}
}

// OrphanReconciled counts one reconciliation outcome: "deleted", "referenced"
// or "failed".
func (p *Provider) OrphanReconciled(outcome string) {
	if p != nil {
		p.orphansReconciled.WithLabelValues(outcome).Inc()
	}
}

func (p *Provider) NotificationSent(kind string) {
	if p != nil {
		p.notificationsSent.WithLabelValues(kind).Inc()
	}
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.requestDuration.
				WithLabelValues(c.Request().Method, route, fmt.Sprintf("%d", status)).
				Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves the registry in Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

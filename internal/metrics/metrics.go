package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Allocator and guard metrics
var (
	SandboxAssignsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_sandbox_assigns_total",
			Help: "Total sandbox assignment resolutions",
		},
		[]string{"outcome"}, // "reused", "placed", "created", "migrated", "error"
	)

	SandboxesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "appforge_sandboxes_registered",
			Help: "Number of sandboxes in the local registry",
		},
	)

	PortAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_port_allocations_total",
			Help: "Total dev port allocations",
		},
		[]string{"outcome"}, // "probed", "fallback", "error"
	)

	PortAllocationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appforge_port_allocation_retries_total",
			Help: "Outer retries of the port allocation loop under contention",
		},
	)

	GuardDedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appforge_guard_dedup_hits_total",
			Help: "EnsureRunning calls that joined an in-flight resolution",
		},
	)

	GuardRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appforge_guard_retries_total",
			Help: "Guard resolution attempts retried on transient provider errors",
		},
	)

	SandboxStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appforge_sandbox_starts_total",
			Help: "Start commands issued to stopped sandboxes",
		},
	)

	EnsureRunningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "appforge_ensure_running_duration_seconds",
			Help:    "Time to resolve a sandbox to a running state",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)
)

// HTTP and billing metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ProjectCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_project_creates_total",
			Help: "Total project creations",
		},
		[]string{"status"},
	)

	UsageEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_usage_events_total",
			Help: "Usage metering events published",
		},
		[]string{"kind"},
	)

	WebhookSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_webhook_sync_total",
			Help: "Webhook registry sync operations",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxAssignsTotal,
		SandboxesRegistered,
		PortAllocationsTotal,
		PortAllocationRetries,
		GuardDedupHits,
		GuardRetries,
		SandboxStartsTotal,
		EnsureRunningDuration,
		HTTPRequestsTotal,
		ProjectCreatesTotal,
		UsageEventsTotal,
		WebhookSyncTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			_ = duration // Could add request duration histogram here
			return err
		}
	}
}

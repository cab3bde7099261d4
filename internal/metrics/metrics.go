package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "as7265x_bench_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "as7265x_bench_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "as7265x_bench_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "as7265x_bench_dispatch_total",
			Help: "Commands sent to a platform by platform, operation, and outcome.",
		},
		[]string{"platform", "operation", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "as7265x_bench_dispatch_duration_seconds",
			Help:    "Command round-trip latency in seconds by platform and operation.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"platform", "operation"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "as7265x_bench_runs_total",
			Help: "Sensor test runs by platform and result.",
		},
		[]string{"platform", "result"},
	)
)

// Dispatch outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeError  = "error"
)

// ObserveDispatch records one command sent to platform.
func ObserveDispatch(platform, operation, outcome string, d time.Duration) {
	dispatchTotal.WithLabelValues(platform, operation, outcome).Inc()
	dispatchDuration.WithLabelValues(platform, operation).Observe(d.Seconds())
}

// ObserveRun records a finished sensor test run.
func ObserveRun(platform string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	runsTotal.WithLabelValues(platform, result).Inc()
}

// PlatformSource is the subset of bench.Bench needed to collect platform
// metrics.
type PlatformSource interface {
	TransportCounts() map[string]int
	SelectedPlatform() (string, bool)
}

// platformCollector reports the loaded platforms and the current selection
// on each scrape.
type platformCollector struct {
	src           PlatformSource
	platformsDesc *prometheus.Desc
	selectedDesc  *prometheus.Desc
}

func (c *platformCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.platformsDesc
	ch <- c.selectedDesc
}

func (c *platformCollector) Collect(ch chan<- prometheus.Metric) {
	for transport, n := range c.src.TransportCounts() {
		ch <- prometheus.MustNewConstMetric(
			c.platformsDesc,
			prometheus.GaugeValue,
			float64(n),
			transport,
		)
	}
	if id, ok := c.src.SelectedPlatform(); ok {
		ch <- prometheus.MustNewConstMetric(c.selectedDesc, prometheus.GaugeValue, 1, id)
	}
}

// Register registers all metrics with reg. Call once at startup after the
// platforms are loaded.
func Register(reg prometheus.Registerer, src PlatformSource) {
	reg.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Bench metrics
		dispatchTotal,
		dispatchDuration,
		runsTotal,
		&platformCollector{
			src: src,
			platformsDesc: prometheus.NewDesc(
				"as7265x_bench_platforms_total",
				"Number of loaded platforms, partitioned by transport.",
				[]string{"transport"},
				nil,
			),
			selectedDesc: prometheus.NewDesc(
				"as7265x_bench_platform_selected",
				"Set to 1 for the currently selected platform.",
				[]string{"platform"},
				nil,
			),
		},
	)
}

// Handler returns the HTTP handler for the /metrics endpoint serving g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/v1/platforms/{id}")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}

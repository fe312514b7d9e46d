// ABOUTME: Prometheus metrics for stabilization, command dispatch, agent RPC and the HTTP surface.
// ABOUTME: Vectors are package-level; Register wires them and the agent collector into the default registry.

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
	stabilizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gami_stabilizations_total",
			Help: "Stabilization attempts by component type and outcome.",
		},
		[]string{"component", "outcome"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gami_dispatch_total",
			Help: "Dispatched commands by method and result code.",
		},
		[]string{"method", "code"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gami_dispatch_duration_seconds",
			Help:    "Command handler latency in seconds by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	clientCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gami_agent_calls_total",
			Help: "Outbound agent RPC calls by method and failure class.",
		},
		[]string{"method", "class"},
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gami_heartbeats_total",
			Help: "Heartbeats received by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gami_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gami_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveStabilization counts one stabilization attempt.
func ObserveStabilization(component, outcome string) {
	stabilizationsTotal.WithLabelValues(component, outcome).Inc()
}

// ObserveDispatch records a dispatched command. code is "ok" or the JSON-RPC error code.
func ObserveDispatch(method string, code int, elapsed time.Duration) {
	label := "ok"
	if code != 0 {
		label = strconv.Itoa(code)
	}
	dispatchTotal.WithLabelValues(method, label).Inc()
	dispatchDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveClientCall counts an outbound call by its failure class ("ok" on success).
func ObserveClientCall(method, class string) {
	clientCallsTotal.WithLabelValues(method, class).Inc()
}

// ObserveHeartbeat counts a heartbeat by outcome.
func ObserveHeartbeat(outcome string) {
	heartbeatsTotal.WithLabelValues(outcome).Inc()
}

// AgentSource is the subset of the agent manager needed to collect session metrics.
type AgentSource interface {
	CountByState() map[string]int
	ResourceCounts() map[string]int
}

// agentCollector reads session and mirror sizes on each scrape.
type agentCollector struct {
	src           AgentSource
	agentsDesc    *prometheus.Desc
	resourcesDesc *prometheus.Desc
}

func (c *agentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.agentsDesc
	ch <- c.resourcesDesc
}

func (c *agentCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.src.CountByState() {
		ch <- prometheus.MustNewConstMetric(c.agentsDesc, prometheus.GaugeValue, float64(n), state)
	}
	for agentID, n := range c.src.ResourceCounts() {
		ch <- prometheus.MustNewConstMetric(c.resourcesDesc, prometheus.GaugeValue, float64(n), agentID)
	}
}

// NewAgentCollector builds the scrape-time collector for agent sessions.
func NewAgentCollector(src AgentSource) prometheus.Collector {
	return &agentCollector{
		src: src,
		agentsDesc: prometheus.NewDesc(
			"gami_agents",
			"Number of known agents, partitioned by session state.",
			[]string{"state"},
			nil,
		),
		resourcesDesc: prometheus.NewDesc(
			"gami_mirrored_resources",
			"Number of resources mirrored from each agent.",
			[]string{"agent_id"},
			nil,
		),
	}
}

// Register registers all metrics with the default Prometheus registry.
// Call once at startup. src may be nil on agents, which have no sessions to report.
func Register(src AgentSource) {
	prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		stabilizationsTotal,
		dispatchTotal,
		dispatchDuration,
		clientCallsTotal,
		heartbeatsTotal,
		httpRequestsTotal,
		httpRequestDuration,
	)
	if src != nil {
		prometheus.MustRegister(NewAgentCollector(src))
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics under a bounded route pattern.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(rw, r)
	})
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyang/agent-coordinator/internal/service/stats"
)

const namespace = "agentcoord"

// GaugeSource reads the live gauges at scrape time.
type GaugeSource func() stats.Gauges

// Metrics exposes the coordination counters to Prometheus. Counter values
// are read from stats.Counters at scrape time, so nothing is double-counted.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New(counters *stats.Counters, gauges GaugeSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	counter := func(name, help string, read func() int64) {
		f.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(read()) })
	}
	counter("agents_registered_total", "Agent registrations, including re-registrations.", counters.AgentsRegistered.Load)
	counter("agents_evicted_total", "Agents removed for staying offline past the grace period.", counters.AgentsEvicted.Load)
	counter("messages_routed_total", "Messages accepted by a destination.", counters.MessagesRouted.Load)
	counter("routing_errors_total", "Routing attempts that failed.", counters.RoutingErrors.Load)
	counter("circuit_breaker_trips_total", "Transitions of a destination breaker to open.", counters.BreakerTrips.Load)
	counter("responses_timed_out_total", "Pending responses completed by their deadline.", counters.ResponsesTimedOut.Load)
	counter("late_responses_total", "Responses discarded for having no pending slot.", counters.LateResponses.Load)

	gauge := func(name, help string, read func(stats.Gauges) int) {
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(read(gauges())) })
	}
	gauge("agents", "Registered agents.", func(g stats.Gauges) int { return g.AgentCount })
	gauge("agents_healthy", "Registered agents reporting healthy.", func(g stats.Gauges) int { return g.HealthyAgents })
	gauge("pending_responses", "Messages awaiting a response.", func(g stats.Gauges) int { return g.PendingResponses })
	gauge("active_collaborations", "Consensus and peer-review rounds in progress.", func(g stats.Gauges) int { return g.ActiveCollaborations })

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

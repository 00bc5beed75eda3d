package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vcp_origin"

// Metrics holds the collectors of the origin. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	// TrackedResponses counts tracked endpoint responses by status code
	TrackedResponses *prometheus.CounterVec

	// SlowResponses counts tracked responses that were delayed
	SlowResponses prometheus.Counter

	// CustomEvents counts events injected by the test driver
	CustomEvents prometheus.Counter

	// Sessions is the number of live sessions in the interaction log
	Sessions prometheus.Gauge

	// EvictedSessions counts sessions removed by the sweep
	EvictedSessions prometheus.Counter

	// ProxyRequests counts sanitized requests by method and upstream status
	ProxyRequests *prometheus.CounterVec

	// ProxyErrors counts upstream transport failures by method
	ProxyErrors *prometheus.CounterVec

	// UpstreamDuration tracks upstream round trip time by method
	UpstreamDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TrackedResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "origin",
			Name:      "responses_total",
			Help:      "Responses sent by the tracked endpoint",
		}, []string{"status"}),

		SlowResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "origin",
			Name:      "slow_responses_total",
			Help:      "Tracked responses that were deliberately delayed",
		}),

		CustomEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interactions",
			Name:      "custom_events_total",
			Help:      "Events injected through the write endpoint",
		}),

		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "interactions",
			Name:      "sessions",
			Help:      "Live sessions in the interaction log",
		}),

		EvictedSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interactions",
			Name:      "evicted_sessions_total",
			Help:      "Sessions removed after their retention window",
		}),

		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Sanitized requests by method and upstream status",
		}, []string{"method", "status"}),

		ProxyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Upstream transport failures",
		}, []string{"method"}),

		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream round trip time",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
	}
}

func (m *Metrics) ObserveTrackedResponse(status int, slow bool) {
	if m == nil {
		return
	}
	m.TrackedResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	if slow {
		m.SlowResponses.Inc()
	}
}

func (m *Metrics) IncCustomEvents() {
	if m == nil {
		return
	}
	m.CustomEvents.Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

func (m *Metrics) AddEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictedSessions.Add(float64(n))
}

func (m *Metrics) ObserveProxy(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.UpstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) IncProxyErrors(method string) {
	if m == nil {
		return
	}
	m.ProxyErrors.WithLabelValues(method).Inc()
}

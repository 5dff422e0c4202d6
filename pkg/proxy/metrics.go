package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lkarlslund/chatgate/pkg/stream"
)

// metrics uses its own registry so several servers can coexist in tests.
type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	frames          *prometheus.CounterVec
	activeStreams   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "requests_total",
			Help:      "API requests by route and response status.",
		}, []string{"route", "status"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatgate",
			Name:      "upstream_response_seconds",
			Help:      "Time until upstream response headers arrived.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"route"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "stream_frames_total",
			Help:      "Reframed stream frames by kind.",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatgate",
			Name:      "active_streams",
			Help:      "Chat streams currently being relayed.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.upstreamLatency,
		m.frames,
		m.activeStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *metrics) observeUpstream(route string, started time.Time) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(route).Observe(time.Since(started).Seconds())
}

func (m *metrics) observeFrame(kind stream.FrameKind) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind.String()).Inc()
}

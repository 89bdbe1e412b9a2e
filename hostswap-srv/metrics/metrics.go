// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tunnel outcomes used as the result label.
const (
	TunnelEstablished = "established"
	TunnelFailed      = "failed"
	TunnelRejected    = "rejected"
)

// Relay directions used as the direction label.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds all Prometheus metrics of one proxy instance. Each instance
// owns its registry, so several proxies can live in one process.
type Metrics struct {
	reg *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	TunnelsTotal         *prometheus.CounterVec
	ActiveTunnels        *prometheus.GaugeVec
	BytesTransferred     *prometheus.CounterVec
	UpstreamDialDuration *prometheus.HistogramVec
	ErrorsTotal          *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hostswap"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of forwarded plain HTTP requests",
			},
			[]string{"redirected", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time until the upstream response was fully relayed",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"redirected"},
		),
		TunnelsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_total",
				Help:      "Total number of CONNECT tunnels by outcome",
			},
			[]string{"redirected", "result"},
		),
		ActiveTunnels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tunnels",
				Help:      "Number of currently established CONNECT tunnels",
			},
			[]string{"redirected"},
		),
		BytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnel_bytes_total",
				Help:      "Bytes relayed through CONNECT tunnels",
			},
			[]string{"direction"},
		),
		UpstreamDialDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_dial_duration_seconds",
				Help:      "Time to establish upstream tunnel connections",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of proxy errors by error code",
			},
			[]string{"code"},
		),
	}
}

// Registry returns the registry all metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler returns the /metrics handler for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveRequest records a completed plain HTTP request.
func (m *Metrics) ObserveRequest(redirected bool, status int, d time.Duration) {
	label := strconv.FormatBool(redirected)
	m.RequestsTotal.WithLabelValues(label, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(label).Observe(d.Seconds())
}

// TunnelResult records the outcome of a CONNECT request.
func (m *Metrics) TunnelResult(redirected bool, result string) {
	m.TunnelsTotal.WithLabelValues(strconv.FormatBool(redirected), result).Inc()
}

// TunnelOpened marks a tunnel as established; the returned func marks it closed.
func (m *Metrics) TunnelOpened(redirected bool) func() {
	g := m.ActiveTunnels.WithLabelValues(strconv.FormatBool(redirected))
	g.Inc()
	return g.Dec
}

// ObserveDial records how long an upstream dial took.
func (m *Metrics) ObserveDial(result string, d time.Duration) {
	m.UpstreamDialDuration.WithLabelValues(result).Observe(d.Seconds())
}

// AddBytes adds relayed tunnel bytes for a direction.
func (m *Metrics) AddBytes(direction string, n int64) {
	if n > 0 {
		m.BytesTransferred.WithLabelValues(direction).Add(float64(n))
	}
}

// Error counts an error by its proxy error code.
func (m *Metrics) Error(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string, m *Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

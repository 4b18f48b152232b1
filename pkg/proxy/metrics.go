package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection modes, used as metric and traffic labels
const (
	ModeDirect      = "direct"
	ModeTunnel      = "tunnel"
	ModeIntercept   = "intercept"
	ModeTransparent = "transparent"
	ModeRejected    = "rejected"
)

// Metrics holds the proxy's Prometheus collectors
type Metrics struct {
	connectionsTotal *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	backendSeconds   *prometheus.HistogramVec
	tunnelBytes      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	connectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "translocal",
			Subsystem: "proxy",
			Name:      "connections_total",
			Help:      "Accepted connections by classified mode.",
		},
		[]string{"mode"},
	)
	registerer.MustRegister(connectionsTotal)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "translocal",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Dispatched API requests by format and status code.",
		},
		[]string{"format", "code"},
	)
	registerer.MustRegister(requestsTotal)

	backendSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "translocal",
			Subsystem: "backend",
			Name:      "request_seconds",
			Help:      "Time spent translating one API request.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"format", "outcome"},
	)
	registerer.MustRegister(backendSeconds)

	tunnelBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "translocal",
			Subsystem: "proxy",
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels.",
		},
		[]string{"direction"},
	)
	registerer.MustRegister(tunnelBytes)

	return &Metrics{
		connectionsTotal: connectionsTotal,
		requestsTotal:    requestsTotal,
		backendSeconds:   backendSeconds,
		tunnelBytes:      tunnelBytes,
	}
}

// The methods below tolerate a nil receiver so metrics stay optional.

func (m *Metrics) connection(mode string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) request(format string, code int) {
	if m == nil {
		return
	}
	if format == "" {
		format = "none"
	}
	m.requestsTotal.WithLabelValues(format, strconv.Itoa(code)).Inc()
}

func (m *Metrics) backend(format string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.backendSeconds.WithLabelValues(format, outcome).Observe(d.Seconds())
}

func (m *Metrics) tunnel(up, down int64) {
	if m == nil {
		return
	}
	m.tunnelBytes.WithLabelValues("upstream").Add(float64(up))
	m.tunnelBytes.WithLabelValues("downstream").Add(float64(down))
}

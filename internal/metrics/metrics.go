// Package metrics provides Prometheus metrics for udpturbo.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpturbo"
)

// Metrics contains all Prometheus metrics for the socket manager.
type Metrics struct {
	// Socket lifecycle
	SocketsActive  prometheus.Gauge
	SocketsCreated *prometheus.CounterVec
	SocketsClosed  prometheus.Counter
	Resets         prometheus.Counter

	// Datagram traffic
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	ReceiveWait       prometheus.Histogram

	// Errors by kind and operation
	SocketErrors *prometheus.CounterVec

	// Multicast
	MulticastMemberships prometheus.Gauge
	MulticastLockHeld    prometheus.Gauge
	MulticastLockRefs    prometheus.Gauge

	// Control API
	ControlRequests *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SocketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_active",
			Help:      "Number of sockets currently registered",
		}),
		SocketsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_created_total",
			Help:      "Total sockets created by family",
		}, []string{"family"}),
		SocketsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_closed_total",
			Help:      "Total sockets closed and removed",
		}),
		Resets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Total registry resets",
		}),

		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent by family",
		}, []string{"family"}),
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received by family",
		}, []string{"family"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent by family",
		}, []string{"family"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received by family",
		}, []string{"family"}),
		ReceiveWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receive_wait_seconds",
			Help:      "Time a receive call waited for a datagram",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),

		SocketErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_errors_total",
			Help:      "Total socket operation errors by kind and operation",
		}, []string{"kind", "op"}),

		MulticastMemberships: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "multicast_memberships",
			Help:      "Number of multicast group memberships across all sockets",
		}),
		MulticastLockHeld: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "multicast_lock_held",
			Help:      "1 when the multicast wake lock is held",
		}),
		MulticastLockRefs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "multicast_lock_references",
			Help:      "Number of sockets holding a multicast lock reference",
		}),

		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Total control API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// RecordSocketCreated records a socket being added to the registry.
func (m *Metrics) RecordSocketCreated(family string) {
	if m == nil {
		return
	}
	m.SocketsActive.Inc()
	m.SocketsCreated.WithLabelValues(family).Inc()
}

// RecordSocketClosed records a socket being removed from the registry.
func (m *Metrics) RecordSocketClosed() {
	if m == nil {
		return
	}
	m.SocketsActive.Dec()
	m.SocketsClosed.Inc()
}

// RecordReset records a registry reset that removed n sockets.
func (m *Metrics) RecordReset(n int) {
	if m == nil {
		return
	}
	m.Resets.Inc()
	m.SocketsActive.Sub(float64(n))
	m.SocketsClosed.Add(float64(n))
}

// RecordSend records a datagram sent.
func (m *Metrics) RecordSend(family string, bytes int) {
	if m == nil {
		return
	}
	m.DatagramsSent.WithLabelValues(family).Inc()
	m.BytesSent.WithLabelValues(family).Add(float64(bytes))
}

// RecordReceive records a datagram received and how long the caller waited.
func (m *Metrics) RecordReceive(family string, bytes int, waitSeconds float64) {
	if m == nil {
		return
	}
	m.DatagramsReceived.WithLabelValues(family).Inc()
	m.BytesReceived.WithLabelValues(family).Add(float64(bytes))
	m.ReceiveWait.Observe(waitSeconds)
}

// RecordError records a failed socket operation.
func (m *Metrics) RecordError(kind, op string) {
	if m == nil {
		return
	}
	m.SocketErrors.WithLabelValues(kind, op).Inc()
}

// AddMemberships adjusts the membership gauge by delta.
func (m *Metrics) AddMemberships(delta int) {
	if m == nil {
		return
	}
	m.MulticastMemberships.Add(float64(delta))
}

// SetMulticastLock publishes the lock coordinator state.
func (m *Metrics) SetMulticastLock(held bool, refs int) {
	if m == nil {
		return
	}
	if held {
		m.MulticastLockHeld.Set(1)
	} else {
		m.MulticastLockHeld.Set(0)
	}
	m.MulticastLockRefs.Set(float64(refs))
}

// RecordControlRequest records a control API request.
func (m *Metrics) RecordControlRequest(route string, code int) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

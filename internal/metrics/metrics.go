// Package metrics exposes server counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtingers/fbmd/internal/listener"
	"github.com/mtingers/fbmd/internal/serializer"
)

const namespace = "fbmd"

// Metrics holds the server collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	connections      prometheus.Gauge
	connectionsTotal prometheus.Counter
	connsRejected    *prometheus.CounterVec
	messages         prometheus.Counter
	messageBytes     prometheus.Counter
	rejected         *prometheus.CounterVec
	handled          *prometheus.HistogramVec
}

var _ listener.Observer = (*Metrics)(nil)

// New creates the collectors and registers them together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open FBM connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "FBM connections accepted.",
		}),
		connsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Upgrade requests refused, by reason.",
		}, []string{"reason"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Complete inbound messages queued for dispatch.",
		}),
		messageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_bytes_received_total",
			Help:      "Bytes of complete inbound messages.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound messages not handed to the handler, by reason.",
		}, []string{"reason"}),
		handled: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Time from dispatch to response sent, by result.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.connectionsTotal,
		m.connsRejected,
		m.messages,
		m.messageBytes,
		m.rejected,
		m.handled,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ConnOpened() {
	m.connections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnClosed() { m.connections.Dec() }

func (m *Metrics) ConnRejected(reason string) { m.connsRejected.WithLabelValues(reason).Inc() }

func (m *Metrics) MessageReceived(size int) {
	m.messages.Inc()
	m.messageBytes.Add(float64(size))
}

func (m *Metrics) MessageRejected(reason string) { m.rejected.WithLabelValues(reason).Inc() }

func (m *Metrics) MessageHandled(elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handled.WithLabelValues(result).Observe(elapsed.Seconds())
}

// WatchSerializer exports the live state of a keyed serializer.
func (m *Metrics) WatchSerializer(name string, stats func() serializer.Stats) {
	labels := prometheus.Labels{"serializer": name}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "serializer_active_keys",
			Help:        "Keys currently held or waited on.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().ActiveKeys) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "serializer_waiters",
			Help:        "Callers queued behind a held key.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Waiters) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "serializer_contended_total",
			Help:        "Waits that had to queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Contended) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "serializer_cancelled_total",
			Help:        "Queued waits abandoned by cancellation.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Cancelled) }),
	)
}

package bitnet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a socket. They are registered with Config.Registerer,
// or left unregistered when it is nil.
type Metrics struct {
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	Resends           prometheus.Counter
	Acked             prometheus.Counter
	Messages          *prometheus.CounterVec
	Dropped           *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec
	Connections       prometheus.Gauge
	RTT               prometheus.Histogram
}

func newMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total number of datagrams written to the socket",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of datagrams read from the socket",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total number of bytes written to the socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total number of bytes read from the socket",
		}),
		Resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reliable_resends_total",
			Help:      "Total number of reliable frames sent again after going unacknowledged",
		}),
		Acked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reliable_acked_total",
			Help:      "Total number of reliable frames acknowledged by the peer",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages handed to the application",
		}, []string{"reliability"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of messages that were not sent or not delivered",
		}, []string{"reason"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of closed connections by reason",
		}, []string{"reason"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of established connections",
		}),
		RTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round trip time of acknowledged reliable frames",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

func (m *Metrics) sent(n int) {
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) received(n int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) rtt(d time.Duration) {
	m.RTT.Observe(d.Seconds())
}

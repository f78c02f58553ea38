package h2mux

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "h2mux"

// Metrics holds the Prometheus collectors shared by every connection of a client.
// A nil *Metrics records nothing.
type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamResets      *prometheus.CounterVec
	Resends           prometheus.Counter
	DataDeferred      prometheus.Counter
	PingRTT           prometheus.Histogram
	ConnectionsOpen   prometheus.Gauge
	ConnectionsClosed *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which tests use to read values directly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the transport, by frame type.",
		}, []string{"type"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the transport, by frame type.",
		}, []string{"type"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Streams currently open across all connections.",
		}),
		StreamsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_opened_total",
			Help:      "Streams assigned an id.",
		}),
		StreamResets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_resets_total",
			Help:      "RST_STREAM frames, by error code and origin.",
		}, []string{"code", "origin"}),
		Resends: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_resends_total",
			Help:      "Requests handed back for resend after an abort.",
		}),
		DataDeferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "data_frames_deferred_total",
			Help:      "DATA frames held back by the connection flow-control window.",
		}),
		PingRTT: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "ping_rtt_seconds",
			Help:      "Round trip time of keepalive PINGs.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ConnectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_open",
			Help:      "Connections whose writer loop is running.",
		}),
		ConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_closed_total",
			Help:      "Closed connections, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) frameSent(t FrameType) {
	if m != nil {
		m.FramesSent.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) frameReceived(t FrameType) {
	if m != nil {
		m.FramesReceived.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) streamOpened() {
	if m != nil {
		m.StreamsOpened.Inc()
		m.ActiveStreams.Inc()
	}
}

func (m *Metrics) streamClosed() {
	if m != nil {
		m.ActiveStreams.Dec()
	}
}

func (m *Metrics) streamReset(code ErrCode, remote bool) {
	if m == nil {
		return
	}
	origin := "local"
	if remote {
		origin = "remote"
	}
	m.StreamResets.WithLabelValues(code.String(), origin).Inc()
}

func (m *Metrics) resend() {
	if m != nil {
		m.Resends.Inc()
	}
}

func (m *Metrics) dataDeferred() {
	if m != nil {
		m.DataDeferred.Inc()
	}
}

func (m *Metrics) pingRTT(d time.Duration) {
	if m != nil {
		m.PingRTT.Observe(d.Seconds())
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.ConnectionsOpen.Inc()
	}
}

func (m *Metrics) connectionClosed(reason string) {
	if m != nil {
		m.ConnectionsOpen.Dec()
		m.ConnectionsClosed.WithLabelValues(reason).Inc()
	}
}

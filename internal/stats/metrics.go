package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports interval summaries as Prometheus series. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	totalLatency   prometheus.Gauge
	decodeLatency  prometheus.Gauge
	fps            *prometheus.GaugeVec
	framesLost     prometheus.Counter
	targetBitrate  prometheus.Gauge
	sentBits       prometheus.Counter
	encodeLatency  prometheus.Gauge
	networkLatency prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		totalLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govr",
			Name:      "total_pipeline_latency_seconds",
			Help:      "Average motion-to-photon latency over the last interval.",
		}),
		decodeLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govr",
			Name:      "decode_latency_seconds",
			Help:      "Average decoder latency over the last interval.",
		}),
		fps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "govr",
			Name:      "frames_per_second",
			Help:      "Frame rate over the last interval.",
		}, []string{"side"}),
		framesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govr",
			Name:      "frames_lost_total",
			Help:      "Frames abandoned by the reassembler.",
		}),
		targetBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govr",
			Name:      "target_bitrate_bps",
			Help:      "Encoder bitrate chosen by the bitrate controller.",
		}),
		sentBits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govr",
			Name:      "sent_bits_total",
			Help:      "Bits sent on the datagram channel.",
		}),
		encodeLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govr",
			Name:      "encode_latency_seconds",
			Help:      "Average encoder latency over the last interval.",
		}),
		networkLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govr",
			Name:      "network_latency_seconds",
			Help:      "Average network share of pipeline latency over the last interval.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.totalLatency, m.decodeLatency, m.fps, m.framesLost,
		m.targetBitrate, m.sentBits, m.encodeLatency, m.networkLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveClient records a client Summary.
func (m *Metrics) ObserveClient(s Summary) {
	if m == nil {
		return
	}
	m.totalLatency.Set(s.AvgTotalLatency.Seconds())
	m.decodeLatency.Set(s.AvgDecodeLatency.Seconds())
	m.fps.WithLabelValues("client").Set(s.FPS)
	m.framesLost.Add(float64(s.FramesLost))
}

// ObserveHost records a HostSummary.
func (m *Metrics) ObserveHost(s HostSummary) {
	if m == nil {
		return
	}
	m.fps.WithLabelValues("host").Set(s.FPS)
	m.sentBits.Add(float64(s.BitsSent))
	m.encodeLatency.Set(s.AvgEncodeLatency.Seconds())
	m.networkLatency.Set(s.AvgNetworkLatency.Seconds())
}

// ObserveBitrate records the controller's latest target.
func (m *Metrics) ObserveBitrate(bps float64) {
	if m == nil {
		return
	}
	m.targetBitrate.Set(bps)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Peer metrics
	PeersConnected      prometheus.Gauge
	PeerJoins           prometheus.Counter
	PeerLeaves          prometheus.Counter
	NegotiationFailures *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram

	// Frame metrics
	FramesPushed    prometheus.Counter
	FramePushErrors prometheus.Counter
	AccessUnits     prometheus.Counter
	EncodedBytes    prometheus.Counter
	PacketsOut      prometheus.Counter

	// Metadata metrics
	MetadataAttached    prometheus.Counter
	MetadataOversized   prometheus.Counter
	DownMessageSkipRate prometheus.Gauge

	// Data channel metrics
	UpMessages          *prometheus.CounterVec
	UpMessagesMalformed prometheus.Counter
}

// New registers all metrics on reg. Passing nil uses a private registry, for tests and
// components built without a metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		PeersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "xrstream_peers_connected",
			Help: "Number of peers in the CONNECTED state",
		}),
		PeerJoins: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_peer_joins_total",
			Help: "Total number of peer join notifications accepted",
		}),
		PeerLeaves: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_peer_leaves_total",
			Help: "Total number of peers removed",
		}),
		NegotiationFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xrstream_negotiation_failures_total",
				Help: "Peer connection attempts that never reached CONNECTED",
			},
			[]string{"stage"}, // stage: endpoint, offer, answer, timeout, transport
		),
		NegotiationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xrstream_negotiation_duration_seconds",
			Help:    "Time from peer join to CONNECTED",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		FramesPushed: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_frames_pushed_total",
			Help: "Raw frames accepted by the frame source",
		}),
		FramePushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_frame_push_errors_total",
			Help: "Raw frames rejected or dropped on push",
		}),
		AccessUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_access_units_total",
			Help: "Encoded access units produced",
		}),
		EncodedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_encoded_bytes_total",
			Help: "Bytes of encoded H.264 produced",
		}),
		PacketsOut: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_rtp_packets_total",
			Help: "RTP packets handed to the fan-out point",
		}),

		MetadataAttached: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_metadata_attached_total",
			Help: "RTP packets stamped with a DownMessage extension",
		}),
		MetadataOversized: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_metadata_oversized_total",
			Help: "Access units whose DownMessage was too large for one extension element",
		}),
		DownMessageSkipRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "xrstream_down_message_skip_rate",
			Help: "DownMessages missing from the sent sequence per second, last window",
		}),

		UpMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xrstream_up_messages_total",
				Help: "UpMessages decoded from peer data channels",
			},
			[]string{"kind"},
		),
		UpMessagesMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "xrstream_up_messages_malformed_total",
			Help: "Data channel payloads that failed to decode",
		}),
	}
}

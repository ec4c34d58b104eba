package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the link daemon.
type Metrics struct {
	// Audio signal channel
	FramesDemuxed     *prometheus.CounterVec
	ProtocolAnomalies prometheus.Counter
	PacketsDecoded    prometheus.Counter
	DecodeErrors      prometheus.Counter
	FramesEncoded     prometheus.Counter
	EncodeErrors      prometheus.Counter

	// Outbound batching
	BatchesSent    prometheus.Counter
	BatchesDropped prometheus.Counter
	SendErrors     prometheus.Counter
	QueueDepth     prometheus.Gauge
	BatchBytes     prometheus.Histogram

	// File transfer
	TransfersStarted   *prometheus.CounterVec
	TransfersCompleted *prometheus.CounterVec
	TransfersFailed    *prometheus.CounterVec
	TransferPackets    *prometheus.CounterVec
	TransferRetries    prometheus.Counter
	HashMismatches     prometheus.Counter
	TransferDuration   prometheus.Histogram

	// Link state
	LinkConnected prometheus.Gauge
}

// New creates and registers all metrics against reg. Tests pass a fresh
// prometheus.NewRegistry so package-level state never collides.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesDemuxed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexuslink_frames_demuxed_total",
			Help: "Total frames demuxed from audio notifications, by frame type",
		}, []string{"type"}),
		ProtocolAnomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_protocol_anomalies_total",
			Help: "Total unrecognized frame identifiers on the audio channel",
		}),
		PacketsDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_audio_packets_decoded_total",
			Help: "Total audio packets successfully decoded",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_audio_decode_errors_total",
			Help: "Total audio packets dropped due to decode errors",
		}),
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_audio_frames_encoded_total",
			Help: "Total capture frames encoded for transmission",
		}),
		EncodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_audio_encode_errors_total",
			Help: "Total capture frames dropped due to encode errors",
		}),

		BatchesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_batches_sent_total",
			Help: "Total outbound batches written to the link",
		}),
		BatchesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_batches_dropped_total",
			Help: "Total outbound batches dropped after a send error",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_send_errors_total",
			Help: "Total characteristic write errors on the audio channel",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexuslink_queue_depth",
			Help: "Current number of sealed batches awaiting transmission",
		}),
		BatchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexuslink_batch_bytes",
			Help:    "Size of sealed outbound batches in bytes",
			Buckets: prometheus.ExponentialBuckets(16, 2, 8), // 16B to ~4KB
		}),

		TransfersStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexuslink_transfers_started_total",
			Help: "Total file transfer sessions started, by operation",
		}, []string{"op"}),
		TransfersCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexuslink_transfers_completed_total",
			Help: "Total file transfer sessions completed successfully, by operation",
		}, []string{"op"}),
		TransfersFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexuslink_transfers_failed_total",
			Help: "Total file transfer sessions that ended in error, by operation",
		}, []string{"op"}),
		TransferPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexuslink_transfer_packets_total",
			Help: "Total file transfer data packets, by direction",
		}, []string{"direction"}),
		TransferRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_transfer_retries_total",
			Help: "Total data packet retransmissions",
		}),
		HashMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexuslink_hash_mismatches_total",
			Help: "Total transfers rejected by hash verification",
		}),
		TransferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexuslink_transfer_duration_seconds",
			Help:    "Duration of completed file transfer sessions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),

		LinkConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexuslink_link_connected",
			Help: "Whether the BLE transport is currently connected (0/1)",
		}),
	}
}

package anteroom

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricClientEnvelopeOutCount   = []string{"anteroom", "client", "envelope", "out", "count"}
	MetricClientEnvelopeBuffered   = []string{"anteroom", "client", "envelope", "buffered", "count"}
	MetricClientBufferEvictedCount = []string{"anteroom", "client", "buffer", "evicted", "count"}
	MetricClientBufferDepth        = []string{"anteroom", "client", "buffer", "depth"}
	MetricClientProbeOutCount      = []string{"anteroom", "client", "probe", "out", "count"}
	MetricClientFailoverCount      = []string{"anteroom", "client", "failover", "count"}
	MetricClientReplyInCount       = []string{"anteroom", "client", "reply", "in", "count"}
	MetricClientReplyDroppedCount  = []string{"anteroom", "client", "reply", "dropped", "count"}

	MetricHeartbeatInCount     = []string{"anteroom", "receptionist", "heartbeat", "in", "count"}
	MetricEnvelopeInCount      = []string{"anteroom", "receptionist", "envelope", "in", "count"}
	MetricEnvelopeDropCount    = []string{"anteroom", "receptionist", "envelope", "dropped", "count"}
	MetricDeliveryOutCount     = []string{"anteroom", "receptionist", "delivery", "out", "count"}
	MetricFrameOutDroppedCount = []string{"anteroom", "receptionist", "frame", "out", "dropped", "count"}
	MetricClientUpCount        = []string{"anteroom", "receptionist", "client", "up", "count"}
	MetricClientLostCount      = []string{"anteroom", "receptionist", "client", "unreachable", "count"}
	MetricSessionsGauge        = []string{"anteroom", "receptionist", "sessions"}

	MetricTunnelOpenCount    = []string{"anteroom", "tunnel", "open", "count"}
	MetricTunnelRelayCount   = []string{"anteroom", "tunnel", "relayed", "count"}
	MetricTunnelEvictedCount = []string{"anteroom", "tunnel", "evicted", "count"}

	MetricEventDroppedCount = []string{"anteroom", "events", "dropped", "count"}

	MetricQuicDatagramInBytes       = []string{"anteroom", "quic", "datagram", "in", "bytes"}
	MetricQuicDatagramOutBytes      = []string{"anteroom", "quic", "datagram", "out", "bytes"}
	MetricQuicDatagramInErrorCount  = []string{"anteroom", "quic", "datagram", "in", "error", "count"}
	MetricQuicDatagramOutErrorCount = []string{"anteroom", "quic", "datagram", "out", "error", "count"}
	MetricQuicConnEstCount          = []string{"anteroom", "quic", "connection", "established", "count"}
	MetricQuicConnErrorCount        = []string{"anteroom", "quic", "connection", "error", "count"}
	MetricQuicUDPBufferSizeBytes    = []string{"anteroom", "quic", "udp", "buffer", "size", "bytes"}
)

// TelemetryLabel is a label name usable both as a slog attribute and as
// a metric label.
type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelClientID TelemetryLabel = "client_id"
	LabelPath     TelemetryLabel = "path"
	LabelTopic    TelemetryLabel = "topic"
	LabelContact  TelemetryLabel = "contact"
	LabelMode     TelemetryLabel = "mode"
	LabelToken    TelemetryLabel = "token"
	LabelState    TelemetryLabel = "state"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

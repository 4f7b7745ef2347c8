package transport

import "github.com/bridgefall/transport/commons/metrics"

// Metrics tracks Connection-level counters, grounded on the teacher's
// envelope.Metrics. A nil *Metrics is always safe to use: every call site
// checks for nil before touching a counter, exactly like the teacher's
// envelope package does.
type Metrics struct {
	PacketsSent     metrics.Counter
	PacketsReceived metrics.Counter
	BytesSent       metrics.Counter
	BytesReceived   metrics.Counter

	DropDecodeFailure metrics.Counter
	DropDirection     metrics.Counter
	DropStaleSequence metrics.Counter

	StateUpdatingReceives metrics.Counter
	Roams                 metrics.Counter
	ServerDetaches        metrics.Counter
	PortHops              metrics.Counter
	PortHopFailures       metrics.Counter
	CongestionMarks       metrics.Counter
	SendSoftErrors        metrics.Counter

	RTTSamples *metrics.LatencySampler
}

// NewMetrics returns a Metrics with a latency sampler sized for a few
// minutes of typical RTT sampling.
func NewMetrics() *Metrics {
	return &Metrics{
		RTTSamples: metrics.NewLatencySampler(256),
	}
}

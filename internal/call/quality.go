package call

import "github.com/dkeye/livecall/internal/domain"

// Thresholds for grading one stats reading. Bandwidth is bytes per
// second of inbound video; latency is the candidate-pair round trip.
const (
	videoHighBps   = 500_000
	videoMediumBps = 200_000

	audioHighMs   = 150
	audioMediumMs = 300

	poorLatencyMs    = 500
	poorLossPct      = 5
	healthyLatencyMs = 150
	healthyLossPct   = 1
)

// GradeSample turns a raw reading into the advisory quality sample.
func GradeSample(s Stats) domain.QualitySample {
	sample := domain.QualitySample{
		Video:         domain.QualityLow,
		Audio:         domain.QualityLow,
		BandwidthBps:  s.BandwidthBps,
		LatencyMs:     s.LatencyMs,
		PacketLossPct: s.PacketLossPct,
	}

	switch {
	case s.BandwidthBps > videoHighBps:
		sample.Video = domain.QualityHigh
	case s.BandwidthBps > videoMediumBps:
		sample.Video = domain.QualityMedium
	}

	switch {
	case s.LatencyMs < audioHighMs:
		sample.Audio = domain.QualityHigh
	case s.LatencyMs < audioMediumMs:
		sample.Audio = domain.QualityMedium
	}

	return sample
}

// DeriveStatus maps a reading onto the connection status. Readings in
// the gray zone between healthy and poor leave the status unchanged.
func DeriveStatus(prev domain.ConnectionStatus, s Stats) domain.ConnectionStatus {
	if s.LatencyMs > poorLatencyMs || s.PacketLossPct > poorLossPct {
		return domain.StatusPoor
	}
	if s.LatencyMs < healthyLatencyMs && s.PacketLossPct < healthyLossPct {
		return domain.StatusConnected
	}
	return prev
}

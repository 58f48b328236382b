package domain

// ConnectionStatus is the advisory indicator surfaced to the UI.
// It never drives the call state machine by itself.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusPoor         ConnectionStatus = "poor"
	StatusDisconnected ConnectionStatus = "disconnected"
)

type QualityLevel string

const (
	QualityHigh   QualityLevel = "high"
	QualityMedium QualityLevel = "medium"
	QualityLow    QualityLevel = "low"
)

// QualitySample is one periodic snapshot of peer-connection stats.
type QualitySample struct {
	Video         QualityLevel `json:"video"`
	Audio         QualityLevel `json:"audio"`
	BandwidthBps  float64      `json:"bandwidth_bps"`
	LatencyMs     float64      `json:"latency_ms"`
	PacketLossPct float64      `json:"packet_loss_pct"`
}

package rtcManager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/ring"
)

// HealthSample is one GetStats snapshot of a peer's outbound video.
type HealthSample struct {
	Timestamp    time.Time
	State        TransportState
	RTT          time.Duration
	PacketsSent  uint32
	BytesSent    uint64
	PacketsLost  int64
	FractionLost float64
	NACKs        uint32
	PLIs         uint32
	FIRs         uint32
}

type WarningLevel int

const (
	InfoLevel WarningLevel = iota
	WarningLevelWarn
	CriticalLevel
)

func (l WarningLevel) String() string {
	switch l {
	case InfoLevel:
		return "info"
	case WarningLevelWarn:
		return "warning"
	case CriticalLevel:
		return "critical"
	}
	return "unknown"
}

type WarningType string

const (
	PacketLossWarning WarningType = "packet_loss"
	LatencyWarning    WarningType = "latency"
	StallWarning      WarningType = "stall"
)

type Warning struct {
	Level       WarningLevel
	Type        WarningType
	Message     string
	Measurement float64
}

const (
	defaultHealthInterval = 2 * time.Second
	healthHistory         = 30

	criticalPacketLoss = 0.15
	warningPacketLoss  = 0.05
	criticalRTT        = 500 * time.Millisecond
	warningRTT         = 200 * time.Millisecond
)

// ConnectionDoctor samples one endpoint until its context ends.
type ConnectionDoctor struct {
	peerID   string
	ep       Endpoint
	interval time.Duration
	samples  *ring.Buffer[HealthSample]
	logger   *zap.Logger
}

func newConnectionDoctor(peerID string, ep Endpoint, interval time.Duration, logger *zap.Logger) *ConnectionDoctor {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &ConnectionDoctor{
		peerID:   peerID,
		ep:       ep,
		interval: interval,
		samples:  ring.New[HealthSample](healthHistory),
		logger:   logger,
	}
}

func (cd *ConnectionDoctor) run(ctx context.Context) {
	ticker := time.NewTicker(cd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cd.samples.Add(cd.ep.Stats())
			for _, w := range analyzeSamples(cd.samples.Recent(5)) {
				fields := []zap.Field{
					zap.String("peer", cd.peerID),
					zap.String("type", string(w.Type)),
					zap.Float64("measurement", w.Measurement),
				}
				if w.Level == CriticalLevel {
					cd.logger.Warn(w.Message, fields...)
				} else {
					cd.logger.Info(w.Message, fields...)
				}
			}
		}
	}
}

// Latest returns the newest sample, if any.
func (cd *ConnectionDoctor) Latest() (HealthSample, bool) {
	recent := cd.samples.Recent(1)
	if len(recent) == 0 {
		return HealthSample{}, false
	}
	return recent[0], true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// analyzeSamples inspects samples ordered newest first.
func analyzeSamples(recent []HealthSample) []Warning {
	if len(recent) == 0 {
		return nil
	}
	latest := recent[0]
	var warnings []Warning

	switch {
	case latest.FractionLost >= criticalPacketLoss:
		warnings = append(warnings, Warning{
			Level:       CriticalLevel,
			Type:        PacketLossWarning,
			Message:     fmt.Sprintf("Critical packet loss: %.2f%%", latest.FractionLost*100),
			Measurement: latest.FractionLost,
		})
	case latest.FractionLost >= warningPacketLoss:
		warnings = append(warnings, Warning{
			Level:       WarningLevelWarn,
			Type:        PacketLossWarning,
			Message:     fmt.Sprintf("High packet loss: %.2f%%", latest.FractionLost*100),
			Measurement: latest.FractionLost,
		})
	}

	// a single slow report is noise, the smoothed value is not
	if len(recent) >= 3 {
		rtt := time.Duration(calculateEMA(recent, func(s HealthSample) float64 { return float64(s.RTT) }))
		switch {
		case rtt >= criticalRTT:
			warnings = append(warnings, Warning{
				Level:       CriticalLevel,
				Type:        LatencyWarning,
				Message:     fmt.Sprintf("Critical round trip time: %v", rtt),
				Measurement: rtt.Seconds(),
			})
		case rtt >= warningRTT:
			warnings = append(warnings, Warning{
				Level:       WarningLevelWarn,
				Type:        LatencyWarning,
				Message:     fmt.Sprintf("High round trip time: %v", rtt),
				Measurement: rtt.Seconds(),
			})
		}

		oldest := recent[len(recent)-1]
		if latest.State == TransportConnected && oldest.State == TransportConnected &&
			latest.PacketsSent == oldest.PacketsSent {
			warnings = append(warnings, Warning{
				Level:       CriticalLevel,
				Type:        StallWarning,
				Message:     "No packets sent since " + oldest.Timestamp.Format(time.RFC3339),
				Measurement: latest.Timestamp.Sub(oldest.Timestamp).Seconds(),
			})
		}
	}
	return warnings
}

// calculateEMA walks samples oldest to newest.
func calculateEMA(samples []HealthSample, getValue func(HealthSample) float64) float64 {
	const alpha = 0.2
	last := len(samples) - 1
	ema := getValue(samples[last])

	for i := last - 1; i >= 0; i-- {
		ema = alpha*getValue(samples[i]) + (1-alpha)*ema
	}
	return ema
}

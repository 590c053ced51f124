// Package multiplex stamps each outgoing RTP packet with the DownMessage of the frame it
// belongs to, as one two-byte-header extension element (RFC 8285).
package multiplex

import (
	"fmt"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/lossmon"
	"github.com/mikeyg42/xrstream/internal/media"
	"github.com/mikeyg42/xrstream/internal/metrics"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

// RFC 8285 header extension profiles. pion/rtp keeps its copies unexported.
const (
	extensionProfileOneByte uint16 = 0xBEDE
	extensionProfileTwoByte uint16 = 0x1000
)

type Config struct {
	ExtensionID uint8
	MaxSize     int

	// Loss receives the frame sequence id of every stamped access unit. nil disables it.
	Loss *lossmon.Monitor
}

func DefaultConfig() Config {
	return Config{
		ExtensionID: protocol.ExtensionID,
		MaxSize:     protocol.MaxExtensionSize,
	}
}

// Multiplexer is called from the streaming goroutine only and is not safe for concurrent use.
type Multiplexer struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// lastAU lets per-frame work run once even though a frame spans many packets.
	lastAU *media.AccessUnit
}

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Multiplexer, error) {
	if cfg.ExtensionID < 1 || cfg.ExtensionID > 15 {
		return nil, fmt.Errorf("extension id %d outside 1-15", cfg.ExtensionID)
	}
	if cfg.MaxSize <= 0 || cfg.MaxSize > protocol.MaxExtensionSize {
		return nil, fmt.Errorf("max extension size %d outside 1-%d", cfg.MaxSize, protocol.MaxExtensionSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Multiplexer{
		cfg:     cfg,
		logger:  logger.Named("multiplex"),
		metrics: m,
	}, nil
}

// Intercept attaches au.Metadata to pkt. Packets of frames without metadata, and of frames
// whose metadata does not fit one element, pass through untouched.
func (m *Multiplexer) Intercept(pkt *rtp.Packet, au *media.AccessUnit) {
	if au == nil || len(au.Metadata) == 0 {
		return
	}
	first := au != m.lastAU
	m.lastAU = au

	if len(au.Metadata) > m.cfg.MaxSize {
		// Fragmenting across elements would need receiver support; drop instead.
		if first {
			m.metrics.MetadataOversized.Inc()
			m.logger.Warn("down message too large for extension, sending frame without it",
				zap.Int("size", len(au.Metadata)),
				zap.Int("max", m.cfg.MaxSize),
				zap.Duration("pts", au.PTS))
		}
		return
	}

	if err := setTwoByteExtension(&pkt.Header, m.cfg.ExtensionID, au.Metadata); err != nil {
		if first {
			m.logger.Warn("failed to attach down message", zap.Error(err))
		}
		return
	}
	m.metrics.MetadataAttached.Inc()

	if first && m.cfg.Loss != nil {
		id, err := protocol.PeekFrameSequenceID(au.Metadata)
		if err != nil {
			m.logger.Debug("down message has no sequence id", zap.Error(err))
			return
		}
		m.cfg.Loss.Record(id)
	}
}

// setTwoByteExtension forces the two-byte profile so payloads up to 255 bytes fit. Elements
// already present under the one-byte profile are carried over.
func setTwoByteExtension(h *rtp.Header, id uint8, payload []byte) error {
	if h.Extension && h.ExtensionProfile != extensionProfileTwoByte {
		if h.ExtensionProfile != extensionProfileOneByte {
			return fmt.Errorf("packet already uses extension profile %#x", h.ExtensionProfile)
		}
		ids := h.GetExtensionIDs()
		payloads := make([][]byte, len(ids))
		for i, eid := range ids {
			payloads[i] = h.GetExtension(eid)
		}
		h.Extensions = nil
		h.ExtensionProfile = extensionProfileTwoByte
		for i, eid := range ids {
			if err := h.SetExtension(eid, payloads[i]); err != nil {
				return err
			}
		}
	}
	if !h.Extension {
		h.Extension = true
		h.ExtensionProfile = extensionProfileTwoByte
		h.Extensions = nil
	}
	return h.SetExtension(id, payload)
}

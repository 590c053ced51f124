// Package pipeline assembles the shared encode graph: encoder, RTP packetizer, packet
// interceptors and the fan-out point. It is built once per process.
package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/encoder"
	"github.com/mikeyg42/xrstream/internal/media"
	"github.com/mikeyg42/xrstream/internal/metrics"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

const (
	DefaultMTU         = 1200
	DefaultPayloadType = 96
	ClockRate          = 90000

	// extensionHeadroom covers the RFC 8285 header, one full two-byte element, a
	// transport-wide-cc element added later by the interceptor chain, and padding.
	extensionHeadroom = 4 + (2 + protocol.MaxExtensionSize) + (2 + 2) + 3

	// keyframeCooldown collapses PLIs from many peers into one encoder request.
	keyframeCooldown = 500 * time.Millisecond
)

// PacketInterceptor sees every packet after packetization and before fan-out, on the
// streaming goroutine. au is the access unit the packet was cut from.
type PacketInterceptor interface {
	Intercept(pkt *rtp.Packet, au *media.AccessUnit)
}

// PacketSink is the fan-out point.
type PacketSink interface {
	WriteRTP(*rtp.Packet) error
}

// AccessUnitSink receives every encoded unit before packetization.
type AccessUnitSink interface {
	WriteAccessUnit(*media.AccessUnit) error
}

type Config struct {
	MTU         int
	PayloadType uint8
	SSRC        uint32
}

func DefaultConfig() Config {
	return Config{
		MTU:         DefaultMTU,
		PayloadType: DefaultPayloadType,
	}
}

// Graph drives access units from the encoder through packetization to the sink.
type Graph struct {
	enc          encoder.Encoder
	packetizer   rtp.Packetizer
	interceptors []PacketInterceptor
	out          PacketSink
	auSinks      []AccessUnitSink
	logger       *zap.Logger
	metrics      *metrics.Metrics

	tsBase uint32

	keyMu      sync.Mutex
	lastKeyReq time.Time
	now        func() time.Time
}

func New(cfg Config, enc encoder.Encoder, out PacketSink, logger *zap.Logger, m *metrics.Metrics) (*Graph, error) {
	if cfg.MTU <= extensionHeadroom+12+64 {
		return nil, fmt.Errorf("mtu %d too small for a %d byte extension", cfg.MTU, protocol.MaxExtensionSize)
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Graph{
		enc: enc,
		packetizer: rtp.NewPacketizer(
			uint16(cfg.MTU-extensionHeadroom),
			cfg.PayloadType,
			cfg.SSRC,
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			ClockRate,
		),
		out:     out,
		logger:  logger.Named("graph"),
		metrics: m,
		tsBase:  rand.Uint32(),
		now:     time.Now,
	}, nil
}

// Use appends an interceptor. Not safe once Run has started.
func (g *Graph) Use(i PacketInterceptor) {
	g.interceptors = append(g.interceptors, i)
}

// Tap adds a sink that receives every access unit. Not safe once Run has started.
func (g *Graph) Tap(s AccessUnitSink) {
	g.auSinks = append(g.auSinks, s)
}

// Run starts the encoder and streams until ctx ends or the encoder reports a fatal error,
// which is returned. Continuing after such an error would send corrupt video to every peer.
func (g *Graph) Run(ctx context.Context) error {
	if err := g.enc.Start(ctx); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	defer g.enc.Stop()

	units := g.enc.Units()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-g.enc.Errors():
			return fmt.Errorf("encode graph failed: %w", err)
		case au, ok := <-units:
			if !ok {
				return nil
			}
			g.handleUnit(au)
		}
	}
}

// RequestKeyframe forwards a keyframe request to the encoder at most once per cooldown.
func (g *Graph) RequestKeyframe() {
	g.keyMu.Lock()
	now := g.now()
	if now.Sub(g.lastKeyReq) < keyframeCooldown {
		g.keyMu.Unlock()
		return
	}
	g.lastKeyReq = now
	g.keyMu.Unlock()

	g.enc.RequestKeyframe()
}

func (g *Graph) handleUnit(au *media.AccessUnit) {
	if len(au.Data) == 0 {
		return
	}
	g.metrics.AccessUnits.Inc()
	g.metrics.EncodedBytes.Add(float64(len(au.Data)))

	for _, s := range g.auSinks {
		if err := s.WriteAccessUnit(au); err != nil {
			g.logger.Warn("access unit tap failed", zap.Error(err))
		}
	}

	ts := g.tsBase + uint32(au.PTS.Microseconds()*ClockRate/1_000_000)
	for _, pkt := range g.packetizer.Packetize(au.Data, 0) {
		pkt.Timestamp = ts
		for _, i := range g.interceptors {
			i.Intercept(pkt, au)
		}
		if err := g.out.WriteRTP(pkt); err != nil {
			g.logger.Warn("fan-out write failed", zap.Error(err))
			continue
		}
		g.metrics.PacketsOut.Inc()
	}
}

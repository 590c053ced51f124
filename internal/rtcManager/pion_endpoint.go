package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/framestream"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

// H264Capability is the one codec offered to peers. Main profile, matching the encoder caps.
var H264Capability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeH264,
	ClockRate:   90000,
	SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f",
	RTCPFeedback: []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	},
}

// videoPayloadType matches the packetizer in the encode graph.
const videoPayloadType webrtc.PayloadType = 96

var errNoDataChannel = errors.New("rtcManager: data channel not created")

type PionConfig struct {
	ICEServers      []webrtc.ICEServer
	IncludeLoopback bool
	NAT1To1IPs      []string
	UDPPortMin      uint16
	UDPPortMax      uint16
}

// PionFactory builds endpoints sharing one webrtc.API.
type PionFactory struct {
	api    *webrtc.API
	pcConf webrtc.Configuration
	logger *zap.Logger
}

// NewMediaEngine registers H.264 and the DownMessage extension before the default
// interceptors, so the extension gets id 1 and transport-cc the next one.
func NewMediaEngine() (*webrtc.MediaEngine, *interceptor.Registry, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: H264Capability,
		PayloadType:        videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, nil, fmt.Errorf("failed to register H264: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: protocol.ExtensionURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		return nil, nil, fmt.Errorf("failed to register metadata extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	return mediaEngine, registry, nil
}

func NewPionFactory(cfg PionConfig, logger *zap.Logger) (*PionFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mediaEngine, registry, err := NewMediaEngine()
	if err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if len(cfg.NAT1To1IPs) > 0 {
		settingEngine.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("invalid UDP port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &PionFactory{
		api: api,
		pcConf: webrtc.Configuration{
			ICEServers:         cfg.ICEServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		logger: logger.Named("pion"),
	}, nil
}

func (f *PionFactory) NewEndpoint(name string, cb EndpointCallbacks) (Endpoint, error) {
	pc, err := f.api.NewPeerConnection(f.pcConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(H264Capability, "video", name)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	transceiver, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	e := &pionEndpoint{
		name:   name,
		pc:     pc,
		track:  track,
		cb:     cb,
		logger: f.logger.With(zap.String("endpoint", name)),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		out := protocol.Candidate{Candidate: init.Candidate}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		cb.OnCandidate(out)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		cb.OnStateChange(transportState(s))
	})

	go e.readRTCP(transceiver.Sender())
	return e, nil
}

type pionEndpoint struct {
	name   string
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticRTP
	cb     EndpointCallbacks
	logger *zap.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []protocol.Candidate
}

func (e *pionEndpoint) Name() string { return e.name }

func (e *pionEndpoint) Sink() framestream.Sink { return e.track }

func (e *pionEndpoint) CreateDataChannel(label string) error {
	ordered := true
	dc, err := e.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}

	dc.OnOpen(e.cb.OnDataChannelOpen)
	dc.OnClose(e.cb.OnDataChannelClose)
	dc.OnError(e.cb.OnDataChannelError)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.cb.OnDataChannelMessage(msg.Data, msg.IsString)
	})

	e.mu.Lock()
	e.dc = dc
	e.mu.Unlock()
	return nil
}

func (e *pionEndpoint) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (e *pionEndpoint) SetRemoteAnswer(ctx context.Context, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := e.addCandidate(c); err != nil {
			e.logger.Warn("queued candidate rejected", zap.Error(err))
		}
	}
	return nil
}

// AddCandidate queues candidates that arrive before the answer.
func (e *pionEndpoint) AddCandidate(c protocol.Candidate) error {
	e.mu.Lock()
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.addCandidate(c)
}

func (e *pionEndpoint) addCandidate(c protocol.Candidate) error {
	idx := c.SDPMLineIndex
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &idx,
	})
}

func (e *pionEndpoint) SendText(s string) error {
	e.mu.Lock()
	dc := e.dc
	e.mu.Unlock()
	if dc == nil {
		return errNoDataChannel
	}
	return dc.SendText(s)
}

func (e *pionEndpoint) Stats() HealthSample {
	sample := HealthSample{State: transportState(e.pc.ConnectionState())}

	for _, s := range e.pc.GetStats() {
		switch stat := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			if stat.Kind != "video" {
				continue
			}
			sample.Timestamp = stat.Timestamp.Time()
			sample.PacketsSent = stat.PacketsSent
			sample.BytesSent = stat.BytesSent
			sample.NACKs = stat.NACKCount
			sample.PLIs = stat.PLICount
			sample.FIRs = stat.FIRCount
		case webrtc.RemoteInboundRTPStreamStats:
			if stat.Kind != "video" {
				continue
			}
			sample.RTT = secondsToDuration(stat.RoundTripTime)
			sample.PacketsLost = int64(stat.PacketsLost)
			sample.FractionLost = stat.FractionLost
		}
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	return sample
}

func (e *pionEndpoint) Close() error {
	e.mu.Lock()
	dc := e.dc
	e.mu.Unlock()

	var errs []error
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data channel: %w", err))
		}
	}
	if err := e.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}
	return errors.Join(errs...)
}

// readRTCP must drain the sender for interceptors to work. It ends when the connection
// closes.
func (e *pionEndpoint) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.cb.OnKeyframeRequest()
			}
		}
	}
}

func transportState(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	}
	return TransportNew
}

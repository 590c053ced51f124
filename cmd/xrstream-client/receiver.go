package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/lossmon"
	"github.com/mikeyg42/xrstream/internal/protocol"
	"github.com/mikeyg42/xrstream/internal/rtcManager"
	"github.com/mikeyg42/xrstream/internal/signaling"
)

type receiverConfig struct {
	STUNServers  []string
	TrackingRate int
	ReportPeriod time.Duration
}

// signalingPeer is the part of signaling.Client the receiver uses.
type signalingPeer interface {
	Read() (signaling.Message, error)
	SendAnswer(sdp string) error
	SendCandidate(c protocol.Candidate) error
}

type receiver struct {
	cfg    receiverConfig
	sig    signalingPeer
	pc     *webrtc.PeerConnection
	loss   *lossmon.Monitor
	logger *zap.Logger

	mu sync.Mutex
	dc *webrtc.DataChannel

	packets     atomic.Int64
	frames      atomic.Int64
	malformed   atomic.Int64
	keepAlives  atomic.Int64
	latestFrame atomic.Uint64
	upID        atomic.Int64
}

func newReceiver(cfg receiverConfig, sig signalingPeer, logger *zap.Logger) (*receiver, error) {
	mediaEngine, registry, err := rtcManager.NewMediaEngine()
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))

	conf := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	r := &receiver{
		cfg:    cfg,
		sig:    sig,
		pc:     pc,
		loss:   lossmon.New(lossmon.WithLogger(logger)),
		logger: logger.Named("receiver"),
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
		if err := sig.SendCandidate(out); err != nil {
			r.logger.Warn("failed to send candidate", zap.Error(err))
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.logger.Info("connection state changed", zap.String("state", s.String()))
	})
	pc.OnTrack(r.onTrack)
	pc.OnDataChannel(r.onDataChannel)
	return r, nil
}

func (r *receiver) pumpSignaling(ctx context.Context) error {
	for {
		msg, err := r.sig.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("signaling: %w", err)
		}

		switch msg.Method {
		case signaling.MethodOffer:
			if err := r.answer(msg.SDP); err != nil {
				return err
			}
		case signaling.MethodCandidate:
			idx := msg.Candidate.SDPMLineIndex
			if err := r.pc.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     msg.Candidate.Candidate,
				SDPMLineIndex: &idx,
			}); err != nil {
				r.logger.Warn("remote candidate rejected", zap.Error(err))
			}
		}
	}
}

func (r *receiver) answer(offer string) error {
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return fmt.Errorf("failed to set offer: %w", err)
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return r.sig.SendAnswer(answer.SDP)
}

// extensionID finds the id negotiated for the DownMessage extension.
func extensionID(params webrtc.RTPParameters) (int, bool) {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == protocol.ExtensionURI {
			return ext.ID, true
		}
	}
	return 0, false
}

func (r *receiver) onTrack(track *webrtc.TrackRemote, rtpReceiver *webrtc.RTPReceiver) {
	id, ok := extensionID(rtpReceiver.GetParameters())
	if !ok {
		r.logger.Warn("metadata extension not negotiated, frames will carry no down messages")
	}
	r.logger.Info("receiving track",
		zap.String("codec", track.Codec().MimeType),
		zap.Uint32("ssrc", uint32(track.SSRC())),
		zap.Int("extension_id", id))

	var last uint64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("track ended", zap.Error(err))
			}
			return
		}
		r.packets.Add(1)
		if !ok {
			continue
		}
		payload := pkt.GetExtension(uint8(id))
		if payload == nil {
			continue
		}
		seq, err := r.handleDownMessage(payload)
		if err != nil {
			r.malformed.Add(1)
			continue
		}
		// every packet of a frame repeats the message
		if seq != last {
			last = seq
			r.frames.Add(1)
			r.loss.Record(seq)
			r.latestFrame.Store(seq)
		}
	}
}

func (r *receiver) handleDownMessage(payload []byte) (uint64, error) {
	msg, err := protocol.UnmarshalDownMessage(payload)
	if err != nil {
		return 0, err
	}
	return msg.FrameData.FrameSequenceID, nil
}

func (r *receiver) onDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != protocol.DataChannelLabel {
		r.logger.Warn("ignoring unexpected data channel", zap.String("label", dc.Label()))
		return
	}
	dc.OnOpen(func() {
		r.logger.Info("data channel open")
		r.mu.Lock()
		r.dc = dc
		r.mu.Unlock()
	})
	dc.OnClose(func() {
		r.mu.Lock()
		r.dc = nil
		r.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			r.keepAlives.Add(1)
			r.logger.Debug("keep-alive", zap.String("text", string(msg.Data)))
		}
	})
}

// sendTracking streams a head pose that turns slowly about the vertical axis.
func (r *receiver) sendTracking(ctx context.Context) error {
	rate := r.cfg.TrackingRate
	if rate <= 0 {
		return nil
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.mu.Lock()
			dc := r.dc
			r.mu.Unlock()
			if dc == nil {
				continue
			}

			msg := protocol.UpMessage{
				UpMessageID: r.upID.Add(1),
				Tracking: &protocol.TrackingMessage{
					HeadPose:    headPose(now.Sub(start)),
					TimestampNs: now.UnixNano(),
				},
			}
			if err := dc.Send(msg.Marshal()); err != nil {
				r.logger.Debug("tracking send failed", zap.Error(err))
			}
		}
	}
}

func headPose(t time.Duration) protocol.Pose {
	half := 0.5 * 0.25 * t.Seconds() // quarter radian per second
	return protocol.Pose{
		Position:    protocol.Vec3{Y: 1.6},
		Orientation: protocol.Quat{W: float32(math.Cos(half)), Y: float32(math.Sin(half))},
	}
}

func (r *receiver) report(ctx context.Context) error {
	period := r.cfg.ReportPeriod
	if period <= 0 {
		period = lossmon.DefaultPeriod
	}
	r.loss.Run(ctx, period, func(rep lossmon.Report) {
		r.logger.Info("receive report",
			zap.Int64("packets", r.packets.Load()),
			zap.Int64("frames", r.frames.Load()),
			zap.Uint64("latest_frame", r.latestFrame.Load()),
			zap.Int64("malformed", r.malformed.Load()),
			zap.Int64("keepalives", r.keepAlives.Load()),
			zap.Int64("tracking_sent", r.upID.Load()),
			zap.Int("frames_in_window", rep.Sent),
			zap.Uint64("frames_missing", rep.Skipped))
	})
	return nil
}

func (r *receiver) Close() error {
	return r.pc.Close()
}

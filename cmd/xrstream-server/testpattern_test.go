package main

import (
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/callbacks"
	"github.com/mikeyg42/xrstream/internal/encoder"
	"github.com/mikeyg42/xrstream/internal/media"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

type recordingPusher struct {
	metadata [][]byte
	frames   []*media.Frame
	err      error
}

func (p *recordingPusher) Push(frame *media.Frame, metadata []byte) error {
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, frame)
	p.metadata = append(p.metadata, metadata)
	return nil
}

func smallConfig() encoder.EncoderConfig {
	cfg := encoder.DefaultEncoderConfig()
	cfg.Width = 16
	cfg.Height = 8
	cfg.FrameRate = 30
	cfg.Format = media.PixelFormatRGBA
	return cfg
}

func TestTestPatternFrames(t *testing.T) {
	pusher := &recordingPusher{}
	p := newTestPattern(pusher, smallConfig(), zap.NewNop())

	now := time.Unix(10, 0)
	for i := 0; i < 3; i++ {
		p.pushFrame(now, time.Duration(i)*p.period)
	}
	if len(pusher.metadata) != 3 {
		t.Fatalf("pushed %d frames, want 3", len(pusher.metadata))
	}
	for i, md := range pusher.metadata {
		msg, err := protocol.UnmarshalDownMessage(md)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got := msg.FrameData.FrameSequenceID; got != uint64(i+1) {
			t.Fatalf("frame %d: sequence id %d, want %d", i, got, i+1)
		}
		if msg.FrameData.DisplayTimeNs <= now.UnixNano() {
			t.Fatalf("frame %d: display time %d not after now", i, msg.FrameData.DisplayTimeNs)
		}
		if d := msg.FrameData.View1.Position.X - msg.FrameData.View0.Position.X; math.Abs(float64(d)-2*halfIPD) > 1e-6 {
			t.Fatalf("frame %d: eye separation %f", i, d)
		}
		if err := pusher.frames[i].Validate(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
}

func TestTestPatternFollowsTracking(t *testing.T) {
	pusher := &recordingPusher{}
	p := newTestPattern(pusher, smallConfig(), zap.NewNop())

	p.onTracking(callbacks.Event{Kind: callbacks.EventTracking})
	p.onTracking(callbacks.Event{
		Kind: callbacks.EventTracking,
		Up: &protocol.UpMessage{Tracking: &protocol.TrackingMessage{HeadPose: protocol.Pose{
			Position:    protocol.Vec3{X: 1, Y: 1.5, Z: -2},
			Orientation: protocol.Quat{W: 1},
		}}},
	})
	p.pushFrame(time.Now(), 0)

	msg, err := protocol.UnmarshalDownMessage(pusher.metadata[0])
	if err != nil {
		t.Fatal(err)
	}
	v0 := msg.FrameData.View0.Position
	if math.Abs(float64(v0.X)-(1-halfIPD)) > 1e-6 || v0.Y != 1.5 || v0.Z != -2 {
		t.Fatalf("left eye at %+v", v0)
	}
}

func TestTestPatternPushError(t *testing.T) {
	pusher := &recordingPusher{err: errors.New("encoder stopped")}
	p := newTestPattern(pusher, smallConfig(), zap.NewNop())
	p.pushFrame(time.Now(), 0)
	if p.seq != 1 {
		t.Fatalf("seq = %d, want 1", p.seq)
	}
}

func TestRotate(t *testing.T) {
	// 90 degrees about +Y maps +X to -Z.
	s := float32(math.Sqrt2 / 2)
	q := protocol.Quat{W: s, Y: s}
	got := rotate(q, protocol.Vec3{X: 1})
	want := protocol.Vec3{Z: -1}
	if math.Abs(float64(got.X-want.X)) > 1e-6 || math.Abs(float64(got.Y-want.Y)) > 1e-6 || math.Abs(float64(got.Z-want.Z)) > 1e-6 {
		t.Fatalf("rotate = %+v, want %+v", got, want)
	}
}

package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/callbacks"
	"github.com/mikeyg42/xrstream/internal/encoder"
	"github.com/mikeyg42/xrstream/internal/media"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

// Half the interpupillary distance, in meters.
const halfIPD = 0.0315

type framePusher interface {
	Push(frame *media.Frame, metadata []byte) error
}

// testPattern stands in for a renderer: it paints a moving band at the configured rate and
// tags every frame with the eye poses derived from the latest tracked head pose.
type testPattern struct {
	src    framePusher
	width  int
	height int
	format media.PixelFormat
	period time.Duration
	logger *zap.Logger

	pool sync.Pool
	head atomic.Pointer[protocol.Pose]
	seq  uint64
}

func newTestPattern(src framePusher, cfg encoder.EncoderConfig, logger *zap.Logger) *testPattern {
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 60
	}
	p := &testPattern{
		src:    src,
		width:  cfg.Width,
		height: cfg.Height,
		format: cfg.Format,
		period: time.Second / time.Duration(fps),
		logger: logger.Named("testpattern"),
	}
	size := cfg.Width * cfg.Height * cfg.Format.BytesPerPixel()
	p.pool.New = func() any { return make([]byte, size) }

	identity := protocol.Pose{Orientation: protocol.Quat{W: 1}}
	p.head.Store(&identity)
	return p
}

// onTracking keeps the newest head pose reported by any peer.
func (p *testPattern) onTracking(ev callbacks.Event) {
	if ev.Up == nil || ev.Up.Tracking == nil {
		return
	}
	pose := ev.Up.Tracking.HeadPose
	p.head.Store(&pose)
}

func (p *testPattern) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.pushFrame(now, now.Sub(start))
		}
	}
}

func (p *testPattern) pushFrame(now time.Time, ts time.Duration) {
	buf := p.pool.Get().([]byte)
	p.paint(buf)

	frame := media.NewFrame(buf, p.width, p.height, 0, p.format, ts, func(f *media.Frame) {
		p.pool.Put(f.Data)
	})
	defer frame.Release()

	p.seq++
	head := *p.head.Load()
	msg := protocol.DownMessage{FrameData: protocol.FrameData{
		FrameSequenceID: p.seq,
		View0:           eyePose(head, -halfIPD),
		View1:           eyePose(head, halfIPD),
		DisplayTimeNs:   now.Add(2 * p.period).UnixNano(),
	}}

	if err := p.src.Push(frame, msg.Marshal()); err != nil {
		var pe interface{ Temporary() bool }
		if errors.As(err, &pe) && pe.Temporary() {
			p.logger.Debug("frame dropped", zap.Uint64("seq", p.seq), zap.Error(err))
			return
		}
		p.logger.Warn("frame rejected", zap.Uint64("seq", p.seq), zap.Error(err))
	}
}

// paint fills buf with a flat background and a bright band that moves one row per frame.
func (p *testPattern) paint(buf []byte) {
	bpp := p.format.BytesPerPixel()
	stride := p.width * bpp
	shade := byte(p.seq)

	row := buf[:stride]
	for i := range row {
		row[i] = shade
	}
	for y := 1; y < p.height; y++ {
		copy(buf[y*stride:(y+1)*stride], row)
	}

	band := int(p.seq % uint64(p.height))
	for y := band; y < band+8 && y < p.height; y++ {
		line := buf[y*stride : (y+1)*stride]
		for i := range line {
			line[i] = 0xff
		}
	}
}

// eyePose offsets head along its own x axis.
func eyePose(head protocol.Pose, dx float32) protocol.Pose {
	off := rotate(head.Orientation, protocol.Vec3{X: dx})
	return protocol.Pose{
		Position: protocol.Vec3{
			X: head.Position.X + off.X,
			Y: head.Position.Y + off.Y,
			Z: head.Position.Z + off.Z,
		},
		Orientation: head.Orientation,
	}
}

// rotate applies unit quaternion q to v: v + 2w(u x v) + 2u x (u x v).
func rotate(q protocol.Quat, v protocol.Vec3) protocol.Vec3 {
	cx := q.Y*v.Z - q.Z*v.Y
	cy := q.Z*v.X - q.X*v.Z
	cz := q.X*v.Y - q.Y*v.X

	ccx := q.Y*cz - q.Z*cy
	ccy := q.Z*cx - q.X*cz
	ccz := q.X*cy - q.Y*cx

	return protocol.Vec3{
		X: v.X + 2*(q.W*cx+ccx),
		Y: v.Y + 2*(q.W*cy+ccy),
		Z: v.Z + 2*(q.W*cz+ccz),
	}
}

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/mikeyg42/xrstream/internal/encoder"
	"github.com/mikeyg42/xrstream/internal/media"
	"github.com/mikeyg42/xrstream/internal/multiplex"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

type fakeEncoder struct {
	units   chan *media.AccessUnit
	errs    chan error
	stopped atomic.Bool
	keyReqs atomic.Int32
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		units: make(chan *media.AccessUnit, 8),
		errs:  make(chan error, 1),
	}
}

func (f *fakeEncoder) Start(context.Context) error     { return nil }
func (f *fakeEncoder) Push(in encoder.Input) error     { in.Frame.Release(); return nil }
func (f *fakeEncoder) Units() <-chan *media.AccessUnit { return f.units }
func (f *fakeEncoder) Errors() <-chan error            { return f.errs }
func (f *fakeEncoder) RequestKeyframe()                { f.keyReqs.Add(1) }
func (f *fakeEncoder) Stop()                           { f.stopped.Store(true) }

type packetRecorder struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
}

func (r *packetRecorder) WriteRTP(p *rtp.Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	parsed := &rtp.Packet{}
	if err := parsed.Unmarshal(raw); err != nil {
		return err
	}
	r.mu.Lock()
	r.pkts = append(r.pkts, parsed)
	r.mu.Unlock()
	return nil
}

func (r *packetRecorder) snapshot() []*rtp.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*rtp.Packet(nil), r.pkts...)
}

func idrUnit(pts time.Duration, md []byte) *media.AccessUnit {
	data := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0xc0, 0x1f, 0xda, // SPS
		0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80, // PPS
		0, 0, 0, 1, 0x65, // IDR slice header
	}
	data = append(data, bytes.Repeat([]byte{0xab}, 3000)...)
	return &media.AccessUnit{Data: data, PTS: pts, Keyframe: true, Metadata: md}
}

// waitFrames waits until n marker packets arrived and returns everything received.
func waitFrames(t *testing.T, r *packetRecorder, n int) []*rtp.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pkts := r.snapshot()
		markers := 0
		for _, p := range pkts {
			if p.Marker {
				markers++
			}
		}
		if markers >= n {
			return pkts
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("fewer than %d frames arrived", n)
	return nil
}

func TestGraphStampsEveryPacketOfAFrame(t *testing.T) {
	enc := newFakeEncoder()
	out := &packetRecorder{}
	g, err := New(DefaultConfig(), enc, out, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mux, err := multiplex.New(multiplex.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	g.Use(mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	md := (&protocol.DownMessage{FrameData: protocol.FrameData{FrameSequenceID: 11}}).Marshal()
	enc.units <- idrUnit(0, md)
	enc.units <- idrUnit(time.Second, nil)

	pkts := waitFrames(t, out, 2)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !enc.stopped.Load() {
		t.Fatal("encoder not stopped")
	}

	first := pkts[0].Timestamp
	var frames [][]*rtp.Packet
	var cur []*rtp.Packet
	for _, p := range pkts {
		if len(p.Payload) > DefaultMTU {
			t.Fatalf("payload of %d bytes exceeds MTU", len(p.Payload))
		}
		cur = append(cur, p)
		if p.Marker {
			frames = append(frames, cur)
			cur = nil
		}
	}
	if len(frames) != 2 {
		t.Fatalf("found %d marker-terminated frames, want 2", len(frames))
	}
	if len(frames[0]) < 2 {
		t.Fatalf("first frame fit in %d packet, want it split", len(frames[0]))
	}

	for _, p := range frames[0] {
		if p.Timestamp != first {
			t.Fatalf("packets of one frame have different timestamps")
		}
		if got := p.Header.GetExtension(protocol.ExtensionID); !bytes.Equal(got, md) {
			t.Fatalf("packet seq %d lacks the frame's down message", p.SequenceNumber)
		}
	}
	for _, p := range frames[1] {
		if p.Timestamp != first+ClockRate {
			t.Fatalf("second frame timestamp = %d, want %d", p.Timestamp, first+ClockRate)
		}
		if p.Header.Extension {
			t.Fatal("frame without metadata carries an extension")
		}
	}

	for _, p := range pkts {
		raw, _ := p.Marshal()
		if len(raw) > DefaultMTU {
			t.Fatalf("marshalled packet is %d bytes, over MTU %d", len(raw), DefaultMTU)
		}
	}
}

func TestGraphReturnsFatalEncoderError(t *testing.T) {
	enc := newFakeEncoder()
	g, err := New(DefaultConfig(), enc, &packetRecorder{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	fatal := encoder.NewEncoderError(encoder.ErrCodePipelineRuntime, "stream failed", true)
	enc.errs <- fatal

	err = g.Run(context.Background())
	if !errors.Is(err, fatal) {
		t.Fatalf("Run error = %v, want the encoder error", err)
	}
}

func TestRequestKeyframeCooldown(t *testing.T) {
	enc := newFakeEncoder()
	g, err := New(DefaultConfig(), enc, &packetRecorder{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	g.now = func() time.Time { return now }

	g.RequestKeyframe()
	g.RequestKeyframe()
	now = now.Add(keyframeCooldown)
	g.RequestKeyframe()

	if n := enc.keyReqs.Load(); n != 2 {
		t.Fatalf("encoder got %d keyframe requests, want 2", n)
	}
}

func TestNewRejectsSmallMTU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MTU = 300
	if _, err := New(cfg, newFakeEncoder(), &packetRecorder{}, nil, nil); err == nil {
		t.Fatal("New accepted an MTU that cannot hold the extension")
	}
}

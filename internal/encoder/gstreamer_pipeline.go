package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/media"
)

// GStreamerPipeline encodes raw frames with appsrc ! videoconvert ! <encoder> ! h264parse
// ! appsink.
type GStreamerPipeline struct {
	config EncoderConfig
	logger *zap.Logger

	pipeline *gst.Pipeline
	appSrc   *app.Source
	appSink  *app.Sink

	units    chan *media.AccessUnit
	errs     chan error
	metadata *metadataTable

	stats *EncoderStats

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
}

var gstInitOnce sync.Once

func NewGStreamerPipeline(cfg EncoderConfig, logger *zap.Logger) (*GStreamerPipeline, error) {
	gstInitOnce.Do(func() { gst.Init(nil) })

	if err := cfg.Validate(); err != nil {
		return nil, NewEncoderError(ErrCodeInvalidConfig, err.Error(), true)
	}
	if cfg.UnitBuffer <= 0 {
		cfg.UnitBuffer = DefaultEncoderConfig().UnitBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GStreamerPipeline{
		config:   cfg,
		logger:   logger.Named("encoder"),
		units:    make(chan *media.AccessUnit, cfg.UnitBuffer),
		errs:     make(chan error, 1),
		metadata: newMetadataTable(4 * cfg.FrameRate),
		stats:    &EncoderStats{},
	}, nil
}

// Start builds and starts the pipeline
func (g *GStreamerPipeline) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pipeline != nil {
		return errors.New("pipeline already started")
	}

	g.ctx, g.cancel = context.WithCancel(ctx)

	pipe, err := gst.NewPipeline("xrstream-encode")
	if err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("create pipeline: %v", err), true)
	}
	if err := g.buildPipeline(pipe); err != nil {
		return err
	}
	g.pipeline = pipe

	bus := pipe.GetBus()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.monitorBus(bus)
	}()

	if err := pipe.SetState(gst.StatePlaying); err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("set PLAYING state: %v", err), true)
	}

	g.logger.Info("encoder pipeline started",
		zap.String("encoder", string(g.config.Encoder)),
		zap.String("caps", rawCaps(g.config)),
		zap.Int("bitrate_kbps", g.config.BitRateKbps))
	return nil
}

// Stop sends EOS, waits up to three seconds for it to drain and tears the pipeline down.
func (g *GStreamerPipeline) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pipeline == nil {
		return
	}

	g.appSrc.EndStream()
	drained := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(3 * time.Second):
		g.logger.Warn("encoder did not drain within 3s")
	}

	g.cancel()
	g.pipeline.SetState(gst.StateNull)
	g.wg.Wait()
	close(g.units)
	g.pipeline = nil

	st := g.stats.Snapshot()
	g.logger.Info("encoder pipeline stopped",
		zap.Uint64("frames", st.FramesIn),
		zap.Uint64("units", st.UnitsOut),
		zap.Uint64("dropped", st.DroppedFrames))
}

// Push copies the frame into a GStreamer buffer and releases it. Failures are temporary.
func (g *GStreamerPipeline) Push(in Input) error {
	defer in.Frame.Release()

	g.mu.Lock()
	appSrc := g.appSrc
	running := g.pipeline != nil
	g.mu.Unlock()

	if !running {
		g.stats.IncrementDroppedFrames()
		return NewEncoderError(ErrCodeNotRunning, "pipeline not started", false)
	}

	f := in.Frame
	if f.Width != g.config.Width || f.Height != g.config.Height || f.Format != g.config.Format {
		g.stats.IncrementDroppedFrames()
		return NewEncoderError(ErrCodePushBufferFailed,
			fmt.Sprintf("frame %dx%d %s does not match caps %s", f.Width, f.Height, f.Format, rawCaps(g.config)), false)
	}

	buf := gst.NewBufferFromBytes(packRows(f))
	buf.SetPresentationTimestamp(gst.ClockTime(in.PTS))
	if in.Duration > 0 {
		buf.SetDuration(gst.ClockTime(in.Duration))
	}

	if len(in.Metadata) > 0 {
		if n := g.metadata.put(in.PTS, in.Metadata); n > 0 {
			g.logger.Debug("evicted metadata of frames the encoder never emitted", zap.Int("count", n))
		}
	}

	if ret := appSrc.PushBuffer(buf); ret != gst.FlowOK {
		g.metadata.take(in.PTS)
		g.stats.IncrementDroppedFrames()
		return NewEncoderError(ErrCodePushBufferFailed, fmt.Sprintf("push buffer failed: %s", ret.String()), false)
	}
	g.stats.IncrementFramesIn()
	return nil
}

func (g *GStreamerPipeline) Units() <-chan *media.AccessUnit { return g.units }

func (g *GStreamerPipeline) Errors() <-chan error { return g.errs }

func (g *GStreamerPipeline) Stats() EncoderStatsSnapshot { return g.stats.Snapshot() }

// RequestKeyframe asks the encoder for an IDR with SPS/PPS, e.g. after a receiver PLI.
func (g *GStreamerPipeline) RequestKeyframe() {
	g.mu.Lock()
	pipe := g.pipeline
	g.mu.Unlock()
	if pipe == nil {
		return
	}

	st := gst.NewStructure("GstForceKeyUnit")
	_ = st.SetValue("all-headers", true)
	if !pipe.SendEvent(gst.NewCustomEvent(gst.EventTypeCustomUpstream, st)) {
		g.logger.Debug("force-key-unit event not handled")
	}
}

func (g *GStreamerPipeline) buildPipeline(pipe *gst.Pipeline) error {
	srcElem, err := gst.NewElement("appsrc")
	if err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("create appsrc: %v", err), true)
	}
	g.appSrc = app.SrcFromElement(srcElem)

	conv, err := gst.NewElement("videoconvert")
	if err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("create videoconvert: %v", err), true)
	}

	spec, err := encoderElement(g.config)
	if err != nil {
		return err
	}
	enc, err := gst.NewElement(spec.Factory)
	if err != nil {
		return NewEncoderError(ErrCodeEncoderNotFound, fmt.Sprintf("create %s: %v", spec.Factory, err), true)
	}
	for _, p := range spec.Properties {
		enc.SetArg(p.Name, p.Value)
	}

	encCaps, err := gst.NewElement("capsfilter")
	if err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("create capsfilter: %v", err), true)
	}
	_ = encCaps.SetProperty("caps", gst.NewCapsFromString("video/x-h264,profile=main"))

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("create h264parse: %v", err), true)
	}
	// SPS/PPS before every IDR so late joiners can decode from their first keyframe
	_ = parse.SetProperty("config-interval", -1)

	sinkElem, err := gst.NewElement("appsink")
	if err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("create appsink: %v", err), true)
	}
	g.appSink = app.SinkFromElement(sinkElem)

	if err := pipe.AddMany(srcElem, conv, enc, encCaps, parse, sinkElem); err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("add elements: %v", err), true)
	}
	if err := gst.ElementLinkMany(srcElem, conv, enc, encCaps, parse, sinkElem); err != nil {
		return NewEncoderError(ErrCodePipelineInit, fmt.Sprintf("link elements: %v", err), true)
	}

	g.configureAppSrc()
	g.configureAppSink()
	return nil
}

func (g *GStreamerPipeline) configureAppSrc() {
	g.appSrc.SetCaps(gst.NewCapsFromString(rawCaps(g.config)))
	g.appSrc.SetStreamType(app.AppStreamTypeStream)
	g.appSrc.SetProperty("format", gst.FormatTime)
	g.appSrc.SetProperty("is-live", true)
	g.appSrc.SetProperty("do-timestamp", false)
	g.appSrc.SetProperty("block", false)
}

func (g *GStreamerPipeline) configureAppSink() {
	g.appSink.SetCaps(gst.NewCapsFromString(h264Caps))
	g.appSink.SetProperty("sync", false)
	g.appSink.SetProperty("max-buffers", uint(g.config.UnitBuffer))
	g.appSink.SetProperty("drop", false)
	g.appSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.handleSample,
	})
}

// handleSample runs on the GStreamer streaming thread.
func (g *GStreamerPipeline) handleSample(s *app.Sink) gst.FlowReturn {
	sample := s.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buf := sample.GetBuffer()
	if buf == nil {
		return gst.FlowOK
	}

	mapping := buf.Map(gst.MapRead)
	if mapping == nil {
		return gst.FlowOK
	}
	data := append([]byte(nil), mapping.Bytes()...)
	buf.Unmap()

	pts := time.Duration(buf.PresentationTimestamp())
	au := &media.AccessUnit{
		Data:     data,
		PTS:      pts,
		Duration: time.Duration(buf.Duration()),
		Keyframe: !buf.HasFlags(gst.BufferFlagDeltaUnit),
		Metadata: g.metadata.take(pts),
	}
	if au.Keyframe {
		g.stats.SetLastKeyframe(time.Now())
	}

	select {
	case g.units <- au:
		g.stats.IncrementUnitsOut()
		g.stats.AddBytesEncoded(uint64(len(data)))
	case <-g.ctx.Done():
		return gst.FlowFlushing
	}
	return gst.FlowOK
}

// monitorBus turns pipeline errors into a fatal error on Errors.
func (g *GStreamerPipeline) monitorBus(bus *gst.Bus) {
	for {
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			select {
			case <-g.ctx.Done():
				return
			default:
				continue
			}
		}

		switch msg.Type() {
		case gst.MessageEOS:
			g.logger.Info("encoder pipeline reached EOS")
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			g.logger.Error("encoder pipeline error",
				zap.String("source", msg.Source()),
				zap.String("error", gerr.Error()),
				zap.String("debug", gerr.DebugString()))
			select {
			case g.errs <- NewEncoderError(ErrCodePipelineRuntime, gerr.Error(), true):
			default:
			}
			return

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			g.logger.Warn("encoder pipeline warning", zap.String("source", msg.Source()), zap.String("warning", gerr.Error()))
		}
	}
}

// packRows drops row padding so the buffer matches the tightly packed caps.
func packRows(f *media.Frame) []byte {
	row := f.Width * f.Format.BytesPerPixel()
	if f.Stride == row {
		return f.Data[:row*f.Height]
	}
	out := make([]byte, row*f.Height)
	for y := 0; y < f.Height; y++ {
		copy(out[y*row:(y+1)*row], f.Data[y*f.Stride:y*f.Stride+row])
	}
	return out
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/xrstream/internal/api"
	"github.com/mikeyg42/xrstream/internal/callbacks"
	"github.com/mikeyg42/xrstream/internal/config"
	"github.com/mikeyg42/xrstream/internal/encoder"
	"github.com/mikeyg42/xrstream/internal/framestream"
	"github.com/mikeyg42/xrstream/internal/logging"
	"github.com/mikeyg42/xrstream/internal/lossmon"
	"github.com/mikeyg42/xrstream/internal/media"
	"github.com/mikeyg42/xrstream/internal/metrics"
	"github.com/mikeyg42/xrstream/internal/multiplex"
	"github.com/mikeyg42/xrstream/internal/pipeline"
	"github.com/mikeyg42/xrstream/internal/relay"
	"github.com/mikeyg42/xrstream/internal/rtcManager"
	"github.com/mikeyg42/xrstream/internal/signaling"
	"github.com/mikeyg42/xrstream/internal/source"
	"github.com/mikeyg42/xrstream/internal/storage"
	"github.com/mikeyg42/xrstream/internal/video"
)

// Application struct that holds all components
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	encoder   *encoder.GStreamerPipeline
	graph     *pipeline.Graph
	fanout    *framestream.Distributor
	loss      *lossmon.Monitor
	source    *source.FrameSource
	recorder  *video.Recorder
	archive   *storage.MinIOStore
	callbacks *callbacks.Collection
	manager   *rtcManager.Manager
	signaling *signaling.Server
	turn      *relay.Server
	pattern   *testPattern
	api       *api.Server
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(2)
	}

	// Parse command line flags
	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "HTTP listen address for signaling, metrics and status")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "human readable logs")
	flag.IntVar(&cfg.Video.BitRateKbps, "bitrate", cfg.Video.BitRateKbps, "encoder bitrate in kbit/s")
	flag.StringVar(&cfg.Video.Encoder, "encoder", cfg.Video.Encoder, "x264, nvh264, nvautogpuh264, vulkanh264 or openh264")
	flag.IntVar(&cfg.Video.Width, "width", cfg.Video.Width, "frame width")
	flag.IntVar(&cfg.Video.Height, "height", cfg.Video.Height, "frame height")
	flag.IntVar(&cfg.Video.FrameRate, "fps", cfg.Video.FrameRate, "frame rate of the test pattern")
	flag.StringVar(&cfg.Recording.Path, "record", cfg.Recording.Path, "write the encoded stream to this Matroska file")
	flag.BoolVar(&cfg.Diagnostics, "diagnostics", cfg.Diagnostics, "estimate DownMessage loss")
	flag.BoolVar(&cfg.TURN.Enabled, "turn", cfg.TURN.Enabled, "run the embedded TURN relay")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("Application stopped with error", zap.Error(err))
		app.Cleanup()
		logger.Sync()
		os.Exit(1)
	}
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{
		config:    cfg,
		logger:    logger,
		registry:  prometheus.NewRegistry(),
		callbacks: callbacks.New(),
	}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics = metrics.New(app.registry)

	encCfg, err := encoderConfig(cfg)
	if err != nil {
		return nil, err
	}
	app.encoder, err = encoder.NewGStreamerPipeline(encCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	app.fanout = framestream.NewDistributor(cfg.WebRTC.FanOutQueue, logger)
	app.graph, err = pipeline.New(pipeline.Config{MTU: cfg.Video.MTU}, app.encoder, app.fanout, logger, app.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create encode graph: %w", err)
	}

	muxCfg := multiplex.DefaultConfig()
	if cfg.Diagnostics {
		app.loss = lossmon.New(lossmon.WithLogger(logger))
		muxCfg.Loss = app.loss
	}
	mux, err := multiplex.New(muxCfg, logger, app.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata multiplexer: %w", err)
	}
	app.graph.Use(mux)

	if cfg.Recording.Path != "" {
		app.recorder, err = video.NewRecorder(video.RecorderConfig{
			Path:      cfg.Recording.Path,
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FrameRate: cfg.Video.FrameRate,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create recorder: %w", err)
		}
		app.graph.Tap(app.recorder)

		if a := cfg.Recording.Archive; a.Endpoint != "" {
			app.archive, err = storage.NewMinIOStore(storage.MinIOConfig{
				Endpoint:        a.Endpoint,
				AccessKeyID:     a.AccessKey,
				SecretAccessKey: a.SecretKey,
				UseSSL:          a.UseSSL,
				Bucket:          a.Bucket,
				MaxRetries:      5,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create recording archive: %w", err)
			}
		}
	}

	app.source = source.New(app.encoder, logger, app.metrics)

	iceServers := []webrtc.ICEServer{}
	if len(cfg.WebRTC.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.WebRTC.STUNServers})
	}
	if cfg.TURN.Enabled {
		turnCfg := relayConfig(cfg)
		app.turn = relay.New(turnCfg, logger)
		iceServers = append(iceServers, turnCfg.ICEServers()...)
	}

	factory, err := rtcManager.NewPionFactory(rtcManager.PionConfig{
		ICEServers:      iceServers,
		IncludeLoopback: cfg.WebRTC.IncludeLoopback,
		NAT1To1IPs:      cfg.WebRTC.NAT1To1IPs,
		UDPPortMin:      uint16(cfg.WebRTC.UDPPortMin),
		UDPPortMax:      uint16(cfg.WebRTC.UDPPortMax),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint factory: %w", err)
	}

	app.signaling = signaling.NewServer(logger)
	app.manager, err = rtcManager.NewManager(rtcManager.Config{
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
		KeepAliveInterval:  cfg.WebRTC.KeepAliveInterval,
	}, factory, app.signaling, app.fanout,
		rtcManager.WithLogger(logger),
		rtcManager.WithMetrics(app.metrics),
		rtcManager.WithCallbacks(app.callbacks),
		rtcManager.WithKeyframeRequester(app.graph.RequestKeyframe),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	app.api = api.NewServer(api.Options{
		Addr:           cfg.ListenAddr,
		Signaling:      app.signaling,
		Registry:       app.registry,
		Status:         &statusProvider{app: app, started: time.Now()},
		AllowedOrigins: cfg.API.AllowedOrigins,
		JoinRate:       cfg.API.JoinRate,
		JoinWindow:     time.Minute,
	}, logger)

	app.pattern = newTestPattern(app.source, encCfg, logger)
	app.callbacks.Add(callbacks.EventTracking, app.pattern.onTracking)
	app.callbacks.Add(callbacks.EventPeerConnected|callbacks.EventPeerDisconnected, func(ev callbacks.Event) {
		logger.Info("peer event", zap.String("peer", ev.PeerID), zap.Stringer("kind", ev.Kind))
	})

	return app, nil
}

// Run blocks until ctx is done or a component fails. A failing encode graph ends the
// process: every peer would otherwise receive corrupt video.
func (app *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.graph.Run(ctx); err != nil {
			app.logger.Fatal("Encode graph failed", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error { return app.manager.Run(ctx) })
	g.Go(func() error { return app.pumpSignaling(ctx) })
	g.Go(func() error { return app.pattern.Run(ctx) })

	if app.loss != nil {
		g.Go(func() error {
			app.loss.Run(ctx, app.config.LossReportPeriod, func(r lossmon.Report) {
				app.metrics.DownMessageSkipRate.Set(r.SkipRate)
			})
			return nil
		})
	}
	if app.turn != nil {
		g.Go(func() error { return app.turn.Run(ctx) })
	}

	g.Go(func() error {
		err := app.api.Run(ctx)
		app.signaling.Close()
		return err
	})

	return g.Wait()
}

// pumpSignaling forwards bridge events into the connection manager.
func (app *Application) pumpSignaling(ctx context.Context) error {
	events := app.signaling.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Kind {
			case signaling.EventJoin:
				app.manager.Join(ev.PeerID)
			case signaling.EventLeave:
				app.manager.Leave(ev.PeerID)
			case signaling.EventAnswer:
				app.manager.Answer(ev.PeerID, ev.SDP)
			case signaling.EventCandidate:
				app.manager.Candidate(ev.PeerID, ev.Candidate)
			}
		}
	}
}

func (app *Application) Cleanup() {
	if app.recorder != nil {
		if err := app.recorder.Close(); err != nil {
			app.logger.Warn("Failed to close recorder", zap.Error(err))
		} else if app.archive != nil {
			app.archiveRecording()
		}
		app.recorder = nil
	}
	if app.fanout != nil {
		app.fanout.Close()
	}
}

func (app *Application) archiveRecording() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.archive.EnsureBucket(ctx); err != nil {
		app.logger.Error("Recording archive unavailable", zap.Error(err))
		return
	}
	key, err := storage.ArchiveRecording(ctx, app.archive, app.config.Recording.Path, app.config.Recording.Archive.Prefix, time.Now())
	if err != nil {
		app.logger.Error("Failed to archive recording", zap.String("path", app.config.Recording.Path), zap.Error(err))
		return
	}
	app.logger.Info("Recording archived", zap.String("bucket", app.config.Recording.Archive.Bucket), zap.String("key", key))
}

func encoderConfig(cfg *config.Config) (encoder.EncoderConfig, error) {
	format, err := media.ParsePixelFormat(cfg.Video.PixelFormat)
	if err != nil {
		return encoder.EncoderConfig{}, err
	}
	kind, err := encoder.ParseEncoderType(cfg.Video.Encoder)
	if err != nil {
		return encoder.EncoderConfig{}, err
	}

	encCfg := encoder.DefaultEncoderConfig()
	encCfg.Width = cfg.Video.Width
	encCfg.Height = cfg.Video.Height
	encCfg.Format = format
	encCfg.FrameRate = cfg.Video.FrameRate
	encCfg.BitRateKbps = cfg.Video.BitRateKbps
	encCfg.KeyFrameInterval = cfg.Video.KeyFrameInterval
	encCfg.Encoder = kind
	return encCfg, encCfg.Validate()
}

func relayConfig(cfg *config.Config) relay.Config {
	r := relay.DefaultConfig()
	r.Port = cfg.TURN.Port
	r.Realm = cfg.TURN.Realm
	r.PublicIP = cfg.TURN.PublicIP
	r.Users = cfg.TURN.Users
	r.Threads = cfg.TURN.Threads
	return r
}

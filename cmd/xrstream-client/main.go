// Command xrstream-client is a reference receiver: it joins a stream server, checks the
// per-frame metadata of the video it receives and streams a synthetic head pose back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/xrstream/internal/logging"
	"github.com/mikeyg42/xrstream/internal/signaling"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "signaling endpoint of the stream server")
	trackingRate := flag.Int("tracking-rate", 90, "tracking messages per second")
	reportPeriod := flag.Duration("report", 5*time.Second, "interval between receive reports")
	dialTimeout := flag.Duration("dial-timeout", time.Minute, "give up connecting after this long")
	stun := flag.String("stun", "stun:stun.l.google.com:19302", "STUN server, empty for none")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	logDev := flag.Bool("log-dev", false, "human readable logs")
	flag.Parse()

	logger, err := logging.New(*logLevel, *logDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sig, err := signaling.Dial(ctx, *url, signaling.DialOptions{MaxElapsed: *dialTimeout, Logger: logger})
	if err != nil {
		logger.Fatal("Failed to reach stream server", zap.Error(err))
	}
	defer sig.Close()
	logger = logger.With(zap.String("peer", sig.PeerID))
	logger.Info("joined stream server", zap.String("url", *url))

	var stunServers []string
	if *stun != "" {
		stunServers = []string{*stun}
	}
	rx, err := newReceiver(receiverConfig{
		STUNServers:  stunServers,
		TrackingRate: *trackingRate,
		ReportPeriod: *reportPeriod,
	}, sig, logger)
	if err != nil {
		logger.Fatal("Failed to create receiver", zap.Error(err))
	}
	defer rx.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rx.pumpSignaling(gctx) })
	g.Go(func() error { return rx.sendTracking(gctx) })
	g.Go(func() error { return rx.report(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// unblocks the signaling read
		_ = sig.Close()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Receiver stopped", zap.Error(err))
	}
}

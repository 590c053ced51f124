package main

import (
	"context"
	"time"

	"github.com/mikeyg42/xrstream/internal/encoder"
	"github.com/mikeyg42/xrstream/internal/framestream"
	"github.com/mikeyg42/xrstream/internal/lossmon"
	"github.com/mikeyg42/xrstream/internal/relay"
)

const lossHistory = 12

type statusProvider struct {
	app     *Application
	started time.Time
}

type serverStats struct {
	Uptime    string                             `json:"uptime"`
	Encoder   encoderStats                       `json:"encoder"`
	Signaling int                                `json:"signaling_sockets"`
	PacketsIn int64                              `json:"packets_in"`
	Branches  map[string]framestream.BranchStats `json:"branches"`
	Loss      []lossmon.Report                   `json:"loss,omitempty"`
	TURN      *relay.Stats                       `json:"turn,omitempty"`
	Recording string                             `json:"recording,omitempty"`
}

type encoderStats struct {
	encoder.EncoderStatsSnapshot
	BitRateKbps float64 `json:"bitrate_kbps"`
	DropPercent float64 `json:"drop_percent"`
}

func (s *statusProvider) Peers(ctx context.Context) (any, error) {
	return s.app.manager.Peers(ctx)
}

func (s *statusProvider) Stats(ctx context.Context) (any, error) {
	app := s.app
	up := time.Since(s.started)
	snap := app.encoder.Stats()

	out := serverStats{
		Uptime: up.Round(time.Second).String(),
		Encoder: encoderStats{
			EncoderStatsSnapshot: snap,
			BitRateKbps:          snap.CalculateBitRate(up),
			DropPercent:          snap.CalculateDropRate(),
		},
		Signaling: app.signaling.Len(),
		PacketsIn: app.fanout.PacketsIn(),
		Branches:  app.fanout.Stats(),
		Recording: app.config.Recording.Path,
	}
	if app.loss != nil {
		out.Loss = app.loss.History(lossHistory)
	}
	if app.turn != nil {
		st := app.turn.Stats()
		out.TURN = &st
	}
	return out, nil
}

// Package video writes the encoded stream to a local Matroska file for offline inspection.
package video

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/media"
)

type RecorderConfig struct {
	Path      string
	Width     int
	Height    int
	FrameRate int
}

// Recorder writes access units as SimpleBlocks. It starts at the first keyframe so the
// file is decodable from its first block.
type Recorder struct {
	config RecorderConfig
	logger *zap.Logger

	mu      sync.Mutex
	writer  webm.BlockWriteCloser
	started bool
	blocks  int
}

func NewRecorder(cfg RecorderConfig, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 60
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	ws, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        12345,
				CodecID:         "V_MPEG4/ISO/AVC",
				TrackType:       1,
				DefaultDuration: uint64(time.Second / time.Duration(cfg.FrameRate)),
				Video: &webm.Video{
					PixelWidth:  uint64(cfg.Width),
					PixelHeight: uint64(cfg.Height),
				},
			},
		},
	)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create Matroska writer: %w", err)
	}

	l := logger.Named("recorder")
	l.Info("debug recording enabled", zap.String("path", cfg.Path))
	return &Recorder{config: cfg, logger: l, writer: ws[0]}, nil
}

// WriteAccessUnit appends au. Units before the first keyframe are skipped.
func (r *Recorder) WriteAccessUnit(au *media.AccessUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return nil
	}
	if !r.started {
		if !au.Keyframe {
			return nil
		}
		r.started = true
	}

	if _, err := r.writer.Write(au.Keyframe, au.PTS.Milliseconds(), au.Data); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	r.blocks++
	return nil
}

// Close finalizes the file. An empty recording is removed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	if err != nil {
		return fmt.Errorf("failed to close Matroska writer: %w", err)
	}

	if r.blocks == 0 {
		os.Remove(r.config.Path)
		r.logger.Warn("debug recording had no keyframe, removed", zap.String("path", r.config.Path))
		return nil
	}

	info, err := os.Stat(r.config.Path)
	if err != nil {
		return fmt.Errorf("failed to verify recording file: %w", err)
	}
	r.logger.Info("debug recording saved",
		zap.String("path", r.config.Path),
		zap.Int("blocks", r.blocks),
		zap.Int64("bytes", info.Size()))
	return nil
}

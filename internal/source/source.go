// Package source is the entry point for raw frames: it timestamps them relative to the
// first pushed frame and hands them to the encoder together with their metadata.
package source

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/media"
	"github.com/mikeyg42/xrstream/internal/metrics"
)

// MaxInlineMetadata bounds the metadata carried with a frame through the encoder.
const MaxInlineMetadata = 4096

// Pusher is the part of the encoder FrameSource needs.
type Pusher interface {
	Push(in media.EncodeInput) error
}

// PushError is returned when one frame was not accepted. The stream continues.
type PushError struct {
	Err error
}

func (e *PushError) Error() string   { return "push frame: " + e.Err.Error() }
func (e *PushError) Unwrap() error   { return e.Err }
func (e *PushError) Temporary() bool { return true }

var ErrInvalidFrame = errors.New("invalid frame")

// FrameSource is safe for concurrent use; pushes are serialized.
type FrameSource struct {
	enc     Pusher
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	started  bool
	offset   time.Duration
	lastTS   time.Duration
	lastPTS  time.Duration
	warnedWH [2]int
}

func New(enc Pusher, logger *zap.Logger, m *metrics.Metrics) *FrameSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &FrameSource{
		enc:     enc,
		logger:  logger.Named("source"),
		metrics: m,
	}
}

// Push hands frame to the encoder. The caller keeps its own reference; FrameSource takes
// an extra one that the encoder releases. metadata may be empty.
func (s *FrameSource) Push(frame *media.Frame, metadata []byte) error {
	if err := frame.Validate(); err != nil {
		s.metrics.FramePushErrors.Inc()
		return &PushError{Err: fmt.Errorf("%w: %v", ErrInvalidFrame, err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if frame.Width%2 != 0 || frame.Height%2 != 0 {
		if s.warnedWH != [2]int{frame.Width, frame.Height} {
			s.warnedWH = [2]int{frame.Width, frame.Height}
			s.logger.Warn("frame dimensions are not even, encoder may reject or crop them",
				zap.Int("width", frame.Width), zap.Int("height", frame.Height))
		}
	}

	pts, dur := s.timestampLocked(frame.Timestamp)

	if len(metadata) > MaxInlineMetadata {
		s.logger.Warn("metadata too large to travel with frame, pushing frame without it",
			zap.Int("size", len(metadata)), zap.Int("max", MaxInlineMetadata))
		metadata = nil
	}
	var md []byte
	if len(metadata) > 0 {
		md = append([]byte(nil), metadata...)
	}

	frame.Retain()
	err := s.enc.Push(media.EncodeInput{
		Frame:    frame,
		PTS:      pts,
		Duration: dur,
		Metadata: md,
	})
	if err != nil {
		s.metrics.FramePushErrors.Inc()
		s.logger.Warn("frame push failed", zap.Duration("pts", pts), zap.Error(err))
		return &PushError{Err: err}
	}
	s.metrics.FramesPushed.Inc()
	return nil
}

// timestampLocked maps a capture time to a presentation time relative to the first frame.
// PTS is strictly increasing: the encoder keys frame metadata by PTS, so a capture time
// that repeats or goes backwards gets the previous PTS plus one nanosecond.
func (s *FrameSource) timestampLocked(ts time.Duration) (pts, dur time.Duration) {
	if !s.started {
		s.started = true
		s.offset = ts
		s.lastTS = ts
		s.lastPTS = 0
		return 0, 0
	}

	if ts < s.lastTS {
		s.logger.Warn("capture timestamp went backwards",
			zap.Duration("previous", s.lastTS), zap.Duration("current", ts))
	} else {
		s.lastTS = ts
	}

	pts = ts - s.offset
	if pts <= s.lastPTS {
		pts = s.lastPTS + time.Nanosecond
	}
	dur = pts - s.lastPTS
	s.lastPTS = pts
	return pts, dur
}

// Reset makes the next pushed frame time-zero again.
func (s *FrameSource) Reset() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

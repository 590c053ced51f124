package encoder

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/xrstream/internal/media"
)

// EncoderType selects the H.264 encoder element.
type EncoderType string

const (
	EncoderX264          EncoderType = "x264"
	EncoderNVH264        EncoderType = "nvh264"
	EncoderNVAutoGPUH264 EncoderType = "nvautogpuh264"
	EncoderVulkanH264    EncoderType = "vulkanh264"
	EncoderOpenH264      EncoderType = "openh264"
)

var encoderTypes = []EncoderType{EncoderX264, EncoderNVH264, EncoderNVAutoGPUH264, EncoderVulkanH264, EncoderOpenH264}

func ParseEncoderType(s string) (EncoderType, error) {
	for _, t := range encoderTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown encoder %q", s)
}

// EncoderConfig contains all encoder configuration
type EncoderConfig struct {
	// Video parameters (required)
	Width     int
	Height    int
	Format    media.PixelFormat
	FrameRate int // nominal, for caps and rate control only

	BitRateKbps      int
	KeyFrameInterval int // frames
	MaxBFrames       int

	Encoder EncoderType

	// UnitBuffer is the capacity of the access unit channel.
	UnitBuffer int
}

// DefaultEncoderConfig returns sensible defaults
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Width:            1920,
		Height:           1080,
		Format:           media.PixelFormatRGBA,
		FrameRate:        60,
		BitRateKbps:      16384,
		KeyFrameInterval: 120,
		Encoder:          EncoderX264,
		UnitBuffer:       32,
	}
}

// Validate checks configuration validity
func (c *EncoderConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid resolution: %dx%d", c.Width, c.Height)
	}
	if !c.Format.Supported() {
		return fmt.Errorf("invalid pixel format: %s", c.Format)
	}
	if c.FrameRate <= 0 || c.FrameRate > 240 {
		return fmt.Errorf("invalid framerate: %d", c.FrameRate)
	}
	if c.BitRateKbps <= 0 {
		return fmt.Errorf("invalid bitrate: %d kbps", c.BitRateKbps)
	}
	if c.KeyFrameInterval <= 0 {
		return fmt.Errorf("invalid keyframe interval: %d", c.KeyFrameInterval)
	}
	if c.MaxBFrames < 0 || c.MaxBFrames > 4 {
		return fmt.Errorf("invalid b-frames: %d (must be 0-4)", c.MaxBFrames)
	}
	if _, err := ParseEncoderType(string(c.Encoder)); err != nil {
		return err
	}
	return nil
}

// Input is one raw frame on its way into the encoder.
type Input = media.EncodeInput

// Encoder turns raw frames into H.264 access units carrying the metadata of their source
// frame. Errors delivers fatal failures only.
type Encoder interface {
	Start(ctx context.Context) error
	Push(in Input) error
	Units() <-chan *media.AccessUnit
	Errors() <-chan error
	RequestKeyframe()
	Stop()
}

// EncoderStats tracks runtime statistics
type EncoderStats struct {
	framesIn      atomic.Uint64
	unitsOut      atomic.Uint64
	droppedFrames atomic.Uint64
	bytesEncoded  atomic.Uint64
	lastKeyframe  atomic.Value // stores time.Time
}

func (s *EncoderStats) IncrementFramesIn()          { s.framesIn.Add(1) }
func (s *EncoderStats) IncrementUnitsOut()          { s.unitsOut.Add(1) }
func (s *EncoderStats) IncrementDroppedFrames()     { s.droppedFrames.Add(1) }
func (s *EncoderStats) AddBytesEncoded(n uint64)    { s.bytesEncoded.Add(n) }
func (s *EncoderStats) SetLastKeyframe(t time.Time) { s.lastKeyframe.Store(t) }

func (s *EncoderStats) GetLastKeyframe() time.Time {
	if v := s.lastKeyframe.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// Snapshot returns a copy of current stats
func (s *EncoderStats) Snapshot() EncoderStatsSnapshot {
	return EncoderStatsSnapshot{
		FramesIn:      s.framesIn.Load(),
		UnitsOut:      s.unitsOut.Load(),
		DroppedFrames: s.droppedFrames.Load(),
		BytesEncoded:  s.bytesEncoded.Load(),
		LastKeyframe:  s.GetLastKeyframe(),
	}
}

// EncoderStatsSnapshot is a point-in-time copy of stats
type EncoderStatsSnapshot struct {
	FramesIn      uint64
	UnitsOut      uint64
	DroppedFrames uint64
	BytesEncoded  uint64
	LastKeyframe  time.Time
}

// CalculateBitRate calculates current bitrate in kbps
func (s *EncoderStatsSnapshot) CalculateBitRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(s.BytesEncoded*8) / duration.Seconds() / 1000
}

// CalculateDropRate calculates frame drop percentage
func (s *EncoderStatsSnapshot) CalculateDropRate() float64 {
	total := s.FramesIn + s.DroppedFrames
	if total == 0 {
		return 0
	}
	return float64(s.DroppedFrames) / float64(total) * 100
}

// EncoderError represents an encoder-specific error
type EncoderError struct {
	Code    int
	Message string
	Fatal   bool
}

func (e *EncoderError) Error() string {
	severity := "recoverable"
	if e.Fatal {
		severity = "fatal"
	}
	return fmt.Sprintf("[%s] encoder error %d: %s", severity, e.Code, e.Message)
}

// Temporary reports whether later frames may still succeed.
func (e *EncoderError) Temporary() bool { return !e.Fatal }

func NewEncoderError(code int, message string, fatal bool) *EncoderError {
	return &EncoderError{
		Code:    code,
		Message: message,
		Fatal:   fatal,
	}
}

// Common error codes
const (
	ErrCodePipelineInit = 1001 + iota
	ErrCodeEncoderNotFound
	ErrCodeInvalidConfig
	ErrCodePushBufferFailed
	ErrCodePipelineRuntime
	ErrCodeNotRunning
)

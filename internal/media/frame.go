// Package media defines the raw and encoded video units that move through the encode graph.
package media

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGB
	PixelFormatRGBA
	PixelFormatRGBx
	PixelFormatYUY2
	PixelFormatGray8
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatRGB:   "RGB",
	PixelFormatRGBA:  "RGBA",
	PixelFormatRGBx:  "RGBx",
	PixelFormatYUY2:  "YUY2",
	PixelFormatGray8: "GRAY8",
}

// String returns the GStreamer caps name of the format.
func (f PixelFormat) String() string {
	if s, ok := pixelFormatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

func (f PixelFormat) Supported() bool {
	_, ok := pixelFormatNames[f]
	return ok
}

// BytesPerPixel returns 0 for unsupported formats. YUY2 packs two pixels in four bytes.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB:
		return 3
	case PixelFormatRGBA, PixelFormatRGBx:
		return 4
	case PixelFormatYUY2:
		return 2
	case PixelFormatGray8:
		return 1
	}
	return 0
}

func ParsePixelFormat(s string) (PixelFormat, error) {
	for f, name := range pixelFormatNames {
		if strings.EqualFold(name, s) {
			return f, nil
		}
	}
	return PixelFormatUnknown, fmt.Errorf("unsupported pixel format %q", s)
}

// Frame is one raw image handed to the encode graph. The pixel buffer is shared, not
// copied: the producer must leave Data untouched until the release hook runs.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat

	// Timestamp is the monotonic capture time.
	Timestamp time.Duration

	refs      atomic.Int32
	onRelease func(*Frame)
}

// NewFrame returns a frame holding one reference. onRelease may be nil.
func NewFrame(data []byte, width, height, stride int, format PixelFormat, ts time.Duration, onRelease func(*Frame)) *Frame {
	if stride == 0 {
		stride = width * format.BytesPerPixel()
	}
	f := &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Stride:    stride,
		Format:    format,
		Timestamp: ts,
		onRelease: onRelease,
	}
	f.refs.Store(1)
	return f
}

func (f *Frame) Retain() {
	f.refs.Add(1)
}

// Release drops one reference and runs the release hook when it was the last one.
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	if n == 0 && f.onRelease != nil {
		f.onRelease(f)
	}
	if n < 0 {
		panic("media: frame released more times than retained")
	}
}

// Validate checks the geometry against the buffer.
func (f *Frame) Validate() error {
	if !f.Format.Supported() {
		return fmt.Errorf("unsupported pixel format %s", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if row := f.Width * f.Format.BytesPerPixel(); f.Stride < row {
		return fmt.Errorf("stride %d smaller than row size %d", f.Stride, row)
	}
	if need := f.Stride * f.Height; len(f.Data) < need {
		return fmt.Errorf("buffer holds %d bytes, %dx%d %s needs %d", len(f.Data), f.Width, f.Height, f.Format, need)
	}
	return nil
}

// EncodeInput is one raw frame on its way into the encoder. The encoder owns one reference
// to Frame and releases it once it no longer reads the pixels, also when Push fails.
// PTS is unique per stream; the encoder keys Metadata by it.
type EncodeInput struct {
	Frame    *Frame
	PTS      time.Duration
	Duration time.Duration
	Metadata []byte
}

// AccessUnit is one encoded H.264 frame in Annex B byte-stream form.
type AccessUnit struct {
	Data     []byte
	PTS      time.Duration
	Duration time.Duration
	Keyframe bool

	// Metadata is the serialized DownMessage pushed with the source frame, if any.
	Metadata []byte
}

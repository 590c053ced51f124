package encoder

import (
	"fmt"
	"strconv"
)

// Property is one element property in gst_util_set_object_arg string form.
type Property struct {
	Name  string
	Value string
}

// ElementSpec names a GStreamer factory and the properties to apply after creation.
type ElementSpec struct {
	Factory    string
	Properties []Property
}

// encoderElement maps an encoder choice to its element and low-latency tuning.
func encoderElement(cfg EncoderConfig) (ElementSpec, error) {
	kbps := strconv.Itoa(cfg.BitRateKbps)
	gop := strconv.Itoa(cfg.KeyFrameInterval)
	bframes := strconv.Itoa(cfg.MaxBFrames)

	switch cfg.Encoder {
	case EncoderX264:
		return ElementSpec{"x264enc", []Property{
			{"tune", "zerolatency"},
			{"speed-preset", "veryfast"},
			{"bitrate", kbps},
			{"key-int-max", gop},
			{"bframes", bframes},
		}}, nil
	case EncoderNVH264:
		return ElementSpec{"nvh264enc", []Property{
			{"rc-mode", "cbr"},
			{"preset", "low-latency-hq"},
			{"zerolatency", "true"},
			{"bitrate", kbps},
			{"gop-size", gop},
			{"bframes", bframes},
		}}, nil
	case EncoderNVAutoGPUH264:
		return ElementSpec{"nvautogpuh264enc", []Property{
			{"rate-control", "cbr"},
			{"preset", "p1"},
			{"tune", "ultra-low-latency"},
			{"zero-reorder-delay", "true"},
			{"bitrate", kbps},
			{"gop-size", gop},
		}}, nil
	case EncoderVulkanH264:
		return ElementSpec{"vulkanh264enc", []Property{
			{"rate-control", "cbr"},
			{"bitrate", kbps},
			{"idr-period", gop},
			{"b-frames", bframes},
		}}, nil
	case EncoderOpenH264:
		// openh264enc takes bits per second
		return ElementSpec{"openh264enc", []Property{
			{"rate-control", "bitrate"},
			{"complexity", "low"},
			{"bitrate", strconv.Itoa(cfg.BitRateKbps * 1000)},
			{"gop-size", gop},
		}}, nil
	}
	return ElementSpec{}, NewEncoderError(ErrCodeEncoderNotFound, fmt.Sprintf("no element for encoder %q", cfg.Encoder), true)
}

// rawCaps describes what the appsrc produces.
func rawCaps(cfg EncoderConfig) string {
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		cfg.Format, cfg.Width, cfg.Height, cfg.FrameRate)
}

// h264Caps fixes the encoder output to what the RTP payloader expects: main profile,
// Annex B, one access unit per buffer.
const h264Caps = "video/x-h264,profile=main,stream-format=byte-stream,alignment=au"

package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. These are fixed; changing one breaks every deployed receiver.
const (
	fieldVersion protowire.Number = 15

	fieldDownFrameData protowire.Number = 1

	fieldFrameSequenceID protowire.Number = 1
	fieldFrameView0      protowire.Number = 2
	fieldFrameView1      protowire.Number = 3
	fieldFrameDisplayNs  protowire.Number = 4

	fieldUpMessageID protowire.Number = 1
	fieldUpTracking  protowire.Number = 2

	fieldTrackingHead protowire.Number = 1
	fieldTrackingTime protowire.Number = 2

	fieldPosePosition    protowire.Number = 1
	fieldPoseOrientation protowire.Number = 2
)

type Vec3 struct {
	X, Y, Z float32
}

type Quat struct {
	W, X, Y, Z float32
}

type Pose struct {
	Position    Vec3
	Orientation Quat
}

// FrameData describes the frame a DownMessage travels with.
type FrameData struct {
	FrameSequenceID uint64
	View0           Pose
	View1           Pose
	DisplayTimeNs   int64
}

// DownMessage flows server to peer, one per encoded frame.
type DownMessage struct {
	FrameData FrameData
}

// TrackingMessage is the peer's head pose at TimestampNs.
type TrackingMessage struct {
	HeadPose    Pose
	TimestampNs int64
}

// UpMessage flows peer to server over the data channel.
type UpMessage struct {
	UpMessageID int64
	Tracking    *TrackingMessage
}

func (m *DownMessage) Marshal() []byte {
	var fd []byte
	fd = protowire.AppendTag(fd, fieldFrameSequenceID, protowire.VarintType)
	fd = protowire.AppendVarint(fd, m.FrameData.FrameSequenceID)
	fd = appendMessage(fd, fieldFrameView0, appendPose(nil, m.FrameData.View0))
	fd = appendMessage(fd, fieldFrameView1, appendPose(nil, m.FrameData.View1))
	if m.FrameData.DisplayTimeNs != 0 {
		fd = protowire.AppendTag(fd, fieldFrameDisplayNs, protowire.VarintType)
		fd = protowire.AppendVarint(fd, uint64(m.FrameData.DisplayTimeNs))
	}

	b := appendMessage(nil, fieldDownFrameData, fd)
	return appendVersion(b)
}

func UnmarshalDownMessage(b []byte) (*DownMessage, error) {
	m := &DownMessage{}
	var sawFrame bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != fieldDownFrameData || typ != protowire.BytesType {
			return nil
		}
		sawFrame = true
		return decodeFrameData(v, &m.FrameData)
	})
	if err != nil {
		return nil, fmt.Errorf("decode down message: %w", err)
	}
	if !sawFrame {
		return nil, ErrNoFrameData
	}
	return m, nil
}

// PeekFrameSequenceID reads only frame_data.frame_sequence_id from an encoded DownMessage.
func PeekFrameSequenceID(b []byte) (uint64, error) {
	var (
		id  uint64
		got bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != fieldDownFrameData || typ != protowire.BytesType {
			return nil
		}
		return walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
			if num == fieldFrameSequenceID && typ == protowire.VarintType {
				x, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				id, got = x, true
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if !got {
		return 0, ErrNoFrameData
	}
	return id, nil
}

func (m *UpMessage) Marshal() []byte {
	var b []byte
	if m.UpMessageID != 0 {
		b = protowire.AppendTag(b, fieldUpMessageID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.UpMessageID))
	}
	if m.Tracking != nil {
		var t []byte
		t = appendMessage(t, fieldTrackingHead, appendPose(nil, m.Tracking.HeadPose))
		t = protowire.AppendTag(t, fieldTrackingTime, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(m.Tracking.TimestampNs))
		b = appendMessage(b, fieldUpTracking, t)
	}
	return appendVersion(b)
}

func UnmarshalUpMessage(b []byte) (*UpMessage, error) {
	m := &UpMessage{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == fieldUpMessageID && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.UpMessageID = int64(x)
		case num == fieldUpTracking && typ == protowire.BytesType:
			m.Tracking = &TrackingMessage{}
			return decodeTracking(v, m.Tracking)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode up message: %w", err)
	}
	return m, nil
}

func appendVersion(b []byte) []byte {
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(ProtocolVersion))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func appendPose(b []byte, p Pose) []byte {
	var pos, rot []byte
	pos = appendFloat(pos, 1, p.Position.X)
	pos = appendFloat(pos, 2, p.Position.Y)
	pos = appendFloat(pos, 3, p.Position.Z)
	rot = appendFloat(rot, 1, p.Orientation.W)
	rot = appendFloat(rot, 2, p.Orientation.X)
	rot = appendFloat(rot, 3, p.Orientation.Y)
	rot = appendFloat(rot, 4, p.Orientation.Z)
	b = appendMessage(b, fieldPosePosition, pos)
	return appendMessage(b, fieldPoseOrientation, rot)
}

// walk visits top-level fields after checking the version field.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	var version uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == fieldVersion && typ == protowire.VarintType {
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			version = x
			return nil
		}
		return fn(num, typ, v)
	})
	if err != nil {
		return err
	}
	if version != uint64(ProtocolVersion) {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, ProtocolVersion)
	}
	return nil
}

// walkFields calls fn with each field's raw value. For BytesType the value is the
// length-delimited content, for other types it is the encoded value itself.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		if typ == protowire.BytesType {
			v, n = protowire.ConsumeBytes(b)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeFrameData(b []byte, fd *FrameData) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == fieldFrameSequenceID && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fd.FrameSequenceID = x
		case num == fieldFrameView0 && typ == protowire.BytesType:
			return decodePose(v, &fd.View0)
		case num == fieldFrameView1 && typ == protowire.BytesType:
			return decodePose(v, &fd.View1)
		case num == fieldFrameDisplayNs && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fd.DisplayTimeNs = int64(x)
		}
		return nil
	})
}

func decodeTracking(b []byte, t *TrackingMessage) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == fieldTrackingHead && typ == protowire.BytesType:
			return decodePose(v, &t.HeadPose)
		case num == fieldTrackingTime && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			t.TimestampNs = int64(x)
		}
		return nil
	})
}

func decodePose(b []byte, p *Pose) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldPosePosition:
			return decodeFloats(v, &p.Position.X, &p.Position.Y, &p.Position.Z)
		case fieldPoseOrientation:
			return decodeFloats(v, &p.Orientation.W, &p.Orientation.X, &p.Orientation.Y, &p.Orientation.Z)
		}
		return nil
	})
}

// decodeFloats fills dst[i] from field number i+1.
func decodeFloats(b []byte, dst ...*float32) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.Fixed32Type || num < 1 || int(num) > len(dst) {
			return nil
		}
		x, n := protowire.ConsumeFixed32(v)
		if n < 0 {
			return protowire.ParseError(n)
		}
		*dst[num-1] = math.Float32frombits(x)
		return nil
	})
}

// Package protocol holds the wire contract shared between the streaming server and every
// receiver: the RTP header extension that carries per-frame DownMessages and the UpMessage
// records peers send back over the data channel.
package protocol

import "errors"

const (
	// ProtocolVersion is written into field 15 of every message. Receivers reject others.
	ProtocolVersion uint32 = 1

	// ExtensionID is the two-byte-header RTP extension element id carrying a DownMessage.
	ExtensionID uint8 = 1

	// MaxExtensionSize is the largest payload a single two-byte-header element can hold.
	MaxExtensionSize = 255

	// ExtensionURI is negotiated in SDP so both ends map ExtensionID to the same meaning.
	ExtensionURI = "urn:xrstream:rtp-hdrext:down-message"

	// DataChannelLabel is the label of the one ordered data channel per peer.
	DataChannelLabel = "channel"
)

var (
	ErrVersionMismatch = errors.New("protocol: version mismatch")
	ErrNoFrameData     = errors.New("protocol: message has no frame data")
)

// Candidate is one trickled ICE candidate as relayed over signaling.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

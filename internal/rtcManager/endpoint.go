package rtcManager

import (
	"context"

	"github.com/mikeyg42/xrstream/internal/framestream"
	"github.com/mikeyg42/xrstream/internal/protocol"
)

// TransportState mirrors the peer connection state reported by an endpoint.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Endpoint is the per-peer transport object. Methods are called from the manager's event
// loop, except SendText (keep-alive goroutine) and Stats (health monitor).
type Endpoint interface {
	Name() string
	CreateDataChannel(label string) error

	// CreateOffer generates an offer and sets it as the local description.
	CreateOffer() (string, error)
	SetRemoteAnswer(ctx context.Context, sdp string) error
	AddCandidate(c protocol.Candidate) error

	SendText(s string) error

	// Sink is where the fan-out point delivers stamped packets.
	Sink() framestream.Sink
	Stats() HealthSample
	Close() error
}

// EndpointCallbacks may be invoked from any goroutine. Every field is set by the manager.
type EndpointCallbacks struct {
	OnCandidate          func(protocol.Candidate)
	OnDataChannelOpen    func()
	OnDataChannelClose   func()
	OnDataChannelError   func(error)
	OnDataChannelMessage func(data []byte, isString bool)
	OnStateChange        func(TransportState)
	OnKeyframeRequest    func()
}

type EndpointFactory interface {
	NewEndpoint(name string, cb EndpointCallbacks) (Endpoint, error)
}

// Bridge carries server-originated signaling to one peer.
type Bridge interface {
	SendOffer(peerID, sdp string) error
	SendCandidate(peerID string, c protocol.Candidate) error
}

// FanOut is the attachment point of the shared encode graph. *framestream.Distributor
// implements it.
type FanOut interface {
	Attach(id string, sink framestream.Sink) error
	Block(id string) bool
	Remove(id string) (framestream.BranchStats, bool)
}

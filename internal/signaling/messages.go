// Package signaling relays WebRTC negotiation between the stream server and its peers over
// WebSockets. Every frame is a JSON-RPC 2.0 notification.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/xrstream/internal/protocol"
)

const (
	MethodWelcome   = "welcome"
	MethodOffer     = "offer"
	MethodAnswer    = "answer"
	MethodCandidate = "candidate"
)

var (
	ErrUnknownPeer    = errors.New("signaling: unknown peer")
	ErrSendQueueFull  = errors.New("signaling: send queue full")
	ErrUnknownMethod  = errors.New("signaling: unknown method")
	ErrMissingPayload = errors.New("signaling: missing params")
)

type Welcome struct {
	PeerID string `json:"peer_id"`
}

type SessionDescription struct {
	SDP string `json:"sdp"`
}

// Message is one decoded notification. Only the field matching Method is set.
type Message struct {
	Method    string
	PeerID    string
	SDP       string
	Candidate protocol.Candidate
}

func encode(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	req := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&raw),
		Notif:  true,
	}
	return json.Marshal(req)
}

func decode(b []byte) (Message, error) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg := Message{Method: req.Method}
	if req.Params == nil {
		return msg, fmt.Errorf("%s: %w", req.Method, ErrMissingPayload)
	}

	switch req.Method {
	case MethodWelcome:
		var w Welcome
		if err := json.Unmarshal(*req.Params, &w); err != nil {
			return msg, fmt.Errorf("failed to unmarshal welcome: %w", err)
		}
		msg.PeerID = w.PeerID
	case MethodOffer, MethodAnswer:
		var sd SessionDescription
		if err := json.Unmarshal(*req.Params, &sd); err != nil {
			return msg, fmt.Errorf("failed to unmarshal %s: %w", req.Method, err)
		}
		msg.SDP = sd.SDP
	case MethodCandidate:
		if err := json.Unmarshal(*req.Params, &msg.Candidate); err != nil {
			return msg, fmt.Errorf("failed to unmarshal candidate: %w", err)
		}
	default:
		return msg, fmt.Errorf("%q: %w", req.Method, ErrUnknownMethod)
	}
	return msg, nil
}

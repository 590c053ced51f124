package signaling

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mikeyg42/xrstream/internal/protocol"
)

func nextEvent(t *testing.T, s *Server) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no signaling event within 3s")
	}
	return Event{}
}

func dial(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func TestSignalingRoundTrip(t *testing.T) {
	s := NewServer(nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	c := dial(t, ts)
	join := nextEvent(t, s)
	if join.Kind != EventJoin || join.PeerID != c.PeerID {
		t.Fatalf("first event = %+v, want join for %s", join, c.PeerID)
	}

	if err := s.SendOffer(c.PeerID, "v=0 offer"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	msg, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Method != MethodOffer || msg.SDP != "v=0 offer" {
		t.Fatalf("client got %+v, want the offer", msg)
	}

	cand := protocol.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMLineIndex: 1}
	if err := s.SendCandidate(c.PeerID, cand); err != nil {
		t.Fatalf("SendCandidate: %v", err)
	}
	if msg, err := c.Read(); err != nil || msg.Candidate != cand {
		t.Fatalf("client got %+v (%v), want %+v", msg, err, cand)
	}

	if err := c.SendAnswer("v=0 answer"); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	if ev := nextEvent(t, s); ev.Kind != EventAnswer || ev.SDP != "v=0 answer" || ev.PeerID != c.PeerID {
		t.Fatalf("event = %+v, want the answer", ev)
	}
	if err := c.SendCandidate(cand); err != nil {
		t.Fatalf("client SendCandidate: %v", err)
	}
	if ev := nextEvent(t, s); ev.Kind != EventCandidate || ev.Candidate != cand {
		t.Fatalf("event = %+v, want the candidate", ev)
	}

	c.Close()
	if ev := nextEvent(t, s); ev.Kind != EventLeave || ev.PeerID != c.PeerID {
		t.Fatalf("event = %+v, want leave", ev)
	}
	if err := s.SendOffer(c.PeerID, "late"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("SendOffer after leave = %v, want ErrUnknownPeer", err)
	}
}

func TestDistinctPeerIDs(t *testing.T) {
	s := NewServer(nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	a, b := dial(t, ts), dial(t, ts)
	defer a.Close()
	defer b.Close()
	if a.PeerID == b.PeerID {
		t.Fatalf("both clients got peer id %s", a.PeerID)
	}
	nextEvent(t, s)
	nextEvent(t, s)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}

	s.Close()
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, s)
		if ev.Kind != EventLeave {
			t.Fatalf("event = %+v, want leave", ev)
		}
		seen[ev.PeerID] = true
	}
	if !seen[a.PeerID] || !seen[b.PeerID] {
		t.Fatalf("leave events for %v, want both peers", seen)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", "{", nil},
		{"unknown method", `{"jsonrpc":"2.0","method":"dance","params":{}}`, ErrUnknownMethod},
		{"no params", `{"jsonrpc":"2.0","method":"answer"}`, ErrMissingPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDialGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	// nothing listens on port 1
	if _, err := Dial(ctx, "ws://127.0.0.1:1/ws", DialOptions{MaxElapsed: time.Second}); err == nil {
		t.Fatal("Dial to a closed port succeeded")
	}
}

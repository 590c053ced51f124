package callbacks

import "testing"

func TestCallByMask(t *testing.T) {
	c := New()
	var tracking, lifecycle, all int

	c.Add(EventTracking, func(Event) { tracking++ })
	c.Add(EventPeerConnected|EventPeerDisconnected, func(Event) { lifecycle++ })
	allID := c.Add(EventAll, func(Event) { all++ })

	c.Call(Event{Kind: EventTracking})
	c.Call(Event{Kind: EventPeerConnected})
	c.Call(Event{Kind: EventPeerDisconnected})

	if tracking != 1 || lifecycle != 2 || all != 3 {
		t.Fatalf("tracking=%d lifecycle=%d all=%d, want 1 2 3", tracking, lifecycle, all)
	}

	if !c.Remove(allID) {
		t.Fatal("Remove returned false")
	}
	if c.Remove(allID) {
		t.Fatal("second Remove returned true")
	}
	if n := c.Call(Event{Kind: EventTracking}); n != 1 {
		t.Fatalf("Call ran %d callbacks after Remove, want 1", n)
	}
}

func TestCallbackMayRegister(t *testing.T) {
	c := New()
	c.Add(EventTracking, func(Event) {
		c.Add(EventTracking, func(Event) {})
	})
	c.Call(Event{Kind: EventTracking})
	if n := c.Call(Event{Kind: EventTracking}); n != 2 {
		t.Fatalf("Call ran %d callbacks, want 2", n)
	}
}

package framestream

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
)

type countingSink struct {
	mu       sync.Mutex
	seqs     []uint16
	closed   atomic.Bool
	afterUse atomic.Int64
	delay    time.Duration
}

func (s *countingSink) WriteRTP(p *rtp.Packet) error {
	if s.closed.Load() {
		s.afterUse.Add(1)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	// mutate like TrackLocalStaticRTP does
	p.SSRC = 0xdeadbeef
	s.mu.Lock()
	s.seqs = append(s.seqs, p.SequenceNumber)
	s.mu.Unlock()
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestDistributorDeliversCopies(t *testing.T) {
	d := NewDistributor(16, nil)
	defer d.Close()

	a, b := &countingSink{}, &countingSink{}
	if err := d.Attach("a", a); err != nil {
		t.Fatalf("Attach(a): %v", err)
	}
	if err := d.Attach("b", b); err != nil {
		t.Fatalf("Attach(b): %v", err)
	}
	if err := d.Attach("a", a); !errors.Is(err, ErrBranchExists) {
		t.Fatalf("duplicate Attach error = %v, want ErrBranchExists", err)
	}

	pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: 7, SSRC: 1}, Payload: []byte{1, 2, 3}}
	if err := d.WriteRTP(pkt); err != nil {
		t.Fatalf("WriteRTP: %v", err)
	}

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
	if pkt.SSRC != 1 {
		t.Fatalf("source packet was mutated by a sink: SSRC=%#x", pkt.SSRC)
	}
}

func TestBlockStopsDeliveryBeforeReturning(t *testing.T) {
	d := NewDistributor(64, nil)
	defer d.Close()

	s := &countingSink{delay: 100 * time.Microsecond}
	if err := d.Attach("peer", s); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var seq uint16
		for {
			select {
			case <-stop:
				return
			default:
			}
			seq++
			d.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
		}
	}()

	waitFor(t, func() bool { return s.count() > 10 })
	if !d.Block("peer") {
		t.Fatal("Block(peer) = false")
	}
	s.closed.Store(true)

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	if n := s.afterUse.Load(); n != 0 {
		t.Fatalf("sink written %d times after Block returned", n)
	}
	if _, ok := d.Remove("peer"); !ok {
		t.Fatal("Remove(peer) after Block = false")
	}
	if _, ok := d.Remove("peer"); ok {
		t.Fatal("second Remove(peer) = true, want no-op")
	}
	if d.Block("peer") {
		t.Fatal("Block on removed branch = true")
	}
}

func TestRemoveDoesNotDisturbOtherBranches(t *testing.T) {
	d := NewDistributor(DefaultQueueSize, nil)
	defer d.Close()

	a, b := &countingSink{}, &countingSink{}
	d.Attach("a", a)
	d.Attach("b", b)

	const total = 2000
	for i := 1; i <= total; i++ {
		d.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}})
		if i == total/2 {
			d.Remove("a")
		}
		if i%100 == 0 {
			// let the writer keep up so the queue never overflows
			waitFor(t, func() bool { return b.count() == i })
		}
	}

	waitFor(t, func() bool { return b.count() == total })
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, seq := range b.seqs {
		if int(seq) != i+1 {
			t.Fatalf("branch b packet %d has seq %d, want %d", i, seq, i+1)
		}
	}
	if st := d.Stats()["b"]; st.Dropped != 0 {
		t.Fatalf("branch b dropped %d packets", st.Dropped)
	}
	if a.count() > total/2 {
		t.Fatalf("branch a got %d packets after removal point", a.count())
	}
}

func TestSlowBranchDropsOnlyItsOwnPackets(t *testing.T) {
	d := NewDistributor(1, nil)
	defer d.Close()

	release := make(chan struct{})
	slow := sinkFunc(func(*rtp.Packet) error { <-release; return nil })
	fast := &countingSink{}
	d.Attach("slow", slow)
	d.Attach("fast", fast)

	for i := 0; i < 50; i++ {
		d.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}})
		waitFor(t, func() bool { return fast.count() == i+1 })
	}
	close(release)

	if st := d.Stats()["slow"]; st.Dropped == 0 {
		t.Fatal("slow branch dropped nothing")
	}
	if st := d.Stats()["fast"]; st.Dropped != 0 {
		t.Fatalf("fast branch dropped %d", st.Dropped)
	}
}

type sinkFunc func(*rtp.Packet) error

func (f sinkFunc) WriteRTP(p *rtp.Packet) error { return f(p) }

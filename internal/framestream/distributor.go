// Package framestream is the fan-out point of the encode graph: one stamped RTP stream in,
// one independent queue per attached peer out.
package framestream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// ============================================================================
//  PACKET DISTRIBUTOR
// ============================================================================

const DefaultQueueSize = 256

var ErrBranchExists = errors.New("framestream: branch already attached")

// Sink receives packets for one peer. *webrtc.TrackLocalStaticRTP satisfies it.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

// Distributor copies every packet to each attached branch without ever blocking the
// streaming goroutine. A slow branch drops its own packets; other branches are unaffected.
type Distributor struct {
	mu        sync.RWMutex
	branches  map[string]*branch
	queueSize int
	logger    *zap.Logger

	stats struct {
		packetsIn atomic.Int64
	}
}

// BranchStats tracks delivery for one attached sink.
type BranchStats struct {
	Delivered int64
	Dropped   int64
	Errors    int64
}

type branch struct {
	id   string
	sink Sink

	// mu makes the blocked check and the enqueue atomic with respect to Block.
	mu      sync.Mutex
	blocked bool
	queue   chan *rtp.Packet

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

func NewDistributor(queueSize int, logger *zap.Logger) *Distributor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{
		branches:  make(map[string]*branch),
		queueSize: queueSize,
		logger:    logger.Named("fanout"),
	}
}

// Attach starts delivering packets to sink under id.
func (d *Distributor) Attach(id string, sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.branches[id]; ok {
		return ErrBranchExists
	}
	b := &branch{
		id:    id,
		sink:  sink,
		queue: make(chan *rtp.Packet, d.queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	d.branches[id] = b
	go b.run(d.logger)

	d.logger.Debug("branch attached", zap.String("branch", id), zap.Int("branches", len(d.branches)))
	return nil
}

// WriteRTP hands a private copy of pkt to every unblocked branch.
func (d *Distributor) WriteRTP(pkt *rtp.Packet) error {
	d.stats.packetsIn.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, b := range d.branches {
		b.offer(pkt)
	}
	return nil
}

// Block stops delivery to id and waits until no packet is being written to its sink.
// When Block returns true the sink will never be called again. It reports false if id
// is not attached.
func (d *Distributor) Block(id string) bool {
	d.mu.RLock()
	b, ok := d.branches[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	b.block()
	return true
}

// Remove blocks id if needed and forgets it. Removing an unknown id is a no-op.
func (d *Distributor) Remove(id string) (BranchStats, bool) {
	d.mu.Lock()
	b, ok := d.branches[id]
	delete(d.branches, id)
	remaining := len(d.branches)
	d.mu.Unlock()

	if !ok {
		return BranchStats{}, false
	}
	b.block()

	st := b.snapshot()
	d.logger.Debug("branch removed",
		zap.String("branch", id),
		zap.Int64("delivered", st.Delivered),
		zap.Int64("dropped", st.Dropped),
		zap.Int("branches", remaining))
	return st, true
}

func (d *Distributor) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.branches)
}

// Stats returns per-branch counters keyed by id.
func (d *Distributor) Stats() map[string]BranchStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]BranchStats, len(d.branches))
	for id, b := range d.branches {
		out[id] = b.snapshot()
	}
	return out
}

func (d *Distributor) PacketsIn() int64 {
	return d.stats.packetsIn.Load()
}

// Close removes every branch.
func (d *Distributor) Close() {
	d.mu.Lock()
	branches := d.branches
	d.branches = make(map[string]*branch)
	d.mu.Unlock()

	for _, b := range branches {
		b.block()
	}
}

func (b *branch) offer(pkt *rtp.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.blocked {
		return
	}
	// The sink rewrites SSRC and payload type in place, so each branch gets its own copy.
	select {
	case b.queue <- pkt.Clone():
	default:
		b.dropped.Add(1)
	}
}

func (b *branch) block() {
	b.mu.Lock()
	b.blocked = true
	b.mu.Unlock()

	b.quitOnce.Do(func() { close(b.quit) })
	<-b.done
}

func (b *branch) run(logger *zap.Logger) {
	defer close(b.done)

	for {
		select {
		case <-b.quit:
			return
		case pkt := <-b.queue:
			// quit wins over a backlog
			select {
			case <-b.quit:
				return
			default:
			}
			if err := b.sink.WriteRTP(pkt); err != nil {
				if b.errors.Add(1)%100 == 1 {
					logger.Warn("branch write failed", zap.String("branch", b.id), zap.Error(err))
				}
				continue
			}
			b.delivered.Add(1)
		}
	}
}

func (b *branch) snapshot() BranchStats {
	return BranchStats{
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Errors:    b.errors.Load(),
	}
}

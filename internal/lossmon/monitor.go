// Package lossmon estimates how many DownMessages never made it into the outgoing stream by
// looking for holes in the frame sequence ids that were actually sent.
package lossmon

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/ring"
)

const DefaultPeriod = 5 * time.Second

// Report summarizes one window.
type Report struct {
	Start    time.Time
	Elapsed  time.Duration
	Sent     int
	Gaps     int    // distinct holes in the sequence
	Skipped  uint64 // ids missing across all holes
	SkipRate float64 // skipped per second
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l.Named("lossmon") }
}

// WithHistory keeps the last n reports.
func WithHistory(n int) Option {
	return func(m *Monitor) { m.history = ring.New[Report](n) }
}

// Monitor is written by the streaming goroutine and read by the reporting goroutine.
type Monitor struct {
	mu      sync.Mutex
	ids     []uint64
	start   time.Time
	now     func() time.Time
	logger  *zap.Logger
	history *ring.Buffer[Report]
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.history == nil {
		m.history = ring.New[Report](60)
	}
	m.start = m.now()
	return m
}

func (m *Monitor) Record(id uint64) {
	m.mu.Lock()
	m.ids = append(m.ids, id)
	m.mu.Unlock()
}

// Tick closes the current window and starts a new one. Ids are only compared within a
// window, so a reordering across the boundary is not seen.
func (m *Monitor) Tick() Report {
	m.mu.Lock()
	ids := m.ids
	m.ids = nil
	start := m.start
	now := m.now()
	m.start = now
	m.mu.Unlock()

	slices.Sort(ids)
	var (
		skipped uint64
		gaps    int
	)
	for i := 1; i < len(ids); i++ {
		if d := ids[i] - ids[i-1]; d > 1 {
			skipped += d - 1
			gaps++
		}
	}

	r := Report{
		Start:   start,
		Elapsed: now.Sub(start),
		Sent:    len(ids),
		Gaps:    gaps,
		Skipped: skipped,
	}
	if secs := r.Elapsed.Seconds(); secs > 0 {
		r.SkipRate = float64(skipped) / secs
	}
	m.history.Add(r)
	return r
}

// History returns up to n past reports, newest first.
func (m *Monitor) History(n int) []Report {
	return m.history.Recent(n)
}

// Run ticks every period until ctx is done. report may be nil.
func (m *Monitor) Run(ctx context.Context, period time.Duration, report func(Report)) {
	if period <= 0 {
		period = DefaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := m.Tick()
			if r.Sent == 0 {
				continue
			}
			m.logger.Info("down message loss",
				zap.Int("sent", r.Sent),
				zap.Int("gaps", r.Gaps),
				zap.Uint64("skipped", r.Skipped),
				zap.Float64("skipped_per_sec", r.SkipRate),
				zap.Duration("window", r.Elapsed))
			if report != nil {
				report(r)
			}
		}
	}
}
